//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package kernel

import (
	"testing"

	dockerkernel "github.com/docker/docker/pkg/parsers/kernel"
)

func TestAtLeastComparesKernelVersionTuples(t *testing.T) {
	cases := []struct {
		have dockerkernel.VersionInfo
		k, major, minor int
		want bool
	}{
		{dockerkernel.VersionInfo{Kernel: 2, Major: 6, Minor: 28}, 2, 6, 28, true},
		{dockerkernel.VersionInfo{Kernel: 2, Major: 6, Minor: 27}, 2, 6, 28, false},
		{dockerkernel.VersionInfo{Kernel: 5, Major: 10, Minor: 0}, 3, 0, 0, true},
		{dockerkernel.VersionInfo{Kernel: 2, Major: 4, Minor: 0}, 3, 0, 0, false},
	}
	for _, c := range cases {
		if got := atLeast(c.have, c.k, c.major, c.minor); got != c.want {
			t.Errorf("atLeast(%+v, %d.%d.%d) = %v, want %v", c.have, c.k, c.major, c.minor, got, c.want)
		}
	}
}
