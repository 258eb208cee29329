//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package kernel

import (
	"fmt"

	"github.com/docker/docker/pkg/parsers/kernel"
)

// Probe reports the running kernel's capture capabilities, adapted from the
// teacher's init-time version gate (pkg/linux/init.go): there it panicked at
// import time if the kernel was too old for the tcp_info fields the package
// relied on. A capture session can run on an older kernel and simply decline
// the unsupported feature, so Probe returns an error instead of panicking,
// and defers the decision to the caller (cmd/dissect at startup).
func Probe() (Capabilities, error) {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		return Capabilities{}, fmt.Errorf("probing kernel version: %w", err)
	}
	return Capabilities{
		NanosecondTimestamps: atLeast(*v, minNanoKernel, minNanoMajor, minNanoMinor),
		MonitorMode:          atLeast(*v, minMonitorKernel, minMonitorMajor, minMonitorMinor),
	}, nil
}

func atLeast(have kernel.VersionInfo, k, major, minor int) bool {
	return kernel.CompareKernelVersion(have, kernel.VersionInfo{Kernel: k, Major: major, Minor: minor}) >= 0
}
