//go:build !linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package kernel

// Probe reports no elevated capabilities outside Linux; cmd/dissect treats a
// false field the same as an older kernel that lacks the feature, not as a
// probe error, so a session on a non-Linux host runs without monitor-mode
// (and rejects --monitor-mode at startup).
func Probe() (Capabilities, error) {
	return Capabilities{}, nil
}
