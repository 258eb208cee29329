/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package capture

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// PrivilegeDropConfig names the identity to switch to after the capture
// source (and first output file, if any) are open (spec.md §4.6 "Privilege
// drop").
type PrivilegeDropConfig struct {
	User      string // unprivileged user to switch to; empty disables privilege drop
	ChrootDir string // optional; chroot to this directory and chdir to "/" first
}

// resolveUser looks up Config.User, returning a Configuration-kind error
// (spec.md §7 kind 4) if it doesn't exist. Per SPEC_FULL.md's supplemented
// feature 3 (tcpdump.c droproot), this lookup happens at startup, before the
// capture source is even opened, so a typo in -Z fails fast rather than
// after minutes of capture.
func resolveUser(name string) (*user.User, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("configuration: unprivileged user %q not found: %w", name, err)
	}
	return u, nil
}

// dropPrivileges performs the chroot/chdir then the gid/uid switch, in that
// order (spec.md §4.6: "If chroot is configured, chroot and chdir to "/"
// before switching IDs"). Call after the capture source and first output
// file are open; nothing after this call may assume root privileges.
func dropPrivileges(cfg PrivilegeDropConfig, u *user.User) error {
	if cfg.ChrootDir != "" {
		if err := unix.Chroot(cfg.ChrootDir); err != nil {
			return fmt.Errorf("chroot to %s: %w", cfg.ChrootDir, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("chdir to / after chroot: %w", err)
		}
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("configuration: unprivileged user %q has non-numeric gid %q", u.Username, u.Gid)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("configuration: unprivileged user %q has non-numeric uid %q", u.Username, u.Uid)
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return fmt.Errorf("looking up supplementary groups for %s: %w", u.Username, err)
	}
	supplementary := make([]int, 0, len(groupIDs))
	for _, g := range groupIDs {
		gidN, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		supplementary = append(supplementary, gidN)
	}
	if err := unix.Setgroups(supplementary); err != nil {
		return fmt.Errorf("setting supplementary groups for %s: %w", u.Username, err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid to %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid to %d: %w", uid, err)
	}
	return nil
}
