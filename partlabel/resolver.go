// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package partlabel resolves partition names to the block device that
// hosts them, by reading /dev/disk/by-partlabel symlinks, and groups a
// set of partition names by their hosting disk.
package partlabel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/siderolabs/abslot/errkind"
)

// ByPartlabelDir is the directory udev populates with one symlink per
// GPT partition label, pointing at the partition's block device node.
const ByPartlabelDir = "/dev/disk/by-partlabel"

// EMMCDevice is the eMMC whole-disk node this platform's bootloader
// always uses, when present.
const EMMCDevice = "/dev/mmcblk0"

// Resolver resolves A/B partition names against a filesystem root
// (normally "/", overridable in tests).
type Resolver struct {
	Root string
}

// New returns a Resolver rooted at "/".
func New() *Resolver {
	return &Resolver{Root: "/"}
}

func (r *Resolver) byPartlabelDir() string {
	if r.Root == "" || r.Root == "/" {
		return ByPartlabelDir
	}

	return filepath.Join(r.Root, ByPartlabelDir)
}

// wholeDisk strips the trailing partition-number suffix from a
// partition device node to obtain its whole-disk node.
func wholeDisk(partDev string) string {
	// Try the mmcblk-style "<base-ending-in-digit>p<num>" form first,
	// then fall back to plain trailing digits (sda3 -> sda).
	trimmed := strings.TrimRight(partDev, "0123456789")
	if trimmed == partDev {
		return partDev
	}

	if strings.HasSuffix(trimmed, "p") && len(trimmed) > 1 {
		prev := trimmed[len(trimmed)-2]
		if prev >= '0' && prev <= '9' {
			return trimmed[:len(trimmed)-1]
		}
	}

	return trimmed
}

// Resolve reads the symlink /dev/disk/by-partlabel/<name>, canonicalises
// it to the partition's block device node, then trims the trailing
// partition-number suffix to obtain the whole-disk node. Returns
// errkind.Missing if the symlink does not exist.
func (r *Resolver) Resolve(name string) (string, error) {
	if name == "" {
		return "", errkind.New(errkind.InvalidArgument, "partlabel", fmt.Errorf("empty partition name"))
	}

	link := filepath.Join(r.byPartlabelDir(), name)

	partDev, err := filepath.EvalSymlinks(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errkind.New(errkind.Missing, "partlabel", fmt.Errorf("resolve %q: %w", name, err))
		}

		return "", errkind.New(errkind.IoError, "partlabel", fmt.Errorf("resolve %q: %w", name, err))
	}

	return wholeDisk(partDev), nil
}

// Group resolves every name in names, returning a map from hosting
// disk to the partition names found on it. Names that don't resolve
// (not present on this device) are silently skipped.
func (r *Resolver) Group(names []string) map[string][]string {
	groups := make(map[string][]string)

	for _, name := range names {
		disk, err := r.Resolve(name)
		if err != nil {
			continue
		}

		groups[disk] = append(groups[disk], name)
	}

	return groups
}

// IsBackedByEMMC reports whether name resolves to this platform's eMMC
// node, rather than a UFS LUN.
func (r *Resolver) IsBackedByEMMC(name string) (bool, error) {
	disk, err := r.Resolve(name)
	if err != nil {
		return false, err
	}

	return disk == EMMCDevice, nil
}

// Exists reports whether name has a by-partlabel symlink at all,
// without resolving it to a whole disk.
func (r *Resolver) Exists(name string) bool {
	_, err := os.Lstat(filepath.Join(r.byPartlabelDir(), name))

	return err == nil
}

// ListNames returns every partition label with a by-partlabel
// symlink, used by slotCount to discover how many boot_<suffix>
// partitions the device carries.
func (r *Resolver) ListNames() ([]string, error) {
	entries, err := os.ReadDir(r.byPartlabelDir())
	if err != nil {
		return nil, errkind.New(errkind.IoError, "partlabel", fmt.Errorf("list %s: %w", r.byPartlabelDir(), err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names, nil
}
