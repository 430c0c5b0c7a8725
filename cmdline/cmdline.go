// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmdline probes the kernel command line for the slot_suffix
// parameter used by getCurrentSlot. It wraps go-procfs rather than
// hand-rolling a tokenizer: go-procfs already does the
// whitespace-terminated, quote-naive parse this lookup needs. The file
// itself is read here (not by go-procfs's own /proc/cmdline singleton)
// so a short or missing read is handled explicitly and so tests can
// point at a fixture file.
package cmdline

import (
	"os"

	"github.com/siderolabs/go-procfs/procfs"
)

// DefaultPath is the file read by GetSlotSuffix.
const DefaultPath = "/proc/cmdline"

// SlotSuffixParam is the kernel-cmdline key carrying the active slot
// suffix, e.g. "slot_suffix=_a".
const SlotSuffixParam = "slot_suffix"

// GetSlotSuffix returns the value of slot_suffix from path and true,
// or ("", false) if the file is missing, unreadable, or the parameter
// isn't present — any of which the caller (getCurrentSlot) treats as a
// cue to fall back to getActiveBootSlot rather than as a hard error.
func GetSlotSuffix(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}

	param := procfs.NewCmdline(string(data)).Get(SlotSuffixParam).First()
	if param == nil {
		return "", false
	}

	return *param, true
}
