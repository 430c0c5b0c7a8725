// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package slot implements the A/B boot-control policy layer: which
// attribute bits mean "active", "bootable", and "successful", and the
// rules for flipping them across the fixed set of A/B partition pairs
// spanning one or more physical disks.
package slot

import (
	"fmt"

	"github.com/siderolabs/abslot/errkind"
)

// Slot is an ordinal identifying one of the two parallel partition
// sets.
type Slot int

const (
	SlotA Slot = iota
	SlotB
)

// suffixes maps a Slot to its partition-name suffix. An out-of-range
// Slot has no suffix.
var suffixes = map[Slot]string{
	SlotA: "_a",
	SlotB: "_b",
}

// Suffix returns the partition-name suffix for slot, or "" if slot is
// out of range — GetSuffix never errors, per the spec.
func Suffix(slot Slot) string {
	return suffixes[slot]
}

// other returns the slot paired with slot (A<->B); only meaningful for
// valid slots.
func other(slot Slot) Slot {
	if slot == SlotA {
		return SlotB
	}

	return SlotA
}

func validateSlot(slot Slot) error {
	if slot != SlotA && slot != SlotB {
		return errkind.New(errkind.InvalidArgument, "slot", fmt.Errorf("slot %d out of range", slot))
	}

	return nil
}

// BasePartitions is the fixed set of base partition names known to be
// replicated across slots. boot and dtbo are the only two whose _a
// side is required to exist; the rest are best-effort — a pair missing
// either side is skipped rather than failing the operation.
var BasePartitions = []string{
	"boot", "system", "vendor", "modem", "system_ext", "product", "dtbo",
	"xbl", "abl", "aop", "apdp", "cmnlib", "cmnlib64", "devcfg", "hyp",
	"keymaster", "msadp", "qupfw", "storsec", "tz", "vbmeta", "vbmeta_system",
}

// requiredBases are base names whose _a partition absence is a fatal
// errkind.Missing, rather than a silently-skipped pair.
var requiredBases = []string{"boot", "dtbo"}

// SlotInfo is the {active, bootable, successful} triple for one slot,
// derived from its boot partition's attribute bits.
type SlotInfo struct {
	Active     bool
	Bootable   bool
	Successful bool
}

// bootAgingLabel is excluded from the boot_* count used to derive
// slotCount: it's a reserved aging-test partition name, not a genuine
// A/B slot.
const bootAgingLabel = "boot_aging"
