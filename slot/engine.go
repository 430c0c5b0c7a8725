// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package slot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/siderolabs/abslot/cmdline"
	"github.com/siderolabs/abslot/errkind"
	"github.com/siderolabs/abslot/gpt"
	"github.com/siderolabs/abslot/partlabel"
	"github.com/siderolabs/abslot/ufsboot"
)

// Engine is the capability object implementing the A/B policy layer,
// parameterised over a PartitionResolver and a UFS boot-LUN transport
// so that tests can root the resolver at a fabricated directory and
// supply an alternate transport (the source's
// environment-variable-selected test stub becomes a plain constructor
// argument here).
type Engine struct {
	resolver *partlabel.Resolver
	ufs      ufsboot.Switch
	log      *zap.Logger

	cmdlinePath      string
	ignoreMissingBSG bool
}

// Option configures NewEngine.
type Option func(*Engine)

// WithLogger attaches a logger for informational events, e.g.
// MarkBootSuccessful's "cleared unbootable bit" repair note. Defaults
// to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithCmdlinePath overrides the kernel-cmdline file GetCurrentSlot
// reads, for tests. Defaults to cmdline.DefaultPath.
func WithCmdlinePath(path string) Option {
	return func(e *Engine) { e.cmdlinePath = path }
}

// WithIgnoreMissingBSG makes mutating operations swallow a missing UFS
// bsg device instead of surfacing it, for platforms where the bsg node
// may not be present at the time the tool runs.
func WithIgnoreMissingBSG(v bool) Option {
	return func(e *Engine) { e.ignoreMissingBSG = v }
}

// NewEngine constructs an Engine. ufs may be ufsboot.NopSwitch{} on
// pure-eMMC platforms or in tests that never exercise the UFS path.
func NewEngine(resolver *partlabel.Resolver, ufs ufsboot.Switch, opts ...Option) *Engine {
	e := &Engine{
		resolver:    resolver,
		ufs:         ufs,
		log:         zap.NewNop(),
		cmdlinePath: cmdline.DefaultPath,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func bootPartition(slot Slot) string { return "boot" + Suffix(slot) }

// GetSuffix returns the partition-name suffix for slot, or "" if slot
// is out of range.
func (e *Engine) GetSuffix(slot Slot) string {
	return Suffix(slot)
}

// slotCount counts by-partlabel entries whose name starts with "boot_"
// and is not the reserved "boot_aging" name.
func (e *Engine) slotCount() (int, error) {
	names, err := e.resolver.ListNames()
	if err != nil {
		return 0, err
	}

	count := 0

	for _, n := range names {
		if n == bootAgingLabel {
			continue
		}

		if strings.HasPrefix(n, "boot_") {
			count++
		}
	}

	return count, nil
}

// hasSlots reports whether this device has A/B slots at all. A count
// of 1 is treated the same as 0 per the spec: a single boot_* entry is
// not an A/B pair.
func (e *Engine) hasSlots() (bool, error) {
	n, err := e.slotCount()
	if err != nil {
		return false, err
	}

	return n > 1, nil
}

// SlotCount returns the number of boot_* partition labels present on
// this device, excluding the reserved boot_aging name.
func (e *Engine) SlotCount() (int, error) {
	return e.slotCount()
}

// GetCurrentSlot returns SlotA without reading the kernel command line
// on a device with no A/B slots (fewer than two boot_* labels).
// Otherwise it reads the kernel command line for slot_suffix; if
// present and one of _a/_b, returns that ordinal. On a missing
// cmdline, a missing parameter or any other value it falls back to
// GetActiveBootSlot.
func (e *Engine) GetCurrentSlot() (Slot, error) {
	has, err := e.hasSlots()
	if err != nil {
		return SlotA, err
	}

	if !has {
		return SlotA, nil
	}

	if suffix, ok := cmdline.GetSlotSuffix(e.cmdlinePath); ok {
		for slot, s := range suffixes {
			if s == suffix {
				return slot, nil
			}
		}
	}

	return e.GetActiveBootSlot()
}

// GetActiveBootSlot scans boot_<suffix> entries and returns the index
// of the one whose SLOT_ACTIVE bit is set. If none is active (or
// boot_<suffix> can't be read), it returns SlotA as a defined
// fallback.
func (e *Engine) GetActiveBootSlot() (Slot, error) {
	for _, slot := range []Slot{SlotA, SlotB} {
		active, err := e.bootAttr(slot, gpt.SlotActive)
		if err != nil {
			continue
		}

		if active {
			return slot, nil
		}
	}

	return SlotA, nil
}

// bootAttr reads one attribute bit off the boot_<suffix> partition for
// slot, opening its hosting disk read-only.
func (e *Engine) bootAttr(slot Slot, kind gpt.AttrKind) (bool, error) {
	name := bootPartition(slot)

	disk, err := e.resolver.Resolve(name)
	if err != nil {
		return false, err
	}

	d, err := gpt.LoadReadOnly(disk, gpt.WithLogger(e.log))
	if err != nil {
		return false, err
	}
	defer d.Close()

	return d.GetAttr(name, gpt.Primary, kind)
}

// IsSlotBootable reports slot's current UNBOOTABLE bit, inverted.
func (e *Engine) IsSlotBootable(slot Slot) (bool, error) {
	if err := validateSlot(slot); err != nil {
		return false, err
	}

	unbootable, err := e.bootAttr(slot, gpt.Unbootable)
	if err != nil {
		return false, err
	}

	return !unbootable, nil
}

// IsSlotMarkedSuccessful reports slot's current BOOT_SUCCESSFUL bit.
func (e *Engine) IsSlotMarkedSuccessful(slot Slot) (bool, error) {
	if err := validateSlot(slot); err != nil {
		return false, err
	}

	return e.bootAttr(slot, gpt.BootSuccessful)
}

// GetSlotInfo reads the full {active, bootable, successful} triple for
// slot off its boot partition.
func (e *Engine) GetSlotInfo(slot Slot) (SlotInfo, error) {
	if err := validateSlot(slot); err != nil {
		return SlotInfo{}, err
	}

	active, err := e.bootAttr(slot, gpt.SlotActive)
	if err != nil {
		return SlotInfo{}, err
	}

	unbootable, err := e.bootAttr(slot, gpt.Unbootable)
	if err != nil {
		return SlotInfo{}, err
	}

	successful, err := e.bootAttr(slot, gpt.BootSuccessful)
	if err != nil {
		return SlotInfo{}, err
	}

	return SlotInfo{Active: active, Bootable: !unbootable, Successful: successful}, nil
}

// pairedNames returns, for each A/B base partition that has both its
// _a and _b side present on this device, the (aName, bName) pair. Base
// names missing either side are silently skipped — the spec treats a
// non-A/B partition's absence as non-fatal, with the two exceptions
// enforced by checkRequired.
func (e *Engine) pairedNames() []([2]string) {
	pairs := make([][2]string, 0, len(BasePartitions))

	for _, base := range BasePartitions {
		a, b := base+"_a", base+"_b"
		if e.resolver.Exists(a) && e.resolver.Exists(b) {
			pairs = append(pairs, [2]string{a, b})
		}
	}

	return pairs
}

// checkRequired enforces that boot_a and dtbo_a exist, regardless of
// whether their _b counterpart does.
func (e *Engine) checkRequired() error {
	for _, base := range requiredBases {
		name := base + "_a"
		if !e.resolver.Exists(name) {
			return errkind.New(errkind.Missing, "slot", fmt.Errorf("required partition %q not found", name))
		}
	}

	return nil
}

// commitAllDisks groups names by hosting disk, applies apply to every
// named partition on each disk, then commits each disk in turn. Disks
// are attempted even after an earlier one fails, so a caller sees the
// fullest possible picture of a partially-failed multi-disk operation;
// all failures are aggregated with go-multierror. Each individual
// disk's own commit remains atomic at the GPT level regardless. ctx is
// checked between disks only: a commit, once started, always runs to
// completion.
func (e *Engine) commitAllDisks(ctx context.Context, names []string, apply func(d *gpt.Disk, name string) error) error {
	groups := e.resolver.Group(names)

	var result *multierror.Error

	for disk, diskNames := range groups {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)

			break
		}

		if err := e.commitOneDisk(disk, diskNames, apply); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (e *Engine) commitOneDisk(disk string, names []string, apply func(d *gpt.Disk, name string) error) error {
	d, err := gpt.Load(disk, gpt.WithLogger(e.log))
	if err != nil {
		return err
	}
	defer d.Close()

	for _, name := range names {
		if err := apply(d, name); err != nil {
			return err
		}
	}

	return d.Commit()
}

// commitPairsAllDisks groups pairs by the disk hosting their "a" side
// (the GUID swap SetActiveBootSlot needs requires both sides of a pair
// to live on the same physical disk, which is the normal A/B layout —
// a pair whose two sides resolve to different disks is skipped, the
// same way a pair missing one side entirely is skipped), applies apply
// to every pair on each disk, then commits.
func (e *Engine) commitPairsAllDisks(ctx context.Context, pairs [][2]string, apply func(d *gpt.Disk, pair [2]string) error) error {
	groups := make(map[string][][2]string)

	for _, pair := range pairs {
		diskA, err := e.resolver.Resolve(pair[0])
		if err != nil {
			continue
		}

		diskB, err := e.resolver.Resolve(pair[1])
		if err != nil || diskB != diskA {
			continue
		}

		groups[diskA] = append(groups[diskA], pair)
	}

	var result *multierror.Error

	for disk, diskPairs := range groups {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)

			break
		}

		if err := e.commitOnePairDisk(disk, diskPairs, apply); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (e *Engine) commitOnePairDisk(disk string, pairs [][2]string, apply func(d *gpt.Disk, pair [2]string) error) error {
	d, err := gpt.Load(disk, gpt.WithLogger(e.log))
	if err != nil {
		return err
	}
	defer d.Close()

	for _, pair := range pairs {
		if err := apply(d, pair); err != nil {
			return err
		}
	}

	return d.Commit()
}

// idx returns 0 for SlotA and 1 for SlotB, the index into a pairedNames
// [2]string pair.
func idx(slot Slot) int {
	if slot == SlotA {
		return 0
	}

	return 1
}

// SetActiveBootSlot marks target active and the other slot inactive
// across every A/B pair present on this device, then (on UFS-backed
// devices) switches the boot LUN to match. It fails with
// errkind.Invariant if neither boot_a nor boot_b currently has
// SLOT_ACTIVE set, and with errkind.Missing if boot_a or dtbo_a is
// absent. bootable and successful bits are left untouched on both
// slots.
func (e *Engine) SetActiveBootSlot(ctx context.Context, target Slot) error {
	if err := validateSlot(target); err != nil {
		return err
	}

	if err := e.checkRequired(); err != nil {
		return err
	}

	activeA, err := e.bootAttr(SlotA, gpt.SlotActive)
	if err != nil {
		return err
	}

	activeB, err := e.bootAttr(SlotB, gpt.SlotActive)
	if err != nil {
		return err
	}

	if !activeA && !activeB {
		return errkind.New(errkind.Invariant, "slot",
			fmt.Errorf("neither slot is currently active"))
	}

	activeIdx, inactiveIdx := idx(target), idx(other(target))

	pairs := e.pairedNames()

	apply := func(d *gpt.Disk, pair [2]string) error {
		activeName, inactiveName := pair[activeIdx], pair[inactiveIdx]

		if err := d.SetAttr(activeName, gpt.SlotActive, true); err != nil {
			return err
		}

		if err := d.SetAttr(inactiveName, gpt.SlotActive, false); err != nil {
			return err
		}

		return d.SwapGUIDs(activeName, inactiveName)
	}

	if err := e.commitPairsAllDisks(ctx, pairs, apply); err != nil {
		return err
	}

	return e.switchBootLUN(target)
}

// MarkBootSuccessful sets the BOOT_SUCCESSFUL bit for target across
// every A/B pair present on this device. A partition currently marked
// unbootable has that bit cleared first (logged as a repair), even if
// it is already marked successful: SetSlotAsUnbootable can flip the
// unbootable bit back on without touching the successful bit, and a
// later MarkBootSuccessful call must still repair it.
func (e *Engine) MarkBootSuccessful(ctx context.Context, target Slot) error {
	if err := validateSlot(target); err != nil {
		return err
	}

	if err := e.checkRequired(); err != nil {
		return err
	}

	names := e.slotNames(target)

	apply := func(d *gpt.Disk, name string) error {
		unbootable, err := d.GetAttr(name, gpt.Primary, gpt.Unbootable)
		if err != nil {
			return err
		}

		if unbootable {
			if err := d.SetAttr(name, gpt.Unbootable, false); err != nil {
				return err
			}

			e.log.Info("cleared unbootable bit before marking boot successful", zap.String("partition", name))
		}

		successful, err := d.GetAttr(name, gpt.Primary, gpt.BootSuccessful)
		if err != nil {
			return err
		}

		if successful {
			return nil
		}

		return d.SetAttr(name, gpt.BootSuccessful, true)
	}

	return e.commitAllDisks(ctx, names, apply)
}

// SetSlotAsUnbootable sets the UNBOOTABLE bit for target across every
// A/B pair present on this device.
func (e *Engine) SetSlotAsUnbootable(ctx context.Context, target Slot) error {
	if err := validateSlot(target); err != nil {
		return err
	}

	if err := e.checkRequired(); err != nil {
		return err
	}

	names := e.slotNames(target)

	apply := func(d *gpt.Disk, name string) error {
		return d.SetAttr(name, gpt.Unbootable, true)
	}

	return e.commitAllDisks(ctx, names, apply)
}

// slotNames returns, for every A/B base present as a pair on this
// device, the target-suffixed partition name.
func (e *Engine) slotNames(target Slot) []string {
	i := idx(target)

	pairs := e.pairedNames()
	names := make([]string, 0, len(pairs))

	for _, pair := range pairs {
		names = append(names, pair[i])
	}

	return names
}

// switchBootLUN asks the UFS boot-LUN transport to select the LUN
// matching target, unless the device has no xbl_a partition (no UFS
// bootloader slot on this platform) or xbl_a is eMMC-backed. A missing
// bsg device is swallowed when the engine was constructed with
// WithIgnoreMissingBSG(true).
func (e *Engine) switchBootLUN(target Slot) error {
	const xblA = "xbl_a"

	if !e.resolver.Exists(xblA) {
		return nil
	}

	emmc, err := e.resolver.IsBackedByEMMC(xblA)
	if err != nil {
		return err
	}

	if emmc {
		return nil
	}

	chain := ufsboot.NormalBoot
	if target == SlotB {
		chain = ufsboot.BackupBoot
	}

	err = e.ufs.SetBootLUN(chain)
	if err == nil {
		return nil
	}

	if e.ignoreMissingBSG && errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}
