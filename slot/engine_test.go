// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package slot_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/siderolabs/abslot/errkind"
	"github.com/siderolabs/abslot/gpt"
	"github.com/siderolabs/abslot/internal/gpttest"
	"github.com/siderolabs/abslot/partlabel"
	"github.com/siderolabs/abslot/slot"
	"github.com/siderolabs/abslot/ufsboot"
)

// fakeUFS records every SetBootLUN call, so tests can assert the
// engine switched (or didn't switch) the boot LUN without a real bsg
// device.
type fakeUFS struct {
	calls []ufsboot.BootChain
	err   error
}

func (f *fakeUFS) SetBootLUN(chain ufsboot.BootChain) error {
	f.calls = append(f.calls, chain)

	return f.err
}

type engineSuite struct {
	suite.Suite

	root        string
	cmdlinePath string
	diskA       string
	diskB       string
	ufs         *fakeUFS
	engine      *slot.Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(engineSuite))
}

func (s *engineSuite) linkPartition(name, diskPath string) {
	dir := filepath.Join(s.root, partlabel.ByPartlabelDir)
	require.NoError(s.T(), os.Symlink(diskPath, filepath.Join(dir, name)))
}

// setup builds a fresh two-disk fixture: diskA carries boot_a/boot_b
// and dtbo_a/dtbo_b (the required pair, co-located as real hardware
// would have them); diskB carries system_a/system_b, exercising the
// multi-disk fanout path.
func (s *engineSuite) SetupTest() {
	s.root = s.T().TempDir()
	dir := filepath.Join(s.root, partlabel.ByPartlabelDir)
	s.Require().NoError(os.MkdirAll(dir, 0o755))

	s.diskA = filepath.Join(s.root, "disks", "diskA")
	s.diskB = filepath.Join(s.root, "disks", "diskB")
	s.Require().NoError(os.MkdirAll(filepath.Dir(s.diskA), 0o755))

	_, err := gpttest.Build(s.diskA, []gpttest.Partition{
		{Name: "boot_a", AttrByte: 0x0F},
		{Name: "boot_b", AttrByte: 0x00},
		{Name: "dtbo_a", AttrByte: 0x0F},
		{Name: "dtbo_b", AttrByte: 0x00},
	})
	s.Require().NoError(err)

	_, err = gpttest.Build(s.diskB, []gpttest.Partition{
		{Name: "system_a", AttrByte: 0x0F},
		{Name: "system_b", AttrByte: 0x00},
	})
	s.Require().NoError(err)

	s.linkPartition("boot_a", s.diskA)
	s.linkPartition("boot_b", s.diskA)
	s.linkPartition("dtbo_a", s.diskA)
	s.linkPartition("dtbo_b", s.diskA)
	s.linkPartition("system_a", s.diskB)
	s.linkPartition("system_b", s.diskB)

	// xbl_a resolves to diskA, a non-eMMC node, so SetActiveBootSlot
	// exercises the UFS boot-LUN switch by default in this suite.
	s.linkPartition("xbl_a", s.diskA)

	s.cmdlinePath = filepath.Join(s.root, "cmdline")
	s.Require().NoError(os.WriteFile(s.cmdlinePath, []byte("console=ttyS0 slot_suffix=_a quiet\n"), 0o644))

	s.ufs = &fakeUFS{}

	resolver := &partlabel.Resolver{Root: s.root}
	s.engine = slot.NewEngine(resolver, s.ufs,
		slot.WithCmdlinePath(s.cmdlinePath),
		slot.WithIgnoreMissingBSG(true),
	)
}

// TestColdInit covers spec scenario 1: boot_a active, boot_b inactive,
// cmdline says slot_suffix=_a.
func (s *engineSuite) TestColdInit() {
	cur, err := s.engine.GetCurrentSlot()
	s.Require().NoError(err)
	s.Equal(slot.SlotA, cur)

	bootable, err := s.engine.IsSlotBootable(slot.SlotA)
	s.Require().NoError(err)
	s.True(bootable)

	successful, err := s.engine.IsSlotMarkedSuccessful(slot.SlotA)
	s.Require().NoError(err)
	s.False(successful)
}

// TestMarkSuccessful covers spec scenario 2.
func (s *engineSuite) TestMarkSuccessful() {
	s.Require().NoError(s.engine.MarkBootSuccessful(context.Background(), slot.SlotA))

	s.assertAttrByte(s.diskA, "boot_a", 0x4F)
}

// TestFlipToB covers spec scenario 3: after marking A successful,
// flipping active to B preserves A's successful bit and clears its
// active nibble, while B gets the active nibble/bit.
func (s *engineSuite) TestFlipToB() {
	s.Require().NoError(s.engine.MarkBootSuccessful(context.Background(), slot.SlotA))
	s.Require().NoError(s.engine.SetActiveBootSlot(context.Background(), slot.SlotB))

	s.assertAttrByte(s.diskA, "boot_a", 0x40)
	s.assertAttrByte(s.diskA, "boot_b", 0x0F)

	cur, err := s.engine.GetActiveBootSlot()
	s.Require().NoError(err)
	s.Equal(slot.SlotB, cur)

	s.Require().Len(s.ufs.calls, 1, "flipping to B must switch the UFS boot LUN exactly once")
	s.Equal(ufsboot.BackupBoot, s.ufs.calls[0])
}

// TestUFSSwitchSkippedWithoutXblA verifies the boot-LUN switch is
// skipped entirely on a platform with no xbl_a partition at all (the
// same outcome as an eMMC-backed xbl_a, which partlabel.IsBackedByEMMC
// governs).
func (s *engineSuite) TestUFSSwitchSkippedWithoutXblA() {
	s.Require().NoError(os.Remove(filepath.Join(s.root, partlabel.ByPartlabelDir, "xbl_a")))

	s.Require().NoError(s.engine.SetActiveBootSlot(context.Background(), slot.SlotB))
	s.Empty(s.ufs.calls, "no xbl_a partition means no UFS boot LUN to switch")
}

// TestUFSMissingBSGIgnored verifies a UFS transport error is swallowed
// when the engine was constructed with WithIgnoreMissingBSG(true) and
// the error wraps fs.ErrNotExist.
func (s *engineSuite) TestUFSMissingBSGIgnored() {
	s.ufs.err = errkind.New(errkind.IoError, "ufsboot", fmt.Errorf("open %s: %w", ufsboot.BSGDevice, os.ErrNotExist))

	err := s.engine.SetActiveBootSlot(context.Background(), slot.SlotB)
	s.Require().NoError(err, "a missing bsg device must be swallowed when WithIgnoreMissingBSG(true)")
}

// TestUFSMissingBSGPropagated verifies the same error surfaces when
// the engine was not constructed with WithIgnoreMissingBSG.
func (s *engineSuite) TestUFSMissingBSGPropagated() {
	resolver := &partlabel.Resolver{Root: s.root}
	strictEngine := slot.NewEngine(resolver, s.ufs, slot.WithCmdlinePath(s.cmdlinePath))

	s.ufs.err = errkind.New(errkind.IoError, "ufsboot", fmt.Errorf("open %s: %w", ufsboot.BSGDevice, os.ErrNotExist))

	err := strictEngine.SetActiveBootSlot(context.Background(), slot.SlotB)
	s.Require().Error(err)

	var kindErr *errkind.Error
	require.ErrorAs(s.T(), err, &kindErr)
	s.Equal(errkind.IoError, kindErr.Kind)
}

// TestUnbootableThenRepair covers spec scenario 4, chained from
// scenarios 2 and 3: B must already be active (nibble F) before its
// unbootable bit is set.
func (s *engineSuite) TestUnbootableThenRepair() {
	ctx := context.Background()

	s.Require().NoError(s.engine.MarkBootSuccessful(ctx, slot.SlotA))
	s.Require().NoError(s.engine.SetActiveBootSlot(ctx, slot.SlotB))

	s.Require().NoError(s.engine.SetSlotAsUnbootable(ctx, slot.SlotB))
	s.assertAttrByte(s.diskA, "boot_b", 0x8F)

	s.Require().NoError(s.engine.MarkBootSuccessful(ctx, slot.SlotB))
	s.assertAttrByte(s.diskA, "boot_b", 0x4F)
}

// TestRepairAfterAlreadySuccessful verifies MarkBootSuccessful still
// clears a stale unbootable bit even when the slot was already marked
// successful on an earlier cycle, matching
// original_source/bootctrl_impl.c's mark_boot_successful, which checks
// and clears ATTR_UNBOOTABLE before ever consulting
// ATTR_BOOT_SUCCESSFUL.
func (s *engineSuite) TestRepairAfterAlreadySuccessful() {
	ctx := context.Background()

	s.Require().NoError(s.engine.MarkBootSuccessful(ctx, slot.SlotA))
	s.assertAttrByte(s.diskA, "boot_a", 0x4F)

	s.Require().NoError(s.engine.SetSlotAsUnbootable(ctx, slot.SlotA))
	s.assertAttrByte(s.diskA, "boot_a", 0xCF)

	s.Require().NoError(s.engine.MarkBootSuccessful(ctx, slot.SlotA))
	s.assertAttrByte(s.diskA, "boot_a", 0x4F)
}

// TestMultiDiskFanout covers spec scenario 5: boot_a/boot_b live on
// diskA, system_a/system_b on diskB; flipping the active slot commits
// both disks.
func (s *engineSuite) TestMultiDiskFanout() {
	s.Require().NoError(s.engine.SetActiveBootSlot(context.Background(), slot.SlotB))

	s.assertAttrByte(s.diskA, "boot_b", 0x0F)
	s.assertAttrByte(s.diskB, "system_b", 0x0F)
	s.assertAttrByte(s.diskB, "system_a", 0x00)

	// Both disks must still parse cleanly (CRCs valid on both tables).
	dA, err := gpt.LoadReadOnly(s.diskA)
	s.Require().NoError(err)
	dA.Close()

	dB, err := gpt.LoadReadOnly(s.diskB)
	s.Require().NoError(err)
	dB.Close()
}

// TestMissingRequiredPartition covers spec scenario 6.
func (s *engineSuite) TestMissingRequiredPartition() {
	s.Require().NoError(os.Remove(filepath.Join(s.root, partlabel.ByPartlabelDir, "dtbo_a")))

	before, err := os.ReadFile(s.diskA)
	s.Require().NoError(err)

	err = s.engine.SetActiveBootSlot(context.Background(), slot.SlotB)
	s.Require().Error(err)

	var kindErr *errkind.Error
	require.ErrorAs(s.T(), err, &kindErr)
	s.Equal(errkind.Missing, kindErr.Kind)

	after, err := os.ReadFile(s.diskA)
	s.Require().NoError(err)
	s.Equal(before, after, "no disk may be mutated when a required partition is missing")
}

// TestInvariantNeitherSlotActive covers the setActiveBootSlot
// precondition: if neither boot_a nor boot_b is active, the call fails
// with Invariant rather than silently picking one.
func (s *engineSuite) TestInvariantNeitherSlotActive() {
	s.Require().NoError(s.engine.SetSlotAsUnbootable(context.Background(), slot.SlotA)) // unrelated mutation, keep active bit alone

	d, err := gpt.Load(s.diskA)
	s.Require().NoError(err)
	s.Require().NoError(d.SetAttr("boot_a", gpt.SlotActive, false))
	s.Require().NoError(d.Commit())
	s.Require().NoError(d.Close())

	err = s.engine.SetActiveBootSlot(context.Background(), slot.SlotB)
	s.Require().Error(err)

	var kindErr *errkind.Error
	require.ErrorAs(s.T(), err, &kindErr)
	s.Equal(errkind.Invariant, kindErr.Kind)
}

// TestInvalidSlotArgument covers out-of-range slots failing with
// InvalidArgument on mutating calls and GetSuffix returning "" rather
// than erroring.
func (s *engineSuite) TestInvalidSlotArgument() {
	const outOfRange = slot.Slot(2)

	err := s.engine.SetActiveBootSlot(context.Background(), outOfRange)
	s.Require().Error(err)

	var kindErr *errkind.Error
	require.ErrorAs(s.T(), err, &kindErr)
	s.Equal(errkind.InvalidArgument, kindErr.Kind)

	s.Equal("", s.engine.GetSuffix(outOfRange))
}

// TestSlotCountExcludesAging verifies boot_aging never counts towards
// slot_count.
func (s *engineSuite) TestSlotCountExcludesAging() {
	s.linkPartition("boot_aging", s.diskA)

	n, err := s.engine.SlotCount()
	s.Require().NoError(err)
	s.Equal(2, n)
}

func (s *engineSuite) assertAttrByte(diskPath, name string, want byte) {
	s.T().Helper()

	d, err := gpt.LoadReadOnly(diskPath)
	s.Require().NoError(err)
	defer d.Close()

	e, ok := d.FindEntry(name, gpt.Primary)
	s.Require().True(ok)

	got, err := rawAttrByte(e)
	s.Require().NoError(err)
	s.Equalf(want, got, "%s attribute byte", name)

	eBackup, ok := d.FindEntry(name, gpt.Backup)
	s.Require().True(ok)

	gotBackup, err := rawAttrByte(eBackup)
	s.Require().NoError(err)
	s.Equalf(want, gotBackup, "%s backup attribute byte must match primary", name)
}

// rawAttrByte reconstructs the attribute byte from the three public
// bit reads, so the test doesn't need an unexported accessor into
// package gpt. The low nibble is not read from the entry: it is taken
// to be 0xF when SLOT_ACTIVE is set and 0x0 otherwise.
func rawAttrByte(e gpt.Entry) (byte, error) {
	active, err := e.GetAttr(gpt.SlotActive)
	if err != nil {
		return 0, err
	}

	successful, err := e.GetAttr(gpt.BootSuccessful)
	if err != nil {
		return 0, err
	}

	unbootable, err := e.GetAttr(gpt.Unbootable)
	if err != nil {
		return 0, err
	}

	var b byte
	if active {
		b |= 0x0F
	}

	if successful {
		b |= 0x40
	}

	if unbootable {
		b |= 0x80
	}

	return b, nil
}
