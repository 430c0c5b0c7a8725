// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package abslot wires the GPT partition-attribute engine, the A/B
// policy layer, and the UFS boot-LUN switch into a single capability
// object: the boot-control interface an updater or CLI front-end
// invokes, in place of the source tool's flat function-pointer table.
package abslot

import (
	"context"

	"go.uber.org/zap"

	"github.com/siderolabs/abslot/partlabel"
	"github.com/siderolabs/abslot/slot"
	"github.com/siderolabs/abslot/ufsboot"
)

// Controller is the boot-control core: set the active slot, mark a
// slot successful or unbootable, and query slot state. It is the one
// type an external collaborator (CLI, updater, kernel-cmdline probe)
// needs to hold.
type Controller struct {
	engine *slot.Engine
}

// Option configures New.
type Option func(*controllerConfig)

type controllerConfig struct {
	logger           *zap.Logger
	ufs              ufsboot.Switch
	cmdlinePath      string
	ignoreMissingBSG bool
	root             string
}

// WithLogger attaches a *zap.Logger for informational events, e.g. the
// repair note MarkBootSuccessful logs when it clears a stale
// unbootable bit. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *controllerConfig) { c.logger = log }
}

// WithUFSSwitch overrides the UFS boot-LUN transport, e.g. with
// ufsboot.NopSwitch{} on a pure-eMMC platform or in tests. Defaults to
// ufsboot.NewSGSwitch().
func WithUFSSwitch(s ufsboot.Switch) Option {
	return func(c *controllerConfig) { c.ufs = s }
}

// WithCmdlinePath overrides the kernel-cmdline file GetCurrentSlot
// reads. Defaults to cmdline.DefaultPath.
func WithCmdlinePath(path string) Option {
	return func(c *controllerConfig) { c.cmdlinePath = path }
}

// WithIgnoreMissingBSG makes mutating operations swallow a missing UFS
// bsg device rather than surfacing it as an error.
func WithIgnoreMissingBSG(v bool) Option {
	return func(c *controllerConfig) { c.ignoreMissingBSG = v }
}

// WithPartlabelRoot overrides the filesystem root the partition
// resolver reads /dev/disk/by-partlabel under, for tests.
func WithPartlabelRoot(root string) Option {
	return func(c *controllerConfig) { c.root = root }
}

// New constructs a Controller against the running system's
// /dev/disk/by-partlabel directory and, unless overridden, a real UFS
// SG-IO boot-LUN transport.
func New(opts ...Option) *Controller {
	cfg := &controllerConfig{root: "/"}
	for _, opt := range opts {
		opt(cfg)
	}

	resolver := &partlabel.Resolver{Root: cfg.root}

	ufs := cfg.ufs
	if ufs == nil {
		ufs = ufsboot.NewSGSwitch()
	}

	engineOpts := []slot.Option{}
	if cfg.logger != nil {
		engineOpts = append(engineOpts, slot.WithLogger(cfg.logger))
	}

	if cfg.cmdlinePath != "" {
		engineOpts = append(engineOpts, slot.WithCmdlinePath(cfg.cmdlinePath))
	}

	if cfg.ignoreMissingBSG {
		engineOpts = append(engineOpts, slot.WithIgnoreMissingBSG(true))
	}

	return &Controller{engine: slot.NewEngine(resolver, ufs, engineOpts...)}
}

// SetActiveBootSlot marks slot active and its counterpart inactive
// across every A/B partition pair on the device, then switches the UFS
// boot LUN to match when applicable.
func (c *Controller) SetActiveBootSlot(ctx context.Context, s slot.Slot) error {
	return c.engine.SetActiveBootSlot(ctx, s)
}

// MarkBootSuccessful records slot as having booted successfully,
// repairing a stale unbootable mark first if present.
func (c *Controller) MarkBootSuccessful(ctx context.Context, s slot.Slot) error {
	return c.engine.MarkBootSuccessful(ctx, s)
}

// SetSlotAsUnbootable marks slot unbootable across every A/B partition
// pair on the device.
func (c *Controller) SetSlotAsUnbootable(ctx context.Context, s slot.Slot) error {
	return c.engine.SetSlotAsUnbootable(ctx, s)
}

// GetCurrentSlot returns the slot the running kernel booted from, per
// /proc/cmdline's slot_suffix parameter, falling back to
// GetActiveBootSlot.
func (c *Controller) GetCurrentSlot() (slot.Slot, error) {
	return c.engine.GetCurrentSlot()
}

// GetActiveBootSlot returns the slot whose boot partition currently has
// SLOT_ACTIVE set, defaulting to SlotA if neither does.
func (c *Controller) GetActiveBootSlot() (slot.Slot, error) {
	return c.engine.GetActiveBootSlot()
}

// GetSuffix returns the partition-name suffix for s ("_a" or "_b"), or
// "" if s is out of range.
func (c *Controller) GetSuffix(s slot.Slot) string {
	return c.engine.GetSuffix(s)
}

// IsSlotBootable reports whether s currently lacks the UNBOOTABLE bit.
func (c *Controller) IsSlotBootable(s slot.Slot) (bool, error) {
	return c.engine.IsSlotBootable(s)
}

// IsSlotMarkedSuccessful reports whether s currently has the
// BOOT_SUCCESSFUL bit set.
func (c *Controller) IsSlotMarkedSuccessful(s slot.Slot) (bool, error) {
	return c.engine.IsSlotMarkedSuccessful(s)
}

// GetSlotInfo reads the full {active, bootable, successful} triple for
// s off its boot partition.
func (c *Controller) GetSlotInfo(s slot.Slot) (slot.SlotInfo, error) {
	return c.engine.GetSlotInfo(s)
}

// SlotCount returns the number of boot_* partition labels present on
// the device, excluding the reserved boot_aging name.
func (c *Controller) SlotCount() (int, error) {
	return c.engine.SlotCount()
}
