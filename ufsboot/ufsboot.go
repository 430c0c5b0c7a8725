// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ufsboot implements the UFS boot-LUN switch: on UFS-backed
// devices the bootloader partition additionally needs the
// "bBootLuEn" SCSI-generic attribute written out-of-band, since UFS
// exposes multiple logical units and has no GPT-level notion of which
// one is bootable. The core treats the UPIU wire encoding as a black
// box; only the lun-id-for-a-given-slot convention (§9 of the spec)
// is part of the contract other packages rely on.
package ufsboot

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/siderolabs/abslot/errkind"
)

// BSGDevice is the SCSI-generic node the UFS host controller exposes
// for out-of-band UPIU attribute writes.
const BSGDevice = "/dev/bsg/ufs-bsg0"

// bBootLuEnIDN is the UPIU attribute descriptor IDN for "which LUN
// boots", per the UFS spec.
const bBootLuEnIDN = 2

// BootChain is the abstract label for which side the bootloader should
// boot from at the LUN level.
type BootChain int

const (
	NormalBoot BootChain = iota // slot A LUN
	BackupBoot                  // slot B LUN
)

// lun returns the UFS boot-LUN id for chain: 1 for slot A, 2 for slot
// B, fixed by the Qualcomm bootloader's ordinal convention.
func (c BootChain) lun() (byte, error) {
	switch c {
	case NormalBoot:
		return 1, nil
	case BackupBoot:
		return 2, nil
	default:
		return 0, errkind.New(errkind.InvalidArgument, "ufsboot", fmt.Errorf("unknown boot chain %d", c))
	}
}

// Switch sets which UFS logical unit the bootloader boots from.
type Switch interface {
	SetBootLUN(chain BootChain) error
}

// SGSwitch is the real implementation: it opens the UFS bsg node and
// issues a UPIU query-write-attribute request for bBootLuEn.
type SGSwitch struct {
	Device string
}

// NewSGSwitch returns a SGSwitch bound to the default bsg node.
func NewSGSwitch() *SGSwitch {
	return &SGSwitch{Device: BSGDevice}
}

// SetBootLUN opens the bsg device, writes the bBootLuEn attribute via
// SG_IO, and closes it. A missing device is reported as
// errkind.IoError; callers that want to ignore a missing bsg node
// (e.g. on eMMC-only builds that still call through this path) check
// errors.Is(err, fs.ErrNotExist) on the returned error.
func (s *SGSwitch) SetBootLUN(chain BootChain) error {
	lun, err := chain.lun()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.Device, os.O_RDWR, 0)
	if err != nil {
		return errkind.New(errkind.IoError, "ufsboot", fmt.Errorf("open %s: %w", s.Device, err))
	}
	defer f.Close()

	if err := sgioWriteBootLUN(int(f.Fd()), lun); err != nil {
		return errkind.New(errkind.IoError, "ufsboot", fmt.Errorf("write bBootLuEn on %s: %w", s.Device, err))
	}

	return nil
}

// sgIOIoctl and sgIOHdr mirror the kernel's SG_IO ioctl number and
// sg_io_hdr_t layout from <scsi/sg.h>. golang.org/x/sys/unix doesn't
// carry SCSI-generic definitions, so the request is built by hand and
// issued via the raw ioctl syscall, the same approach go-blockdevice
// and other low-level device tooling in the pack use for ioctls x/sys
// doesn't wrap.
const sgIOIoctl = 0x2285

const (
	sgDxferNone   = -1
	sgInterfaceID = 'S'
)

type sgIOHdr struct {
	InterfaceID    int32
	DxferDirection int32
	CmdLen         uint8
	MxSbLen        uint8
	IOvecCount     uint16
	DxferLen       uint32
	Dxferp         uintptr
	Cmdp           *byte
	Sbp            *byte
	Timeout        uint32
	Flags          uint32
	PackID         int32
	UsrPtr         uintptr
	Status         uint8
	MaskedStatus   uint8
	MsgStatus      uint8
	SbLenWr        uint8
	HostStatus     uint16
	DriverStatus   uint16
	Resid          int32
	Duration       uint32
	Info           uint32
}

// sgioWriteBootLUN issues the UPIU query-write-attribute SG_IO request
// for the bBootLuEn attribute (IDN bBootLuEnIDN), writing value.
//
// The UPIU command descriptor block layout is fixed by the UFS/SCSI
// UPIU spec and is opaque to the rest of this package's callers; only
// the fact that it writes one byte matters to them.
func sgioWriteBootLUN(fd int, value byte) error {
	const (
		sgIOTimeoutMillis = 3000
		upiuQueryWrite    = 0x81
	)

	cdb := make([]byte, 16)
	cdb[0] = upiuQueryWrite
	cdb[3] = bBootLuEnIDN
	cdb[13] = value

	hdr := sgIOHdr{
		InterfaceID:    sgInterfaceID,
		DxferDirection: sgDxferNone,
		CmdLen:         uint8(len(cdb)),
		Cmdp:           &cdb[0],
		Timeout:        sgIOTimeoutMillis,
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(sgIOIoctl), uintptr(unsafe.Pointer(&hdr)))
	if errno != 0 {
		return errno
	}

	return nil
}

// NopSwitch is used on eMMC-backed devices, where there is no UFS LUN
// to switch, and in tests.
type NopSwitch struct{}

func (NopSwitch) SetBootLUN(BootChain) error { return nil }
