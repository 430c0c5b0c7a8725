// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gpt

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/google/uuid"
)

// EntrySize is the nominal size of a single GPT partition entry. The
// array as a whole may use a different per-entry stride (EntrySize in
// the header), but this engine only ever reads/writes the first 128
// bytes of each slot — the fields beyond that are vendor padding.
const EntrySize = 128

// Partition-entry field offsets, per the on-disk contract.
const (
	entryOffTypeGUID   = 0
	entryOffUniqueGUID = 16
	entryOffAttributes = 48
	entryOffName       = 56
	entryNameBytes     = 72 // 36 UTF-16LE code units

	// AttrByteOffset is the offset, within a partition entry, of the
	// byte holding the three flag bits this engine mutates plus the
	// active-priority nibble. 48 (attributes field) + 6 selects the
	// byte containing bits 48..55 of the little-endian attribute word.
	AttrByteOffset = entryOffAttributes + 6
)

// AttrKind identifies one of the three flag bits this engine mutates.
type AttrKind int

// The three bits this system uses, all within AttrByteOffset.
const (
	SlotActive AttrKind = iota
	BootSuccessful
	Unbootable
)

func (k AttrKind) mask() (byte, error) {
	switch k {
	case SlotActive:
		return 0x04, nil
	case BootSuccessful:
		return 0x40, nil
	case Unbootable:
		return 0x80, nil
	default:
		return 0, errInvalidArgumentf("unknown attribute kind %d", k)
	}
}

// activeNibbleMask covers the low nibble of AttrByteOffset, the
// active-priority counter the bootloader uses to order slots: 0xF when
// active, 0x0 when inactive.
const activeNibbleMask = 0x0F

// Entry is one 128-byte GPT partition entry, decoded in place against
// a shared backing array so mutations are visible to whichever array
// (primary or backup) last decoded it.
type Entry struct {
	buf []byte // entryOffName+entryNameBytes == 128 bytes, shared with the parent array
}

// IsEmpty reports whether the entry's type GUID is all-zero, i.e. this
// slot in the array holds no partition.
func (e Entry) IsEmpty() bool {
	for _, b := range e.buf[entryOffTypeGUID : entryOffTypeGUID+16] {
		if b != 0 {
			return false
		}
	}

	return true
}

// Name decodes the UTF-16LE partition name, stopping at the first NUL.
func (e Entry) Name() string {
	units := make([]uint16, 0, entryNameBytes/2)

	for i := 0; i < entryNameBytes; i += 2 {
		u := binary.LittleEndian.Uint16(e.buf[entryOffName+i:])
		if u == 0 {
			break
		}

		units = append(units, u)
	}

	return string(utf16.Decode(units))
}

// UniqueGUID returns the entry's Unique Partition GUID.
func (e Entry) UniqueGUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], e.buf[entryOffUniqueGUID:entryOffUniqueGUID+16])

	return u
}

// setUniqueGUID overwrites the entry's Unique Partition GUID bytes.
func (e Entry) setUniqueGUID(u uuid.UUID) {
	copy(e.buf[entryOffUniqueGUID:entryOffUniqueGUID+16], u[:])
}

// attrByte returns the byte at AttrByteOffset within this entry.
func (e Entry) attrByte() byte {
	return e.buf[AttrByteOffset]
}

func (e Entry) setAttrByte(b byte) {
	e.buf[AttrByteOffset] = b
}

// GetAttr reads one of the three flag bits.
func (e Entry) GetAttr(kind AttrKind) (bool, error) {
	mask, err := kind.mask()
	if err != nil {
		return false, err
	}

	return e.attrByte()&mask != 0, nil
}

// setAttr sets or clears one of the three flag bits, leaving the
// active-priority nibble untouched (that is SlotActive's job alone,
// via setActiveNibble).
func (e Entry) setAttr(kind AttrKind, value bool) error {
	mask, err := kind.mask()
	if err != nil {
		return err
	}

	b := e.attrByte()
	if value {
		b |= mask
	} else {
		b &^= mask
	}

	e.setAttrByte(b)

	return nil
}

// setActiveNibble sets the low nibble of AttrByteOffset to 0xF when
// active is true, or clears it to 0x0 when false — the active-priority
// counter the bootloader uses to disambiguate slot priority.
func (e Entry) setActiveNibble(active bool) {
	b := e.attrByte() &^ activeNibbleMask
	if active {
		b |= activeNibbleMask
	}

	e.setAttrByte(b)
}
