// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package gpttest builds minimal, valid GPT disk images in regular
// files, so the gpt, slot and root abslot packages can exercise their
// real on-disk parsing and commit paths without a loopback device or
// root privileges — the same "any path that opens" property
// blockio.Device relies on.
package gpttest

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"unicode/utf16"

	"github.com/google/uuid"
)

// BlockSize is the logical block size fixtures are built with.
const BlockSize = 512

const (
	entrySize     = 128
	entryCount    = 128
	headerSize    = 92
	entryArrayLen = entrySize * entryCount               // bytes
	entryBlocks   = entryArrayLen / BlockSize             // 32
	diskBlocks    = 2048                                  // 1 MiB image
	diskBytes     = diskBlocks * BlockSize
	primaryHdrLBA = 1
	primaryEntLBA = 2
)

// header field offsets, duplicated from package gpt deliberately: this
// fixture builder exercises the on-disk contract independently of the
// package under test.
const (
	offSignature    = 0
	offHeaderSize   = 12
	offHeaderCRC32  = 16
	offEntriesLBA   = 72
	offEntryCount   = 80
	offEntrySize    = 84
	offEntriesCRC32 = 88
)

const (
	entryOffTypeGUID   = 0
	entryOffUniqueGUID = 16
	entryOffAttrByte   = 54
	entryOffName       = 56
	entryNameBytes     = 72
)

// Partition describes one GPT partition entry to bake into a fixture
// image.
type Partition struct {
	Name     string
	AttrByte byte
	// UniqueGUID defaults to a fresh random GUID when the zero value.
	UniqueGUID uuid.UUID
}

// sharedTypeGUID is used for every fixture partition; the engine never
// inspects the type GUID, only the unique GUID and the attribute byte.
var sharedTypeGUID = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")

// Build writes a fixture GPT image to path containing parts, and
// returns the backup header's LBA (for tests that want to fabricate a
// crash between the backup and primary writes).
func Build(path string, parts []Partition) (backupHeaderLBA int64, err error) {
	img := make([]byte, diskBytes)

	entries := make([]byte, entryArrayLen)

	for i, p := range parts {
		off := i * entrySize
		encodeEntry(entries[off:off+entrySize], p)
	}

	totalBlocks := int64(diskBlocks)
	backupHdrLBA := totalBlocks - 1
	backupEntLBA := backupHdrLBA - int64(entryBlocks)

	primaryHeader := buildHeader(uint64(primaryEntLBA), entries)
	backupHeader := buildHeader(uint64(backupEntLBA), entries)

	copy(img[primaryHdrLBA*BlockSize:], primaryHeader)
	copy(img[primaryEntLBA*BlockSize:], entries)
	copy(img[backupEntLBA*BlockSize:], entries)
	copy(img[backupHdrLBA*BlockSize:], backupHeader)

	if err := os.WriteFile(path, img, 0o600); err != nil {
		return 0, err
	}

	return backupHdrLBA, nil
}

func buildHeader(entriesLBA uint64, entries []byte) []byte {
	h := make([]byte, headerSize)

	copy(h[offSignature:], "EFI PART")
	binary.LittleEndian.PutUint32(h[offHeaderSize:], headerSize)
	binary.LittleEndian.PutUint64(h[offEntriesLBA:], entriesLBA)
	binary.LittleEndian.PutUint32(h[offEntryCount:], entryCount)
	binary.LittleEndian.PutUint32(h[offEntrySize:], entrySize)
	binary.LittleEndian.PutUint32(h[offEntriesCRC32:], crc32.ChecksumIEEE(entries))

	// header CRC32 is computed with its own field zeroed, which it
	// already is at this point.
	binary.LittleEndian.PutUint32(h[offHeaderCRC32:], crc32.ChecksumIEEE(h))

	return h
}

func encodeEntry(buf []byte, p Partition) {
	copy(buf[entryOffTypeGUID:], sharedTypeGUID[:])

	unique := p.UniqueGUID
	if unique == uuid.Nil {
		unique = uuid.New()
	}

	copy(buf[entryOffUniqueGUID:], unique[:])

	buf[entryOffAttrByte] = p.AttrByte

	units := utf16.Encode([]rune(p.Name))
	for i, u := range units {
		if i*2 >= entryNameBytes {
			break
		}

		binary.LittleEndian.PutUint16(buf[entryOffName+i*2:], u)
	}
}
