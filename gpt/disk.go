// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gpt

import (
	"go.uber.org/zap"

	"github.com/siderolabs/abslot/blockio"
)

// Which selects the primary or backup partition-entry array.
type Which int

const (
	Primary Which = iota
	Backup
)

// legacyAliasSuffix is the sentinel "<name>bak" alias FindEntry also
// matches, preserved from the source tool's name lookup.
const legacyAliasSuffix = "bak"

// Disk is the in-memory model of one physical disk's GPT: both
// headers, both partition-entry arrays, and the plumbing needed to
// recompute CRCs and write everything back out. A Disk is created by
// Load, mutated within a single operation, then Commit-ted and
// discarded — there is no longer-lived state.
type Disk struct {
	dev *blockio.Device
	log *zap.Logger

	blockSize uint32

	primaryHeader *Header
	backupHeader  *Header

	primaryEntries []byte
	backupEntries  []byte

	primaryEntriesOffset int64
	backupEntriesOffset  int64

	primaryHeaderOffset int64
	backupHeaderOffset  int64

	entrySize  uint32
	entryCount uint32
}

// Option configures Load.
type Option func(*Disk)

// WithLogger attaches a logger to the Disk. Defaults to a no-op
// logger. The Disk's own operations emit no log events; the policy
// layer's "cleared unbootable bit" repair note is logged by the slot
// engine's logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Disk) { d.log = log }
}

// Load reads the primary header from LBA 1, the backup header from the
// last LBA, and both partition-entry arrays from the locations each
// header specifies, validating signatures, cross-header consistency,
// and both CRC32s. Any of those failing is reported as GptInvalid;
// failures reading the device itself are reported as IoError. Load
// does not fall back to the backup table: an invalid primary header
// or primary entry array fails the load even when the backup is
// intact. The
// device is opened for read-write, since a Disk loaded this way is
// expected to be mutated and Commit-ted within the same cycle.
func Load(path string, opts ...Option) (*Disk, error) {
	return load(path, true, opts)
}

// LoadReadOnly is Load for callers that only need to query attributes
// (e.g. SlotInfo) and want the device opened least-privilege. Commit
// on a Disk loaded this way fails with IoError.
func LoadReadOnly(path string, opts ...Option) (*Disk, error) {
	return load(path, false, opts)
}

func load(path string, rw bool, opts []Option) (*Disk, error) {
	dev, err := blockio.Open(path, rw)
	if err != nil {
		return nil, errIof("load %s: %v", path, err)
	}

	d := &Disk{dev: dev, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.load(); err != nil {
		dev.Close()

		return nil, err
	}

	return d, nil
}

func (d *Disk) load() error {
	bs, err := d.dev.BlockSize()
	if err != nil {
		return errIof("block size %s: %v", d.dev.Path(), err)
	}

	d.blockSize = bs

	size, err := d.dev.Size()
	if err != nil {
		return errIof("size %s: %v", d.dev.Path(), err)
	}

	lastLBA := size/uint64(bs) - 1
	d.primaryHeaderOffset = int64(bs)
	d.backupHeaderOffset = int64(lastLBA * uint64(bs))

	primaryBlock := make([]byte, bs)
	if err := d.dev.ReadAt(primaryBlock, int64(bs)); err != nil {
		return errIof("read primary header %s: %v", d.dev.Path(), err)
	}

	primary, err := decodeHeader(primaryBlock)
	if err != nil {
		return err
	}

	if err := primary.verifyCRC(); err != nil {
		return errGptInvalidf("primary header %s: %v", d.dev.Path(), err)
	}

	backupBlock := make([]byte, bs)
	if err := d.dev.ReadAt(backupBlock, d.backupHeaderOffset); err != nil {
		return errIof("read backup header %s: %v", d.dev.Path(), err)
	}

	backup, err := decodeHeader(backupBlock)
	if err != nil {
		return err
	}

	if err := backup.verifyCRC(); err != nil {
		return errGptInvalidf("backup header %s: %v", d.dev.Path(), err)
	}

	if primary.EntrySize != backup.EntrySize || primary.EntryCount != backup.EntryCount {
		return errGptInvalidf("primary/backup header mismatch on %s: entry size %d/%d, count %d/%d",
			d.dev.Path(), primary.EntrySize, backup.EntrySize, primary.EntryCount, backup.EntryCount)
	}

	tableBytes := int(primary.EntrySize) * int(primary.EntryCount)

	primaryEntriesOffset := int64(primary.EntriesLBA) * int64(bs)
	primaryEntries := make([]byte, tableBytes)
	if err := d.dev.ReadAt(primaryEntries, primaryEntriesOffset); err != nil {
		return errIof("read primary entries %s: %v", d.dev.Path(), err)
	}

	if crc32IEEE(primaryEntries) != primary.EntriesCRC32 {
		return errGptInvalidf("primary entries CRC32 mismatch on %s", d.dev.Path())
	}

	backupEntriesOffset := int64(backup.EntriesLBA) * int64(bs)
	backupEntries := make([]byte, tableBytes)
	if err := d.dev.ReadAt(backupEntries, backupEntriesOffset); err != nil {
		return errIof("read backup entries %s: %v", d.dev.Path(), err)
	}

	if crc32IEEE(backupEntries) != backup.EntriesCRC32 {
		return errGptInvalidf("backup entries CRC32 mismatch on %s", d.dev.Path())
	}

	d.primaryHeader, d.backupHeader = primary, backup
	d.primaryEntries, d.backupEntries = primaryEntries, backupEntries
	d.primaryEntriesOffset, d.backupEntriesOffset = primaryEntriesOffset, backupEntriesOffset
	d.entrySize, d.entryCount = primary.EntrySize, primary.EntryCount

	return nil
}

// Path returns the resolved device path this Disk was loaded from.
func (d *Disk) Path() string {
	return d.dev.Path()
}

// Close releases the underlying device handle without committing.
func (d *Disk) Close() error {
	return d.dev.Close()
}

func (d *Disk) arrayFor(which Which) []byte {
	if which == Primary {
		return d.primaryEntries
	}

	return d.backupEntries
}

// entryAt returns the Entry view at index i within the given array.
func (d *Disk) entryAt(which Which, i int) Entry {
	arr := d.arrayFor(which)
	off := i * int(d.entrySize)

	return Entry{buf: arr[off : off+EntrySize]}
}

// Partitions returns a read-only enumeration of every non-empty entry
// in the given array.
func (d *Disk) Partitions(which Which) []Entry {
	entries := make([]Entry, 0, d.entryCount)

	for i := 0; i < int(d.entryCount); i++ {
		e := d.entryAt(which, i)
		if !e.IsEmpty() {
			entries = append(entries, e)
		}
	}

	return entries
}

// matchesName reports whether entry's decoded name equals name, or the
// legacy "<name>bak" alias.
func matchesName(entryName, name string) bool {
	return entryName == name || entryName == name+legacyAliasSuffix
}

// FindEntry locates an entry by UTF-16LE name in the specified array.
// Returns (Entry{}, false) if not found; callers that require the
// partition to exist should treat a false return as GptInvalid (a
// by-partlabel precheck should already have ruled this out) or Missing
// (for the two partitions the policy layer treats as required).
func (d *Disk) FindEntry(name string, which Which) (Entry, bool) {
	for i := 0; i < int(d.entryCount); i++ {
		e := d.entryAt(which, i)
		if e.IsEmpty() {
			continue
		}

		if matchesName(e.Name(), name) {
			return e, true
		}
	}

	return Entry{}, false
}

// GetAttr reads one of the three attribute bits off the named entry in
// the given array.
func (d *Disk) GetAttr(name string, which Which, kind AttrKind) (bool, error) {
	e, ok := d.FindEntry(name, which)
	if !ok {
		return false, errGptInvalidf("find entry %q (%s): not found", name, d.dev.Path())
	}

	return e.GetAttr(kind)
}

// SetAttr writes the bit on both the Primary and Backup entries named
// name, keeping the two arrays byte-identical for that entry. For
// kind == SlotActive, the low nibble at the attribute byte is also set
// to 0xF when value is true and cleared to 0x0 when false.
func (d *Disk) SetAttr(name string, kind AttrKind, value bool) error {
	primary, ok := d.FindEntry(name, Primary)
	if !ok {
		return errGptInvalidf("find entry %q in primary (%s): not found", name, d.dev.Path())
	}

	backup, ok := d.FindEntry(name, Backup)
	if !ok {
		return errGptInvalidf("find entry %q in backup (%s): not found", name, d.dev.Path())
	}

	if err := primary.setAttr(kind, value); err != nil {
		return err
	}

	if err := backup.setAttr(kind, value); err != nil {
		return err
	}

	if kind == SlotActive {
		primary.setActiveNibble(value)
		backup.setActiveNibble(value)
	}

	return nil
}

// SwapGUIDs copies the Unique GUID of the entry named activeName onto
// the entry named inactiveName, in both the Primary and Backup arrays.
// This is the mechanism the Qualcomm bootloader uses to disambiguate
// slot priority in addition to the SLOT_ACTIVE bit.
func (d *Disk) SwapGUIDs(activeName, inactiveName string) error {
	activePrimary, ok := d.FindEntry(activeName, Primary)
	if !ok {
		return errGptInvalidf("find entry %q in primary (%s): not found", activeName, d.dev.Path())
	}

	inactivePrimary, ok := d.FindEntry(inactiveName, Primary)
	if !ok {
		return errGptInvalidf("find entry %q in primary (%s): not found", inactiveName, d.dev.Path())
	}

	activeBackup, ok := d.FindEntry(activeName, Backup)
	if !ok {
		return errGptInvalidf("find entry %q in backup (%s): not found", activeName, d.dev.Path())
	}

	inactiveBackup, ok := d.FindEntry(inactiveName, Backup)
	if !ok {
		return errGptInvalidf("find entry %q in backup (%s): not found", inactiveName, d.dev.Path())
	}

	guid := activePrimary.UniqueGUID()
	inactivePrimary.setUniqueGUID(guid)

	guid = activeBackup.UniqueGUID()
	inactiveBackup.setUniqueGUID(guid)

	return nil
}

// Commit recomputes both entry-array CRC32s, zeros and recomputes both
// header CRC32s, then writes backup entries, backup header (fsync),
// primary entries, primary header (fsync), in that order. A crash
// between the two fsyncs leaves a fully written backup table on disk;
// Load does not recover from it (it fails on the torn primary).
func (d *Disk) Commit() error {
	d.backupHeader.EntriesCRC32 = crc32IEEE(d.backupEntries)
	d.primaryHeader.EntriesCRC32 = crc32IEEE(d.primaryEntries)

	backupHeaderBytes := d.backupHeader.encode()
	primaryHeaderBytes := d.primaryHeader.encode()

	if err := d.dev.WriteAt(d.backupEntries, d.backupEntriesOffset); err != nil {
		return errIof("write backup entries %s: %v", d.dev.Path(), err)
	}

	if err := d.dev.WriteAt(backupHeaderBytes, d.backupHeaderOffset); err != nil {
		return errIof("write backup header %s: %v", d.dev.Path(), err)
	}

	if err := d.dev.Fsync(); err != nil {
		return errIof("fsync after backup %s: %v", d.dev.Path(), err)
	}

	if err := d.dev.WriteAt(d.primaryEntries, d.primaryEntriesOffset); err != nil {
		return errIof("write primary entries %s: %v", d.dev.Path(), err)
	}

	if err := d.dev.WriteAt(primaryHeaderBytes, d.primaryHeaderOffset); err != nil {
		return errIof("write primary header %s: %v", d.dev.Path(), err)
	}

	if err := d.dev.Fsync(); err != nil {
		return errIof("fsync after primary %s: %v", d.dev.Path(), err)
	}

	return nil
}

