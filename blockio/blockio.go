// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package blockio provides absolute-offset, full-length I/O against a
// block device (or a regular file acting as one), plus the handful of
// ioctl-backed queries the GPT engine needs: logical block size and
// device size.
package blockio

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctlGetUint64 performs an ioctl operation which gets a uint64 value
// from fd, using the specified request number. golang.org/x/sys/unix
// does not expose a generic pointer-based ioctl helper, so the getter
// is implemented here directly against the raw syscall, matching the
// pattern unix.IoctlGetInt uses internally.
func ioctlGetUint64(fd int, req uint) (uint64, error) {
	var value uint64

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&value)))
	if errno != 0 {
		return 0, errno
	}

	return value, nil
}

// Device is an opaque handle bound to a path, acquired for the duration
// of a single load/commit cycle and released deterministically.
type Device struct {
	path string
	f    *os.File
}

// Open opens path for reading, or for reading and writing when rw is
// true. Fails with an error wrapping the *os.PathError on a missing
// path or permission denial, which callers wrap as ErrIoError.
func Open(path string, rw bool) (*Device, error) {
	flag := os.O_RDONLY
	if rw {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("blockio: open %s: %w", path, err)
	}

	return &Device{path: path, f: f}, nil
}

// Path returns the path the device was opened with.
func (d *Device) Path() string {
	return d.path
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return d.f.Close()
}

// BlockSize returns the logical block size in bytes via the BLKSSZGET
// ioctl. When the underlying path is not a block device (e.g. a
// fabricated disk image used in tests), the ioctl fails and a default
// of 512 bytes is returned instead, matching the most common real-world
// logical block size.
func (d *Device) BlockSize() (uint32, error) {
	sz, err := unix.IoctlGetInt(int(d.f.Fd()), unix.BLKSSZGET)
	if err != nil {
		if isNotBlockDevice(err) {
			return 512, nil
		}

		return 0, fmt.Errorf("blockio: BLKSSZGET %s: %w", d.path, err)
	}

	return uint32(sz), nil
}

// Size returns the byte length of the device via the BLKGETSIZE64
// ioctl, falling back to os.Stat when the path is a regular file.
func (d *Device) Size() (uint64, error) {
	sz, err := ioctlGetUint64(int(d.f.Fd()), unix.BLKGETSIZE64)
	if err == nil {
		return sz, nil
	}

	if !isNotBlockDevice(err) {
		return 0, fmt.Errorf("blockio: BLKGETSIZE64 %s: %w", d.path, err)
	}

	fi, statErr := d.f.Stat()
	if statErr != nil {
		return 0, fmt.Errorf("blockio: stat %s: %w", d.path, statErr)
	}

	return uint64(fi.Size()), nil
}

// ReadAt performs an absolute-offset, full-length read. A short read is
// an error.
func (d *Device) ReadAt(p []byte, off int64) error {
	n, err := d.f.ReadAt(p, off)
	if err != nil {
		return fmt.Errorf("blockio: read %s at %d: %w", d.path, off, err)
	}

	if n != len(p) {
		return fmt.Errorf("blockio: short read %s at %d: got %d want %d", d.path, off, n, len(p))
	}

	return nil
}

// WriteAt performs an absolute-offset, full-length write. A short
// write is an error. WriteAt does not fsync; callers that need the
// write durable call Fsync explicitly.
func (d *Device) WriteAt(p []byte, off int64) error {
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return fmt.Errorf("blockio: write %s at %d: %w", d.path, off, err)
	}

	if n != len(p) {
		return fmt.Errorf("blockio: short write %s at %d: wrote %d want %d", d.path, off, n, len(p))
	}

	return nil
}

// Fsync flushes the device's in-kernel buffers to stable storage.
func (d *Device) Fsync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("blockio: fsync %s: %w", d.path, err)
	}

	return nil
}

// isNotBlockDevice reports whether err is the kind of ioctl failure
// expected when issuing a block-device ioctl against a regular file
// (ENOTTY) rather than a real device error.
func isNotBlockDevice(err error) bool {
	return err == unix.ENOTTY
}
