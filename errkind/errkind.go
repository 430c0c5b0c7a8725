// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package errkind defines the typed error taxonomy shared by every
// layer of the engine (blockio, gpt, partlabel, slot, ufsboot), so a
// caller can do errors.Is(err, errkind.Missing) regardless of which
// layer raised it.
package errkind

import "fmt"

// Kind classifies an error the way callers need to branch on it.
type Kind int

const (
	// IoError is any failure opening, reading, writing, or fsyncing a
	// block device or the kernel cmdline.
	IoError Kind = iota
	// GptInvalid is a bad signature, inconsistent headers, a CRC
	// mismatch on load, or a partition lookup failure that the
	// pair-exists precheck should have already ruled out.
	GptInvalid
	// InvalidArgument is an out-of-range slot, an unknown attribute
	// kind, or an empty partition name.
	InvalidArgument
	// Missing is a required partition (boot_<suffix> or dtbo_<suffix>)
	// absent from the device.
	Missing
	// Invariant is raised when selecting an active slot but neither
	// _a nor _b currently has SLOT_ACTIVE set.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "IoError"
	case GptInvalid:
		return "GptInvalid"
	case InvalidArgument:
		return "InvalidArgument"
	case Missing:
		return "Missing"
	case Invariant:
		return "Invariant"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation that
// produced it, e.g. "gpt: GptInvalid: primary entries CRC32 mismatch
// on /dev/sda".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support for the package-level sentinels
// below: two *Error values match if their Kind matches, independent of
// Op or the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Kind == t.Kind
}

// New constructs an *Error for op with the given kind and cause.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels for errors.Is(err, errkind.Missing) style checks. Only the
// Kind field is compared (see Error.Is), so the Op and Err fields here
// are never inspected.
var (
	ErrIoError         = &Error{Kind: IoError}
	ErrGptInvalid      = &Error{Kind: GptInvalid}
	ErrInvalidArgument = &Error{Kind: InvalidArgument}
	ErrMissing         = &Error{Kind: Missing}
	ErrInvariant       = &Error{Kind: Invariant}
)
