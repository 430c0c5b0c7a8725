// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gpt

import (
	"fmt"

	"github.com/siderolabs/abslot/errkind"
)

func errGptInvalidf(format string, args ...any) error {
	return errkind.New(errkind.GptInvalid, "gpt", fmt.Errorf(format, args...))
}

func errInvalidArgumentf(format string, args ...any) error {
	return errkind.New(errkind.InvalidArgument, "gpt", fmt.Errorf(format, args...))
}

func errIof(format string, args ...any) error {
	return errkind.New(errkind.IoError, "gpt", fmt.Errorf(format, args...))
}
