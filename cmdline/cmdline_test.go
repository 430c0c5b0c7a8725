// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmdline_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/abslot/cmdline"
)

func TestGetSlotSuffixPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmdline")
	require.NoError(t, os.WriteFile(path, []byte("console=ttyS0 slot_suffix=_b quiet\n"), 0o644))

	suffix, ok := cmdline.GetSlotSuffix(path)
	assert.True(t, ok)
	assert.Equal(t, "_b", suffix)
}

func TestGetSlotSuffixMissingParam(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmdline")
	require.NoError(t, os.WriteFile(path, []byte("console=ttyS0 quiet\n"), 0o644))

	_, ok := cmdline.GetSlotSuffix(path)
	assert.False(t, ok)
}

func TestGetSlotSuffixMissingFile(t *testing.T) {
	_, ok := cmdline.GetSlotSuffix(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.False(t, ok)
}

func TestGetSlotSuffixFirstOfDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmdline")
	require.NoError(t, os.WriteFile(path, []byte("slot_suffix=_a slot_suffix=_b"), 0o644))

	suffix, ok := cmdline.GetSlotSuffix(path)
	assert.True(t, ok)
	assert.Equal(t, "_a", suffix)
}
