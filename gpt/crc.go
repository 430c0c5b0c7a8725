// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gpt

import "hash/crc32"

// crc32IEEE computes the standard IEEE-polynomial CRC32 (the ZIP/PNG
// variant: initial value 0, final XOR 0xFFFFFFFF) used by both the GPT
// header CRC and the partition-entry-array CRC.
func crc32IEEE(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
