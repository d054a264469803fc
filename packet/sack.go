// Copyright 2017 DigitalOcean.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package packet

import "encoding/binary"

// SACKBlockOffsets scans a TCP option area and returns the byte offsets
// (within opts) of each 32-bit left/right edge of every Selective-ACK
// block found in a kind-5 option. Offsets are returned in pairs
// (left, right); rewriting code can use binary.BigEndian.PutUint32 at
// each offset to translate the edge in place (spec.md §4.2's SACK
// rewriting rule).
func SACKBlockOffsets(opts []byte) []int {
	var offsets []int

	i := 0
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case 0: // end of option list
			return offsets
		case 1: // no-op
			i++
			continue
		}

		if i+1 >= len(opts) {
			return offsets
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			return offsets
		}

		if kind == SACKOptionKind {
			// Each edge pair is 8 bytes (left uint32, right uint32),
			// following the 2-byte kind+length prefix.
			for off := i + 2; off+8 <= i+length; off += 8 {
				offsets = append(offsets, off, off+4)
			}
		}

		i += length
	}

	return offsets
}

// ReadUint32 reads a big-endian uint32 at offset off within b.
func ReadUint32(b []byte, off int) uint32 {
	return binary.BigEndian.Uint32(b[off : off+4])
}

// WriteUint32 writes a big-endian uint32 at offset off within b.
func WriteUint32(b []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(b[off:off+4], v)
}
