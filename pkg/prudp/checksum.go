// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import "encoding/binary"

// ChecksumSeed derives the checksum seed from an access key: the byte sum of its characters.
func ChecksumSeed(accessKey string) (seed byte) {
	for i := 0; i < len(accessKey); i++ {
		seed += accessKey[i]
	}
	return
}

// Checksum calculates the trailing checksum byte over data.
//
// All complete little-endian 32-bit words are summed up. The checksum is the seed
// plus every remaining tail byte plus the four bytes of the word sum, modulo 256.
func Checksum(seed byte, data []byte) byte {
	var words uint32
	full := len(data) &^ 3
	for i := 0; i < full; i += 4 {
		words += binary.LittleEndian.Uint32(data[i:])
	}

	sum := seed
	for _, b := range data[full:] {
		sum += b
	}
	sum += byte(words) + byte(words>>8) + byte(words>>16) + byte(words>>24)
	return sum
}
