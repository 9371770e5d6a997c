package util

import (
	"encoding/binary"
	"hash/crc32"
)

// CRC32 (Castagnoli polynomial) guards durable records against torn writes
// and bit rot.

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32 checksum of data
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// WithChecksum returns data with a 4-byte little-endian checksum trailer
func WithChecksum(data []byte) []byte {
	out := make([]byte, len(data)+4)
	copy(out, data)
	binary.LittleEndian.PutUint32(out[len(data):], Checksum(data))
	return out
}

// VerifyChecksum validates the 4-byte trailer and returns the payload.
// The second return is false when the record is too short or the checksum
// does not match.
func VerifyChecksum(record []byte) ([]byte, bool) {
	if len(record) < 4 {
		return nil, false
	}
	payload := record[:len(record)-4]
	want := binary.LittleEndian.Uint32(record[len(record)-4:])
	if Checksum(payload) != want {
		return nil, false
	}
	return payload, true
}
