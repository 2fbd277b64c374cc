package fec

import (
	"fmt"
	"hash/crc32"
	"strconv"
)

// Checksum is an IEEE CRC-32 over a message.
type Checksum uint32

// String formats the checksum as 8 hex digits.
func (c Checksum) String() string {
	return fmt.Sprintf("%08x", uint32(c))
}

// MarshalText encodes the checksum as hex.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the hex form written by MarshalText.
func (c *Checksum) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return fmt.Errorf("checksum %q: %w", b, err)
	}
	*c = Checksum(v)
	return nil
}

// MessageChecksum computes the CRC-32 of msg.
func MessageChecksum(msg []byte) Checksum {
	return Checksum(crc32.ChecksumIEEE(msg))
}
