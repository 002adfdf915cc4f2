package wire

import (
	"encoding/binary"
	"fmt"
)

// cursor is a read-position tracker over a byte slice, matching the shape
// of rubin-protocol's consensus.cursor.
type cursor struct {
	b   []byte
	pos int
}

func newCursor(b []byte) *cursor {
	return &cursor{b: b, pos: 0}
}

func (c *cursor) remaining() int {
	if c.pos >= len(c.b) {
		return 0
	}
	return len(c.b) - c.pos
}

func (c *cursor) readExact(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, fmt.Errorf("%w: truncated (need %d, have %d)", ErrMalformed, n, c.remaining())
	}
	start := c.pos
	c.pos += n
	return c.b[start:c.pos], nil
}

func (c *cursor) readU8() (uint8, error) {
	b, err := c.readExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) readU32LE() (uint32, error) {
	b, err := c.readExact(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) readU64LE() (uint64, error) {
	b, err := c.readExact(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) readHash256() ([32]byte, error) {
	var h [32]byte
	b, err := c.readExact(32)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

func (c *cursor) readSig64() ([64]byte, error) {
	var s [64]byte
	b, err := c.readExact(64)
	if err != nil {
		return s, err
	}
	copy(s[:], b)
	return s, nil
}

// readCompactSize decodes a Bitcoin-style CompactSize varint, rejecting
// non-minimal encodings, matching rubin-protocol's compactsize.go.
func (c *cursor) readCompactSize() (uint64, error) {
	tag, err := c.readU8()
	if err != nil {
		return 0, err
	}
	switch {
	case tag < 0xfd:
		return uint64(tag), nil
	case tag == 0xfd:
		b, err := c.readExact(2)
		if err != nil {
			return 0, err
		}
		v := uint64(binary.LittleEndian.Uint16(b))
		if v < 0xfd {
			return 0, ErrNonMinimalCompactSize
		}
		return v, nil
	case tag == 0xfe:
		v, err := c.readU32LE()
		if err != nil {
			return 0, err
		}
		if v <= 0xffff {
			return 0, ErrNonMinimalCompactSize
		}
		return uint64(v), nil
	default: // 0xff
		v, err := c.readU64LE()
		if err != nil {
			return 0, err
		}
		if v <= 0xffff_ffff {
			return 0, ErrNonMinimalCompactSize
		}
		return v, nil
	}
}

// readVarBytes reads a CompactSize-prefixed byte string (used for the
// invocation script and other variable-length trailers).
func (c *cursor) readVarBytes() ([]byte, error) {
	n, err := c.readCompactSize()
	if err != nil {
		return nil, err
	}
	return c.readExact(int(n))
}
