package wire

import "encoding/binary"

// appendU8 appends a single byte to dst, matching the Append*le helper
// family rubin-protocol's wire_write.go exposes for the wider fields.
func appendU8(dst []byte, v uint8) []byte {
	return append(dst, v)
}

func appendU32LE(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func appendU64LE(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// appendCompactSize writes n as a minimal Bitcoin-style CompactSize varint.
func appendCompactSize(dst []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(dst, byte(n))
	case n <= 0xffff:
		dst = append(dst, 0xfd)
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(n))
		return append(dst, buf[:]...)
	case n <= 0xffff_ffff:
		dst = append(dst, 0xfe)
		return appendU32LE(dst, uint32(n))
	default:
		dst = append(dst, 0xff)
		return appendU64LE(dst, n)
	}
}

func appendVarBytes(dst []byte, b []byte) []byte {
	dst = appendCompactSize(dst, uint64(len(b)))
	return append(dst, b...)
}

func appendHeader(dst []byte, h Header) []byte {
	dst = appendU8(dst, byte(h.Type))
	dst = appendU32LE(dst, h.BlockIndex)
	dst = appendU8(dst, h.ValidatorIndex)
	dst = appendU8(dst, h.ViewNumber)
	return dst
}

func readHeader(c *cursor) (Header, error) {
	var h Header
	t, err := c.readU8()
	if err != nil {
		return h, err
	}
	h.Type = MessageType(t)
	if h.BlockIndex, err = c.readU32LE(); err != nil {
		return h, err
	}
	if h.ValidatorIndex, err = c.readU8(); err != nil {
		return h, err
	}
	if h.ViewNumber, err = c.readU8(); err != nil {
		return h, err
	}
	return h, nil
}
