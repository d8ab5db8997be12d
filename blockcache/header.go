package blockcache

import (
	"encoding/binary"
	"hash/crc32"

	"navy/errs"
)

// headerSize is the on-disk size of an item header: keyHash(8) +
// keyLen(1) + valueLen(4) + checksum(4) + hits(1) + generation(4).
const headerSize = 22

// header is the fixed-size prefix written before every item's key and
// value bytes (spec.md section 4.6).
type header struct {
	KeyHash    uint64
	KeyLen     uint8
	ValueLen   uint32
	Checksum   uint32
	Hits       uint8
	Generation uint32
}

func (h header) encode(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], h.KeyHash)
	buf[8] = h.KeyLen
	binary.BigEndian.PutUint32(buf[9:13], h.ValueLen)
	binary.BigEndian.PutUint32(buf[13:17], h.Checksum)
	buf[17] = h.Hits
	binary.BigEndian.PutUint32(buf[18:22], h.Generation)
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, errs.ErrInvalidArgument
	}
	return header{
		KeyHash:    binary.BigEndian.Uint64(buf[0:8]),
		KeyLen:     buf[8],
		ValueLen:   binary.BigEndian.Uint32(buf[9:13]),
		Checksum:   binary.BigEndian.Uint32(buf[13:17]),
		Hits:       buf[17],
		Generation: binary.BigEndian.Uint32(buf[18:22]),
	}, nil
}

func checksumOf(key, value []byte) uint32 {
	c := crc32.NewIEEE()
	c.Write(key)
	c.Write(value)
	return c.Sum32()
}
