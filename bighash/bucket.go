package bighash

import (
	"encoding/binary"
	"hash/crc32"

	"navy/errs"
)

const (
	bucketHeaderSize  = 4  // numEntries u32
	bucketTrailerSize = 8  // generation u32, crc32 u32
	entryHeaderSize   = 14 // keyHash u64, keyLen u16, valueLen u32
)

// bucketEntry is one {keyHash, key, value} record inside a bucket,
// appended in insertion order on disk. Reads scan a bucket's entries
// newest-first (spec.md section 4.7: "scan entries in LIFO order").
type bucketEntry struct {
	KeyHash uint64
	Key     []byte
	Value   []byte
}

func (e bucketEntry) encodedLen() int {
	return entryHeaderSize + len(e.Key) + len(e.Value)
}

func (e bucketEntry) encode(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], e.KeyHash)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(e.Key)))
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(e.Value)))
	copy(buf[entryHeaderSize:], e.Key)
	copy(buf[entryHeaderSize+len(e.Key):], e.Value)
}

func decodeEntry(buf []byte) (bucketEntry, int, error) {
	if len(buf) < entryHeaderSize {
		return bucketEntry{}, 0, errs.ErrInvalidArgument
	}
	keyHash := binary.BigEndian.Uint64(buf[0:8])
	keyLen := binary.BigEndian.Uint16(buf[8:10])
	valueLen := binary.BigEndian.Uint32(buf[10:14])
	total := entryHeaderSize + int(keyLen) + int(valueLen)
	if len(buf) < total {
		return bucketEntry{}, 0, errs.ErrInvalidArgument
	}
	key := append([]byte(nil), buf[entryHeaderSize:entryHeaderSize+int(keyLen)]...)
	value := append([]byte(nil), buf[entryHeaderSize+int(keyLen):total]...)
	return bucketEntry{KeyHash: keyHash, Key: key, Value: value}, total, nil
}

// bucket is the decoded, in-memory form of one on-device bucket record.
type bucket struct {
	entries    []bucketEntry
	generation uint32
	capacity   int // usable payload bytes, excluding header and trailer
}

func newBucket(bucketSize uint32) *bucket {
	return &bucket{capacity: int(bucketSize) - bucketHeaderSize - bucketTrailerSize}
}

// decodeBucket parses a full bucketSize-byte on-device record. A bad
// trailer CRC means a torn write: the bucket is treated as empty, with
// no entries and therefore no destructor calls for whatever it held
// before the crash (those bytes cannot be trusted to reconstruct).
func decodeBucket(raw []byte, bucketSize uint32) (*bucket, bool) {
	b := newBucket(bucketSize)
	if len(raw) < bucketHeaderSize+bucketTrailerSize {
		return b, false
	}
	trailerOff := len(raw) - bucketTrailerSize
	generation := binary.BigEndian.Uint32(raw[trailerOff : trailerOff+4])
	wantCRC := binary.BigEndian.Uint32(raw[trailerOff+4 : trailerOff+8])
	gotCRC := crc32.ChecksumIEEE(raw[:trailerOff])
	if gotCRC != wantCRC {
		return b, false
	}

	numEntries := binary.BigEndian.Uint32(raw[0:4])
	pos := bucketHeaderSize
	for i := uint32(0); i < numEntries; i++ {
		if pos >= trailerOff {
			return newBucket(bucketSize), false
		}
		e, n, err := decodeEntry(raw[pos:trailerOff])
		if err != nil {
			return newBucket(bucketSize), false
		}
		b.entries = append(b.entries, e)
		pos += n
	}
	b.generation = generation
	return b, true
}

// encode serializes the bucket into a fresh bucketSize-byte buffer,
// bumping the generation counter.
func (b *bucket) encode(bucketSize uint32) []byte {
	out := make([]byte, bucketSize)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(b.entries)))
	pos := bucketHeaderSize
	for _, e := range b.entries {
		n := e.encodedLen()
		e.encode(out[pos : pos+n])
		pos += n
	}
	trailerOff := int(bucketSize) - bucketTrailerSize
	b.generation++
	binary.BigEndian.PutUint32(out[trailerOff:trailerOff+4], b.generation)
	crc := crc32.ChecksumIEEE(out[:trailerOff])
	binary.BigEndian.PutUint32(out[trailerOff+4:trailerOff+8], crc)
	return out
}

// payloadSize returns the bytes the bucket's entries currently occupy.
func (b *bucket) payloadSize() int {
	total := 0
	for _, e := range b.entries {
		total += e.encodedLen()
	}
	return total
}

// append adds e, dropping the oldest entries first until it fits, and
// returns the entries that were dropped to make room.
func (b *bucket) append(e bucketEntry) (dropped []bucketEntry) {
	b.entries = append(b.entries, e)
	for b.payloadSize() > b.capacity && len(b.entries) > 1 {
		dropped = append(dropped, b.entries[0])
		b.entries = b.entries[1:]
	}
	return dropped
}

// remove deletes the first entry matching (keyHash, key) in LIFO scan
// order, returning it and whether it was found.
func (b *bucket) remove(keyHash uint64, key []byte) (bucketEntry, bool) {
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if e.KeyHash == keyHash && string(e.Key) == string(key) {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return e, true
		}
	}
	return bucketEntry{}, false
}

// find returns the first entry matching (keyHash, key) scanning newest
// (end of slice) first.
func (b *bucket) find(keyHash uint64, key []byte) (bucketEntry, bool) {
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if e.KeyHash == keyHash && string(e.Key) == string(key) {
			return e, true
		}
	}
	return bucketEntry{}, false
}
