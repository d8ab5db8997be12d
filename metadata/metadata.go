// Package metadata persists and recovers the fixed-layout metadata
// prefix described in spec.md section 6: a magic/version/header-length
// preamble, a config fingerprint, the serialized region table, BC index,
// and BH Bloom filter snapshot, and a CRC-guarded trailer.
package metadata

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"

	"navy/device"
	"navy/errs"
)

var magic = [8]byte{'N', 'A', 'V', 'Y', 'M', 'E', 'T', 'A'}

const version = uint32(1)
const trailerSize = 8 // length u32, crc32 u32
const preambleSize = 16

// State is what Recover hands back to the driver on success: the engine
// blob it must hand to whichever components know how to decode their own
// slice of it.
type State struct {
	Fingerprint []byte
	Blob        []byte
}

// Persist writes magic, version, header length, fingerprint, blob, and a
// CRC-guarded trailer into the first metadataSize bytes of dev. The
// trailer lives at a fixed offset (metadataSize-trailerSize) so recovery
// can locate it without first knowing the blob's length.
func Persist(ctx context.Context, dev device.Device, metadataSize uint64, fingerprint, blob []byte) error {
	headerLen := uint32(preambleSize + len(fingerprint))
	trailerOff := metadataSize - uint64(trailerSize)
	if uint64(headerLen)+uint64(len(blob)) > trailerOff {
		return errs.ErrInvalidArgument
	}

	buf := make([]byte, metadataSize)
	copy(buf[0:8], magic[:])
	binary.BigEndian.PutUint32(buf[8:12], version)
	binary.BigEndian.PutUint32(buf[12:16], headerLen)
	copy(buf[preambleSize:headerLen], fingerprint)
	copy(buf[headerLen:], blob)

	contentEnd := uint64(headerLen) + uint64(len(blob))
	binary.BigEndian.PutUint32(buf[trailerOff:trailerOff+4], uint32(len(blob)))
	crc := crc32.ChecksumIEEE(buf[:contentEnd])
	binary.BigEndian.PutUint32(buf[trailerOff+4:trailerOff+8], crc)

	if err := dev.Write(ctx, 0, buf); err != nil {
		return err
	}
	return dev.Flush()
}

// Recover reads and validates the metadata prefix. Any mismatch (magic,
// version, CRC, or fingerprint) returns ErrInvalidArgument; the driver
// treats that as a signal to cold-start.
func Recover(ctx context.Context, dev device.Device, metadataSize uint64, expectedFingerprint []byte) (*State, error) {
	buf := make([]byte, metadataSize)
	if err := dev.Read(ctx, 0, buf); err != nil {
		return nil, err
	}
	if !bytes.Equal(buf[0:8], magic[:]) {
		return nil, errs.ErrInvalidArgument
	}
	if binary.BigEndian.Uint32(buf[8:12]) != version {
		return nil, errs.ErrInvalidArgument
	}
	headerLen := binary.BigEndian.Uint32(buf[12:16])
	if uint64(headerLen) < preambleSize || uint64(headerLen) > metadataSize {
		return nil, errs.ErrInvalidArgument
	}
	fingerprint := buf[preambleSize:headerLen]
	if !bytes.Equal(fingerprint, expectedFingerprint) {
		return nil, errs.ErrInvalidArgument
	}

	trailerOff := metadataSize - uint64(trailerSize)
	blobLen := binary.BigEndian.Uint32(buf[trailerOff : trailerOff+4])
	wantCRC := binary.BigEndian.Uint32(buf[trailerOff+4 : trailerOff+8])
	contentEnd := uint64(headerLen) + uint64(blobLen)
	if contentEnd > trailerOff {
		return nil, errs.ErrInvalidArgument
	}
	gotCRC := crc32.ChecksumIEEE(buf[:contentEnd])
	if gotCRC != wantCRC {
		return nil, errs.ErrInvalidArgument
	}

	blob := make([]byte, blobLen)
	copy(blob, buf[headerLen:contentEnd])
	return &State{Fingerprint: append([]byte(nil), fingerprint...), Blob: blob}, nil
}
