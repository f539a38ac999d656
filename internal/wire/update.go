package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"pricerelay/internal/merkle"
)

// UpdateDataMagic prefixes an accumulator update blob.
var UpdateDataMagic = [4]byte{'P', 'N', 'A', 'U'}

const (
	updateMajorVersion uint8 = 1
	updateMinorVersion uint8 = 0

	proofTypeWormholeMerkle uint8 = 0

	// MaxUpdatesPerBlob is the largest number of messages one update blob
	// can carry; the count is a single byte on the wire.
	MaxUpdatesPerBlob = 255
)

// ErrTooManyUpdates is returned when a blob would exceed MaxUpdatesPerBlob.
var ErrTooManyUpdates = errors.New("too many updates for one blob")

// MerklePriceUpdate is one message with its inclusion proof.
type MerklePriceUpdate struct {
	Message []byte
	Proof   merkle.Path
}

// UpdateData is a decoded accumulator update blob.
type UpdateData struct {
	MajorVersion uint8
	MinorVersion uint8
	VAA          []byte
	Updates      []MerklePriceUpdate
}

// EncodeUpdateData builds the blob target chains accept: the signed root
// followed by every message and its merkle path.
func EncodeUpdateData(vaa []byte, updates []MerklePriceUpdate) ([]byte, error) {
	if len(updates) > MaxUpdatesPerBlob {
		return nil, fmt.Errorf("%w: %d", ErrTooManyUpdates, len(updates))
	}
	if len(vaa) > 0xFFFF {
		return nil, fmt.Errorf("vaa too large: %d bytes", len(vaa))
	}

	size := 4 + 2 + 1 + 1 + 2 + len(vaa) + 1
	for _, u := range updates {
		size += 2 + len(u.Message) + 1 + len(u.Proof)*merkle.HashSize
	}

	out := make([]byte, 0, size)
	out = append(out, UpdateDataMagic[:]...)
	out = append(out, updateMajorVersion, updateMinorVersion)
	out = append(out, 0) // trailing header bytes
	out = append(out, proofTypeWormholeMerkle)
	out = binary.BigEndian.AppendUint16(out, uint16(len(vaa)))
	out = append(out, vaa...)
	out = append(out, uint8(len(updates)))
	for _, u := range updates {
		if len(u.Message) > 0xFFFF {
			return nil, fmt.Errorf("message too large: %d bytes", len(u.Message))
		}
		if len(u.Proof) > 0xFF {
			return nil, fmt.Errorf("merkle path too long: %d", len(u.Proof))
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(u.Message)))
		out = append(out, u.Message...)
		out = append(out, u.Proof.Bytes()...)
	}
	return out, nil
}

// DecodeUpdateData parses a blob produced by EncodeUpdateData. Unknown
// trailing header bytes from newer minor versions are skipped.
func DecodeUpdateData(data []byte) (*UpdateData, error) {
	r := &reader{buf: data}
	magic := r.take(4)
	if r.err != nil || [4]byte(magic) != UpdateDataMagic {
		return nil, fmt.Errorf("%w: expected update data", ErrInvalidMagic)
	}

	out := &UpdateData{MajorVersion: r.u8(), MinorVersion: r.u8()}
	if r.err == nil && out.MajorVersion != updateMajorVersion {
		return nil, fmt.Errorf("%w: unsupported update data version %d", ErrMalformedMessage, out.MajorVersion)
	}
	r.take(int(r.u8()))

	if proofType := r.u8(); r.err == nil && proofType != proofTypeWormholeMerkle {
		return nil, fmt.Errorf("%w: unknown proof type %d", ErrMalformedMessage, proofType)
	}
	out.VAA = r.take(int(r.u16()))

	n := int(r.u8())
	out.Updates = make([]MerklePriceUpdate, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		msg := r.take(int(r.u16()))
		depth := int(r.u8())
		path := make(merkle.Path, 0, depth)
		for j := 0; j < depth && r.err == nil; j++ {
			var h merkle.Hash
			copy(h[:], r.take(merkle.HashSize))
			path = append(path, h)
		}
		out.Updates = append(out.Updates, MerklePriceUpdate{Message: msg, Proof: path})
	}
	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}
