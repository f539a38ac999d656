package wire

import (
	"encoding/binary"
	"fmt"

	"pricerelay/models"
)

// AccumulatorMagic prefixes every accumulator batch written by the source
// chain validators.
var AccumulatorMagic = [4]byte{'P', 'A', 'S', '1'}

// DecodeAccumulatorMessages decodes a validator accumulator batch. Unlike the
// messages it carries, the batch envelope is little-endian with u32 length
// prefixes.
func DecodeAccumulatorMessages(data []byte) (*models.AccumulatorMessages, error) {
	if len(data) < 4+8+4+4 {
		return nil, fmt.Errorf("%w: accumulator batch too short (%d bytes)", ErrMalformedMessage, len(data))
	}

	var out models.AccumulatorMessages
	copy(out.Magic[:], data[:4])
	if out.Magic != AccumulatorMagic {
		return nil, fmt.Errorf("%w: accumulator batch magic %q", ErrInvalidMagic, out.Magic[:])
	}
	out.Slot = binary.LittleEndian.Uint64(data[4:12])
	out.RingSize = binary.LittleEndian.Uint32(data[12:16])

	count := binary.LittleEndian.Uint32(data[16:20])
	off := 20
	// Each message needs at least its 4 byte length prefix.
	if uint64(count)*4 > uint64(len(data)-off) {
		return nil, fmt.Errorf("%w: accumulator batch declares %d messages in %d bytes", ErrMalformedMessage, count, len(data)-off)
	}

	out.RawMessages = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data)-off < 4 {
			return nil, fmt.Errorf("%w: truncated length of message %d", ErrMalformedMessage, i)
		}
		n := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		if uint64(n) > uint64(len(data)-off) {
			return nil, fmt.Errorf("%w: message %d claims %d bytes, %d left", ErrMalformedMessage, i, n, len(data)-off)
		}
		msg := make([]byte, n)
		copy(msg, data[off:off+int(n)])
		off += int(n)
		out.RawMessages = append(out.RawMessages, msg)
	}

	return &out, nil
}

// EncodeAccumulatorMessages writes a batch in the validator layout.
func EncodeAccumulatorMessages(a *models.AccumulatorMessages) []byte {
	size := 20
	for _, m := range a.RawMessages {
		size += 4 + len(m)
	}
	out := make([]byte, 0, size)
	out = append(out, AccumulatorMagic[:]...)
	out = binary.LittleEndian.AppendUint64(out, a.Slot)
	out = binary.LittleEndian.AppendUint32(out, a.RingSize)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(a.RawMessages)))
	for _, m := range a.RawMessages {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(m)))
		out = append(out, m...)
	}
	return out
}
