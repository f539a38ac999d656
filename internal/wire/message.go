// Package wire holds the byte codecs for everything that crosses the relay
// boundary: accumulator messages, accumulator batches, signed envelopes,
// the signed root payload and the update data blob handed to target chains.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"pricerelay/models"
)

var (
	// ErrMalformedMessage is returned when a raw message cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrInvalidMagic is returned when a frame does not start with the
	// expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic")
)

const (
	priceFeedMessageSize = 1 + 32 + 8 + 8 + 4 + 8 + 8 + 8 + 8
	twapMessageSize      = 1 + 32 + 16 + 16 + 8 + 4 + 8 + 8 + 8
	stakeCapSize         = 32 + 8
)

// reader is a bounds checked big-endian cursor.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedMessage, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) i128() *big.Int {
	b := r.take(16)
	if b == nil {
		return nil
	}
	v := new(big.Int).SetBytes(b)
	if b[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return v
}

func (r *reader) u128() *big.Int {
	b := r.take(16)
	if b == nil {
		return nil
	}
	return new(big.Int).SetBytes(b)
}

func (r *reader) array32() (out [32]byte) {
	copy(out[:], r.take(32))
	return out
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

// ParseMessage decodes a raw accumulator message. Trailing bytes after the
// known fields are ignored so newer message revisions still decode.
func ParseMessage(raw []byte) (models.Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}

	r := &reader{buf: raw}
	kind := models.MessageType(r.u8())

	switch kind {
	case models.PriceFeedMessageType:
		m := &models.PriceFeedMessage{
			FeedID:          models.FeedID(r.array32()),
			Price:           int64(r.u64()),
			Conf:            r.u64(),
			Exponent:        int32(r.u32()),
			PublishTime:     int64(r.u64()),
			PrevPublishTime: int64(r.u64()),
			EMAPrice:        int64(r.u64()),
			EMAConf:         r.u64(),
		}
		if r.err != nil {
			return nil, r.err
		}
		return m, nil

	case models.TwapMessageType:
		m := &models.TwapMessage{
			FeedID:          models.FeedID(r.array32()),
			CumulativePrice: r.i128(),
			CumulativeConf:  r.u128(),
			NumDownSlots:    r.u64(),
			Exponent:        int32(r.u32()),
			PublishTime:     int64(r.u64()),
			PrevPublishTime: int64(r.u64()),
			PublishSlot:     r.u64(),
		}
		if r.err != nil {
			return nil, r.err
		}
		return m, nil

	case models.PublisherStakeCapsMessageType:
		m := &models.PublisherStakeCapsMessage{PublishTime: int64(r.u64())}
		n := int(r.u16())
		if r.err == nil && r.remaining() < n*stakeCapSize {
			return nil, fmt.Errorf("%w: %d stake caps declared, %d bytes left", ErrMalformedMessage, n, r.remaining())
		}
		m.Caps = make([]models.PublisherStakeCap, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			m.Caps = append(m.Caps, models.PublisherStakeCap{
				Publisher: r.array32(),
				Cap:       r.u64(),
			})
		}
		if r.err != nil {
			return nil, r.err
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, uint8(kind))
	}
}

// EncodeMessage is the inverse of ParseMessage.
func EncodeMessage(m models.Message) ([]byte, error) {
	switch msg := m.(type) {
	case *models.PriceFeedMessage:
		out := make([]byte, 0, priceFeedMessageSize)
		out = append(out, byte(models.PriceFeedMessageType))
		out = append(out, msg.FeedID[:]...)
		out = binary.BigEndian.AppendUint64(out, uint64(msg.Price))
		out = binary.BigEndian.AppendUint64(out, msg.Conf)
		out = binary.BigEndian.AppendUint32(out, uint32(msg.Exponent))
		out = binary.BigEndian.AppendUint64(out, uint64(msg.PublishTime))
		out = binary.BigEndian.AppendUint64(out, uint64(msg.PrevPublishTime))
		out = binary.BigEndian.AppendUint64(out, uint64(msg.EMAPrice))
		out = binary.BigEndian.AppendUint64(out, msg.EMAConf)
		return out, nil

	case *models.TwapMessage:
		price, err := put128(msg.CumulativePrice, true)
		if err != nil {
			return nil, fmt.Errorf("cumulative price: %w", err)
		}
		conf, err := put128(msg.CumulativeConf, false)
		if err != nil {
			return nil, fmt.Errorf("cumulative conf: %w", err)
		}
		out := make([]byte, 0, twapMessageSize)
		out = append(out, byte(models.TwapMessageType))
		out = append(out, msg.FeedID[:]...)
		out = append(out, price...)
		out = append(out, conf...)
		out = binary.BigEndian.AppendUint64(out, msg.NumDownSlots)
		out = binary.BigEndian.AppendUint32(out, uint32(msg.Exponent))
		out = binary.BigEndian.AppendUint64(out, uint64(msg.PublishTime))
		out = binary.BigEndian.AppendUint64(out, uint64(msg.PrevPublishTime))
		out = binary.BigEndian.AppendUint64(out, msg.PublishSlot)
		return out, nil

	case *models.PublisherStakeCapsMessage:
		if len(msg.Caps) > 0xFFFF {
			return nil, fmt.Errorf("too many stake caps: %d", len(msg.Caps))
		}
		out := make([]byte, 0, 1+8+2+len(msg.Caps)*stakeCapSize)
		out = append(out, byte(models.PublisherStakeCapsMessageType))
		out = binary.BigEndian.AppendUint64(out, uint64(msg.PublishTime))
		out = binary.BigEndian.AppendUint16(out, uint16(len(msg.Caps)))
		for _, c := range msg.Caps {
			out = append(out, c.Publisher[:]...)
			out = binary.BigEndian.AppendUint64(out, c.Cap)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported message %T", m)
	}
}

var (
	two128   = new(big.Int).Lsh(big.NewInt(1), 128)
	maxI128  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxU128  = new(big.Int).Sub(two128, big.NewInt(1))
	zeroWord = make([]byte, 16)
)

// put128 encodes v as a 16 byte big-endian integer, two's complement when
// signed. A nil value encodes as zero.
func put128(v *big.Int, signed bool) ([]byte, error) {
	if v == nil {
		return append([]byte(nil), zeroWord...), nil
	}
	if signed {
		if v.Cmp(maxI128) > 0 || v.Cmp(minI128) < 0 {
			return nil, fmt.Errorf("%s out of int128 range", v)
		}
	} else if v.Sign() < 0 || v.Cmp(maxU128) > 0 {
		return nil, fmt.Errorf("%s out of uint128 range", v)
	}
	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, two128)
	}
	out := make([]byte, 16)
	return u.FillBytes(out), nil
}
