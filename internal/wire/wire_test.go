package wire

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"pricerelay/internal/merkle"
	"pricerelay/models"
)

func feedID(b byte) models.FeedID {
	var id models.FeedID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestPriceFeedMessageCodec(t *testing.T) {
	in := &models.PriceFeedMessage{
		FeedID:          feedID(0xAB),
		Price:           -4200,
		Conf:            17,
		Exponent:        -8,
		PublishTime:     1700000000,
		PrevPublishTime: 1699999999,
		EMAPrice:        -4100,
		EMAConf:         19,
	}
	raw, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(raw) != priceFeedMessageSize || raw[0] != 0 {
		t.Fatalf("unexpected encoding: len=%d type=%d", len(raw), raw[0])
	}

	// Unknown trailing fields from newer revisions are ignored.
	out, err := ParseMessage(append(raw, 0xFF, 0xEE))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, ok := out.(*models.PriceFeedMessage)
	if !ok {
		t.Fatalf("unexpected type %T", out)
	}
	if *got != *in {
		t.Fatalf("mismatch: got %+v want %+v", got, in)
	}
}

func TestTwapMessageCodec(t *testing.T) {
	neg, _ := new(big.Int).SetString("-170141183460469231731687303715884105728", 10)
	in := &models.TwapMessage{
		FeedID:          feedID(0x01),
		CumulativePrice: neg,
		CumulativeConf:  big.NewInt(123456789),
		NumDownSlots:    3,
		Exponent:        -5,
		PublishTime:     10,
		PrevPublishTime: 9,
		PublishSlot:     77,
	}
	raw, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := out.(*models.TwapMessage)
	if got.CumulativePrice.Cmp(neg) != 0 || got.CumulativeConf.Cmp(in.CumulativeConf) != 0 {
		t.Fatalf("cumulative fields mismatch: %s %s", got.CumulativePrice, got.CumulativeConf)
	}
	if got.PublishSlot != 77 || got.Exponent != -5 || got.FeedID != in.FeedID {
		t.Fatalf("mismatch: %+v", got)
	}

	tooBig := new(big.Int).Lsh(big.NewInt(1), 127)
	if _, err := EncodeMessage(&models.TwapMessage{CumulativePrice: tooBig}); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestPublisherStakeCapsCodec(t *testing.T) {
	in := &models.PublisherStakeCapsMessage{
		PublishTime: 55,
		Caps: []models.PublisherStakeCap{
			{Publisher: [32]byte{1}, Cap: 100},
			{Publisher: [32]byte{2}, Cap: 200},
		},
	}
	raw, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Feed() != models.PublisherStakeCapsFeedID {
		t.Fatalf("stake caps should be filed under the pseudo feed")
	}
	got := out.(*models.PublisherStakeCapsMessage)
	if len(got.Caps) != 2 || got.Caps[1].Cap != 200 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestParseMessageMalformed(t *testing.T) {
	raw, _ := EncodeMessage(&models.PriceFeedMessage{FeedID: feedID(1)})
	cases := map[string][]byte{
		"empty":        nil,
		"unknown type": {9, 1, 2, 3},
		"truncated":    raw[:40],
		"caps overrun": {2, 0, 0, 0, 0, 0, 0, 0, 1, 0xFF, 0xFF},
	}
	for name, in := range cases {
		if _, err := ParseMessage(in); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("%s: expected ErrMalformedMessage, got %v", name, err)
		}
	}
}

func TestAccumulatorMessagesCodec(t *testing.T) {
	in := &models.AccumulatorMessages{
		Slot:        12345,
		RingSize:    10000,
		RawMessages: [][]byte{[]byte("a"), {}, []byte("ccc")},
	}
	data := EncodeAccumulatorMessages(in)
	out, err := DecodeAccumulatorMessages(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Slot != in.Slot || out.RingSize != in.RingSize || len(out.RawMessages) != 3 {
		t.Fatalf("mismatch: %+v", out)
	}
	if !bytes.Equal(out.RawMessages[2], []byte("ccc")) {
		t.Fatalf("unexpected message %q", out.RawMessages[2])
	}

	if _, err := DecodeAccumulatorMessages(data[:len(data)-1]); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected truncation error, got %v", err)
	}
	bad := append([]byte("XXXX"), data[4:]...)
	if _, err := DecodeAccumulatorMessages(bad); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestEnvelopeCodec(t *testing.T) {
	root := models.MerkleRoot{Slot: 99, RingSize: 10000, Root: [20]byte{7, 7, 7}}
	in := &Envelope{
		GuardianSetIndex: 4,
		Signatures:       []Signature{{Index: 0}, {Index: 3}},
		Timestamp:        1700000000,
		Nonce:            1,
		EmitterChain:     PythnetChainID,
		EmitterAddress:   [32]byte{0xE1},
		Sequence:         8888,
		ConsistencyLevel: 1,
		Payload:          EncodeMerkleRoot(root),
	}
	data := EncodeEnvelope(in)

	env, err := VAAParser{}.ParseEnvelope(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Sequence != 8888 || env.EmitterChain != PythnetChainID || len(env.Signatures) != 2 || env.Signatures[1].Index != 3 {
		t.Fatalf("mismatch: %+v", env)
	}
	gotRoot, err := DecodeMerkleRoot(env.Payload)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if gotRoot != root {
		t.Fatalf("root mismatch: %+v", gotRoot)
	}

	env2, _ := VAAParser{}.ParseEnvelope(data)
	if env.Digest() != env2.Digest() {
		t.Fatalf("digest should be stable")
	}

	if _, err := (VAAParser{}).ParseEnvelope(data[:20]); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if _, err := DecodeMerkleRoot([]byte("PNAU....")); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestUpdateDataCodec(t *testing.T) {
	vaa := []byte("signed-root")
	updates := []MerklePriceUpdate{
		{Message: []byte("m1"), Proof: merkle.Path{{1}, {2}}},
		{Message: []byte("m2"), Proof: merkle.Path{}},
	}
	blob, err := EncodeUpdateData(vaa, updates)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(blob, []byte("PNAU\x01\x00\x00\x00")) {
		t.Fatalf("unexpected header %x", blob[:8])
	}

	out, err := DecodeUpdateData(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out.VAA, vaa) || len(out.Updates) != 2 {
		t.Fatalf("mismatch: %+v", out)
	}
	if len(out.Updates[0].Proof) != 2 || out.Updates[0].Proof[1] != (merkle.Hash{2}) {
		t.Fatalf("proof mismatch: %v", out.Updates[0].Proof)
	}

	many := make([]MerklePriceUpdate, MaxUpdatesPerBlob+1)
	if _, err := EncodeUpdateData(vaa, many); !errors.Is(err, ErrTooManyUpdates) {
		t.Fatalf("expected ErrTooManyUpdates, got %v", err)
	}
}
