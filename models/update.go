package models

import "time"

// RawFrameKind tells the processor how to decode a raw frame.
type RawFrameKind string

const (
	FrameAccumulatorMessages RawFrameKind = "accumulator_messages"
	FrameVAA                 RawFrameKind = "vaa"
)

// RawFrame is one undecoded unit received from the relay network.
type RawFrame struct {
	Source    string
	Kind      RawFrameKind
	Data      []byte
	Timestamp time.Time
}

// AccumulatorMessages is the batch of raw messages the source chain
// accumulated for one slot.
type AccumulatorMessages struct {
	Magic       [4]byte
	Slot        Slot
	RingSize    uint32
	RawMessages [][]byte
}

// RingIndex is the position of the batch in the source chain's ring buffer.
func (a *AccumulatorMessages) RingIndex() uint32 {
	if a.RingSize == 0 {
		return 0
	}
	return uint32(a.Slot % uint64(a.RingSize))
}

// MerkleRoot is the root metadata signed by the guardian network for a slot.
type MerkleRoot struct {
	Slot     Slot     `json:"slot"`
	RingSize uint32   `json:"ring_size"`
	Root     [20]byte `json:"root"`
}

// PriceFeedUpdate is one price feed together with the update blob that proves
// it on a target chain.
type PriceFeedUpdate struct {
	PriceFeed       PriceFeed     `json:"price_feed"`
	Slot            Slot          `json:"slot"`
	ReceivedAt      UnixTimestamp `json:"received_at"`
	UpdateData      []byte        `json:"update_data"`
	PrevPublishTime UnixTimestamp `json:"prev_publish_time"`
}

// PriceFeedsWithUpdateData is the answer to a batch price query. UpdateData
// holds the minimal set of blobs that prove every entry of PriceFeeds.
type PriceFeedsWithUpdateData struct {
	PriceFeeds []PriceFeedUpdate `json:"price_feeds"`
	UpdateData [][]byte          `json:"update_data"`
}
