package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Slot is the source chain's logical clock. Messages accumulated together
// share a slot.
type Slot = uint64

// UnixTimestamp is a number of seconds since the Unix epoch.
type UnixTimestamp = int64

// FeedIDSize is the byte length of a price feed identifier.
const FeedIDSize = 32

// FeedID identifies one logical price feed (the price identifier).
type FeedID [FeedIDSize]byte

// PublisherStakeCapsFeedID is the pseudo feed id carried by publisher stake
// caps messages. It never names a real price feed.
var PublisherStakeCapsFeedID = FeedID{
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
}

// ParseFeedID decodes a hex feed id, with or without a 0x prefix.
func ParseFeedID(s string) (FeedID, error) {
	var id FeedID
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != FeedIDSize*2 {
		return id, fmt.Errorf("feed id must be %d hex characters, got %d", FeedIDSize*2, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("invalid feed id %q: %w", s, err)
	}
	return id, nil
}

func (id FeedID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText encodes the id as lower case hex.
func (id FeedID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText accepts the same forms as ParseFeedID.
func (id *FeedID) UnmarshalText(b []byte) error {
	parsed, err := ParseFeedID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MessageType is the one byte discriminant that prefixes every accumulator
// message.
type MessageType uint8

const (
	PriceFeedMessageType MessageType = iota
	TwapMessageType
	PublisherStakeCapsMessageType
)

// MessageTypes lists every known discriminant in wire order.
var MessageTypes = []MessageType{
	PriceFeedMessageType,
	TwapMessageType,
	PublisherStakeCapsMessageType,
}

func (t MessageType) String() string {
	switch t {
	case PriceFeedMessageType:
		return "PriceFeedMessage"
	case TwapMessageType:
		return "TwapMessage"
	case PublisherStakeCapsMessageType:
		return "PublisherStakeCapsMessage"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}
