package models

import "math/big"

// Message is a parsed accumulator message. The raw bytes it was decoded from
// are kept alongside it because newer message versions may carry trailing
// fields this decoder does not know about.
type Message interface {
	Type() MessageType
	Feed() FeedID
	Published() UnixTimestamp
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// PRICE FEED /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PriceFeedMessage carries an aggregate price and its EMA for one feed.
type PriceFeedMessage struct {
	FeedID          FeedID        `json:"feed_id"`
	Price           int64         `json:"price"`
	Conf            uint64        `json:"conf"`
	Exponent        int32         `json:"exponent"`
	PublishTime     UnixTimestamp `json:"publish_time"`
	PrevPublishTime UnixTimestamp `json:"prev_publish_time"`
	EMAPrice        int64         `json:"ema_price"`
	EMAConf         uint64        `json:"ema_conf"`
}

func (m *PriceFeedMessage) Type() MessageType        { return PriceFeedMessageType }
func (m *PriceFeedMessage) Feed() FeedID             { return m.FeedID }
func (m *PriceFeedMessage) Published() UnixTimestamp { return m.PublishTime }

// PriceFeed converts the message into the price/EMA pair served to clients.
func (m *PriceFeedMessage) PriceFeed() PriceFeed {
	return PriceFeed{
		ID: m.FeedID,
		Price: Price{
			Price:       m.Price,
			Conf:        m.Conf,
			Expo:        m.Exponent,
			PublishTime: m.PublishTime,
		},
		EMAPrice: Price{
			Price:       m.EMAPrice,
			Conf:        m.EMAConf,
			Expo:        m.Exponent,
			PublishTime: m.PublishTime,
		},
	}
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// TWAP ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// TwapMessage carries cumulative price data used to derive TWAPs. The
// cumulative fields are 128 bit on the wire.
type TwapMessage struct {
	FeedID          FeedID        `json:"feed_id"`
	CumulativePrice *big.Int      `json:"cumulative_price"`
	CumulativeConf  *big.Int      `json:"cumulative_conf"`
	NumDownSlots    uint64        `json:"num_down_slots"`
	Exponent        int32         `json:"exponent"`
	PublishTime     UnixTimestamp `json:"publish_time"`
	PrevPublishTime UnixTimestamp `json:"prev_publish_time"`
	PublishSlot     uint64        `json:"publish_slot"`
}

func (m *TwapMessage) Type() MessageType        { return TwapMessageType }
func (m *TwapMessage) Feed() FeedID             { return m.FeedID }
func (m *TwapMessage) Published() UnixTimestamp { return m.PublishTime }

/////////////////////////////////////////////////////////////////////////////
/////////////////////////// PUBLISHER STAKE CAPS ////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PublisherStakeCap is the stake cap of a single publisher.
type PublisherStakeCap struct {
	Publisher [32]byte `json:"publisher"`
	Cap       uint64   `json:"cap"`
}

// PublisherStakeCapsMessage is a global message; it is filed under
// PublisherStakeCapsFeedID.
type PublisherStakeCapsMessage struct {
	PublishTime UnixTimestamp       `json:"publish_time"`
	Caps        []PublisherStakeCap `json:"caps"`
}

func (m *PublisherStakeCapsMessage) Type() MessageType        { return PublisherStakeCapsMessageType }
func (m *PublisherStakeCapsMessage) Feed() FeedID             { return PublisherStakeCapsFeedID }
func (m *PublisherStakeCapsMessage) Published() UnixTimestamp { return m.PublishTime }
