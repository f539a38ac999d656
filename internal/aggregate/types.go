// Package aggregate turns slot batches and signed roots into proven,
// time-queryable messages and tells subscribers when a slot completes.
package aggregate

import (
	"errors"
	"fmt"
	"time"

	"pricerelay/internal/merkle"
	"pricerelay/internal/store"
	"pricerelay/models"
)

// ErrNotFound is returned when a requested key has no record matching the
// request time.
var ErrNotFound = errors.New("price feed not found")

// Key identifies one series in the store.
type Key struct {
	FeedID models.FeedID
	Type   models.MessageType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.FeedID, k.Type)
}

// InclusionProof lets a third party check a message against the signed root:
// Wrapper is the signed envelope carrying the root and Path the merkle path.
type InclusionProof struct {
	Wrapper []byte
	Path    merkle.Path
}

// MessageState is a proven message as stored and served. It is never
// mutated after creation.
type MessageState struct {
	Key        Key
	Slot       uint64
	Message    models.Message
	Raw        []byte
	Proof      InclusionProof
	ReceivedAt int64
}

// Time is the position of the state inside its series.
func (m *MessageState) Time() store.Time {
	return store.Time{PublishTime: m.Message.Published(), Slot: m.Slot}
}

// EventKind tells subscribers whether a completed slot advanced the head.
type EventKind uint8

const (
	EventNew EventKind = iota
	EventOutOfOrder
)

func (k EventKind) String() string {
	if k == EventOutOfOrder {
		return "out_of_order"
	}
	return "new"
}

// Event is published once per finalized slot.
type Event struct {
	Kind EventKind
	Slot uint64
}

// Readiness is the health snapshot returned by Engine.IsReady.
type Readiness struct {
	LatestObservedSlot  uint64
	LatestCompletedSlot uint64
	LastCompletedAt     time.Time
	CompletedRecently   bool
	NotBehind           bool
}

// PublisherStakeCapsWithUpdateData is the stake caps message of a slot and
// the blob that proves it.
type PublisherStakeCapsWithUpdateData struct {
	Slot       uint64
	Caps       *models.PublisherStakeCapsMessage
	UpdateData [][]byte
}

// PriceSource answers price queries with proofs.
type PriceSource interface {
	GetMessageWithProof(ids []models.FeedID, rt store.RequestTime) (*models.PriceFeedsWithUpdateData, error)
	AvailableKeys() map[models.FeedID]struct{}
}

// SubscriptionSource hands out completion events. The returned func
// unsubscribes and closes the channel.
type SubscriptionSource interface {
	Subscribe(buffer int) (<-chan Event, func())
}

var (
	_ PriceSource        = (*Engine)(nil)
	_ SubscriptionSource = (*Engine)(nil)
)
