package aggregate

import (
	"fmt"
	"sort"

	"pricerelay/internal/store"
	"pricerelay/internal/wire"
	"pricerelay/models"
)

// FetchMessageStates looks up every key at rt. It fails with ErrNotFound when
// any key has no matching record.
func (e *Engine) FetchMessageStates(keys []Key, rt store.RequestTime) ([]*MessageState, error) {
	states := make([]*MessageState, 0, len(keys))
	for _, k := range keys {
		rec, ok := e.store.Get(k, rt)
		if !ok {
			return nil, fmt.Errorf("%s at %s: %w", k, rt, ErrNotFound)
		}
		states = append(states, rec.Value)
	}
	return states, nil
}

// GetMessageWithProof returns the price feeds of ids at rt with the update
// data proving them. Messages proven by the same envelope share one blob.
func (e *Engine) GetMessageWithProof(ids []models.FeedID, rt store.RequestTime) (*models.PriceFeedsWithUpdateData, error) {
	keys := make([]Key, len(ids))
	for i, id := range ids {
		keys[i] = Key{FeedID: id, Type: models.PriceFeedMessageType}
	}
	states, err := e.FetchMessageStates(keys, rt)
	if err != nil {
		return nil, err
	}

	feeds := make([]models.PriceFeedUpdate, 0, len(states))
	for _, s := range states {
		msg, ok := s.Message.(*models.PriceFeedMessage)
		if !ok {
			return nil, fmt.Errorf("%s holds %T: %w", s.Key, s.Message, ErrNotFound)
		}
		single, err := encodeUpdateData([]*MessageState{s})
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, models.PriceFeedUpdate{
			PriceFeed:       msg.PriceFeed(),
			Slot:            s.Slot,
			ReceivedAt:      s.ReceivedAt,
			UpdateData:      single[0],
			PrevPublishTime: msg.PrevPublishTime,
		})
	}

	updateData, err := encodeUpdateData(states)
	if err != nil {
		return nil, err
	}
	return &models.PriceFeedsWithUpdateData{PriceFeeds: feeds, UpdateData: updateData}, nil
}

// GetLatestPublisherStakeCapsWithUpdateData returns the stake caps message
// at rt and its proof.
func (e *Engine) GetLatestPublisherStakeCapsWithUpdateData(rt store.RequestTime) (*PublisherStakeCapsWithUpdateData, error) {
	key := Key{FeedID: models.PublisherStakeCapsFeedID, Type: models.PublisherStakeCapsMessageType}
	states, err := e.FetchMessageStates([]Key{key}, rt)
	if err != nil {
		return nil, err
	}
	caps, ok := states[0].Message.(*models.PublisherStakeCapsMessage)
	if !ok {
		return nil, fmt.Errorf("%s holds %T: %w", key, states[0].Message, ErrNotFound)
	}
	updateData, err := encodeUpdateData(states)
	if err != nil {
		return nil, err
	}
	return &PublisherStakeCapsWithUpdateData{Slot: states[0].Slot, Caps: caps, UpdateData: updateData}, nil
}

// AvailableKeys lists the feeds that currently have price messages.
func (e *Engine) AvailableKeys() map[models.FeedID]struct{} {
	out := make(map[models.FeedID]struct{})
	for _, k := range e.store.Keys() {
		if k.FeedID == models.PublisherStakeCapsFeedID {
			continue
		}
		out[k.FeedID] = struct{}{}
	}
	return out
}

// encodeUpdateData groups states proven by the same envelope, ordered by
// slot, into as few blobs as the per-blob limit allows.
func encodeUpdateData(states []*MessageState) ([][]byte, error) {
	sorted := make([]*MessageState, len(states))
	copy(sorted, states)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Slot < sorted[j].Slot })

	var out [][]byte
	flush := func(group []*MessageState) error {
		updates := make([]wire.MerklePriceUpdate, len(group))
		for i, s := range group {
			updates[i] = wire.MerklePriceUpdate{Message: s.Raw, Proof: s.Proof.Path}
		}
		blob, err := wire.EncodeUpdateData(group[0].Proof.Wrapper, updates)
		if err != nil {
			return fmt.Errorf("encode update data for slot %d: %w", group[0].Slot, err)
		}
		out = append(out, blob)
		return nil
	}

	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) && sameWrapper(sorted[start], sorted[i]) && i-start < wire.MaxUpdatesPerBlob {
			continue
		}
		if err := flush(sorted[start:i]); err != nil {
			return nil, err
		}
		start = i
	}
	return out, nil
}
