package aggregate

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pricerelay/internal/merkle"
	"pricerelay/internal/pending"
	"pricerelay/internal/store"
	"pricerelay/internal/wire"
	"pricerelay/models"
)

func feedID(b byte) models.FeedID {
	var id models.FeedID
	id[0] = b
	return id
}

func priceMessage(t *testing.T, id models.FeedID, price int64, publish int64) []byte {
	t.Helper()
	raw, err := wire.EncodeMessage(&models.PriceFeedMessage{
		FeedID:          id,
		Price:           price,
		Conf:            10,
		Exponent:        -8,
		PublishTime:     publish,
		PrevPublishTime: publish - 1,
		EMAPrice:        price,
		EMAConf:         12,
	})
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	return raw
}

func rootFor(t *testing.T, slot uint64, raw [][]byte) models.MerkleRoot {
	t.Helper()
	tree, ok := merkle.FromSet(merkle.Keccak160{}, raw)
	if !ok {
		t.Fatalf("empty message set")
	}
	return models.MerkleRoot{Slot: slot, RingSize: 10000, Root: [20]byte(tree.Root())}
}

func wrapper(slot uint64) []byte {
	return []byte{'w', byte(slot >> 8), byte(slot)}
}

func finalizeSlot(t *testing.T, e *Engine, slot uint64, raw [][]byte) {
	t.Helper()
	if err := e.IngestMessages(slot, raw); err != nil {
		t.Fatalf("ingest messages: %v", err)
	}
	if err := e.IngestRoot(rootFor(t, slot, raw), wrapper(slot)); err != nil {
		t.Fatalf("ingest root: %v", err)
	}
}

func TestFinalizeInEitherOrder(t *testing.T) {
	e := NewEngine(Options{})
	a, b := feedID(1), feedID(2)

	rawA := [][]byte{priceMessage(t, a, 100, 1000)}
	if err := e.IngestRoot(rootFor(t, 7, rawA), wrapper(7)); err != nil {
		t.Fatalf("root first: %v", err)
	}
	if err := e.IngestMessages(7, rawA); err != nil {
		t.Fatalf("messages second: %v", err)
	}

	finalizeSlot(t, e, 8, [][]byte{priceMessage(t, b, 200, 1001)})

	res, err := e.GetMessageWithProof([]models.FeedID{a, b}, store.Latest())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.PriceFeeds) != 2 {
		t.Fatalf("expected 2 feeds, got %d", len(res.PriceFeeds))
	}
	if res.PriceFeeds[0].PriceFeed.Price.Price != 100 || res.PriceFeeds[1].Slot != 8 {
		t.Fatalf("unexpected feeds: %+v", res.PriceFeeds)
	}
	if res.PriceFeeds[0].PrevPublishTime != 999 {
		t.Fatalf("prev publish time not carried: %d", res.PriceFeeds[0].PrevPublishTime)
	}

	states, err := e.FetchMessageStates([]Key{{FeedID: a, Type: models.PriceFeedMessageType}}, store.Latest())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	root := rootFor(t, 7, rawA)
	if !merkle.Verify(merkle.Keccak160{}, merkle.Hash(root.Root), states[0].Raw, states[0].Proof.Path) {
		t.Fatalf("stored proof does not verify")
	}
}

func TestUpdateDataSharedWithinSlot(t *testing.T) {
	e := NewEngine(Options{})
	a, b := feedID(1), feedID(2)
	finalizeSlot(t, e, 5, [][]byte{priceMessage(t, a, 1, 10), priceMessage(t, b, 2, 10)})

	res, err := e.GetMessageWithProof([]models.FeedID{a, b}, store.Latest())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.UpdateData) != 1 {
		t.Fatalf("expected one shared blob, got %d", len(res.UpdateData))
	}
	blob, err := wire.DecodeUpdateData(res.UpdateData[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(blob.Updates) != 2 || string(blob.VAA) != string(wrapper(5)) {
		t.Fatalf("unexpected blob: %d updates, vaa %x", len(blob.Updates), blob.VAA)
	}
	for _, f := range res.PriceFeeds {
		single, err := wire.DecodeUpdateData(f.UpdateData)
		if err != nil {
			t.Fatalf("decode single: %v", err)
		}
		if len(single.Updates) != 1 {
			t.Fatalf("per-feed blob should hold one update, got %d", len(single.Updates))
		}
	}
}

func TestUpdateDataSplitAcrossSlots(t *testing.T) {
	e := NewEngine(Options{})
	a, b := feedID(1), feedID(2)
	finalizeSlot(t, e, 12, [][]byte{priceMessage(t, a, 1, 20)})
	finalizeSlot(t, e, 11, [][]byte{priceMessage(t, b, 2, 19)})

	res, err := e.GetMessageWithProof([]models.FeedID{a, b}, store.Latest())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.UpdateData) != 2 {
		t.Fatalf("expected 2 blobs, got %d", len(res.UpdateData))
	}
	first, _ := wire.DecodeUpdateData(res.UpdateData[0])
	if string(first.VAA) != string(wrapper(11)) {
		t.Fatalf("blobs should be ordered by slot")
	}
}

func TestUpdateDataChunking(t *testing.T) {
	states := make([]*MessageState, wire.MaxUpdatesPerBlob+3)
	for i := range states {
		states[i] = &MessageState{Slot: 1, Raw: []byte{byte(i)}, Proof: InclusionProof{Wrapper: wrapper(1)}}
	}
	blobs, err := encodeUpdateData(states)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(blobs) != 2 {
		t.Fatalf("expected 2 blobs, got %d", len(blobs))
	}
}

func TestGetMessageWithProofAllOrNothing(t *testing.T) {
	e := NewEngine(Options{})
	a := feedID(1)
	finalizeSlot(t, e, 3, [][]byte{priceMessage(t, a, 1, 100)})

	_, err := e.GetMessageWithProof([]models.FeedID{a, feedID(9)}, store.Latest())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = e.GetMessageWithProof([]models.FeedID{a}, store.FirstAfter(50))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("time before retained history should be not found, got %v", err)
	}
	if _, err := e.GetMessageWithProof([]models.FeedID{a}, store.AtSlot(3)); err != nil {
		t.Fatalf("at slot: %v", err)
	}
}

func TestInvalidRootIsDroppedOnce(t *testing.T) {
	e := NewEngine(Options{})
	a := feedID(1)
	raw := [][]byte{priceMessage(t, a, 1, 100)}

	if err := e.IngestMessages(4, raw); err != nil {
		t.Fatalf("messages: %v", err)
	}
	bad := models.MerkleRoot{Slot: 4, Root: [20]byte{1}}
	if err := e.IngestRoot(bad, wrapper(4)); !errors.Is(err, pending.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
	if err := e.IngestRoot(rootFor(t, 4, raw), wrapper(4)); err != nil {
		t.Fatalf("late root should be ignored, got %v", err)
	}
	if _, err := e.GetMessageWithProof([]models.FeedID{a}, store.Latest()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("invalid slot must not be stored, got %v", err)
	}
}

func TestEmptyAccumulationIsInvalid(t *testing.T) {
	e := NewEngine(Options{})
	if err := e.IngestRoot(models.MerkleRoot{Slot: 5}, wrapper(5)); err != nil {
		t.Fatalf("root: %v", err)
	}
	if err := e.IngestMessages(5, nil); !errors.Is(err, pending.ErrEmptyAccumulation) {
		t.Fatalf("expected ErrEmptyAccumulation, got %v", err)
	}
}

func TestMalformedMessageKeepsSiblings(t *testing.T) {
	e := NewEngine(Options{})
	a := feedID(1)
	raw := [][]byte{priceMessage(t, a, 1, 100), {0x09, 0x01}}
	finalizeSlot(t, e, 6, raw)

	if _, err := e.GetMessageWithProof([]models.FeedID{a}, store.Latest()); err != nil {
		t.Fatalf("valid sibling should be stored: %v", err)
	}
	if n := len(e.store.Keys()); n != 1 {
		t.Fatalf("expected 1 key, got %d", n)
	}
}

func TestEventsNewAndOutOfOrder(t *testing.T) {
	e := NewEngine(Options{})
	events, unsubscribe := e.Subscribe(8)
	defer unsubscribe()

	finalizeSlot(t, e, 10, [][]byte{priceMessage(t, feedID(1), 1, 100)})
	finalizeSlot(t, e, 9, [][]byte{priceMessage(t, feedID(1), 1, 99)})
	finalizeSlot(t, e, 11, [][]byte{priceMessage(t, feedID(1), 1, 101)})

	want := []Event{{EventNew, 10}, {EventOutOfOrder, 9}, {EventNew, 11}}
	for _, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Fatalf("expected %+v, got %+v", w, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %+v", w)
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	e := NewEngine(Options{})
	events, unsubscribe := e.Subscribe(1)

	finalizeSlot(t, e, 1, [][]byte{priceMessage(t, feedID(1), 1, 100)})
	finalizeSlot(t, e, 2, [][]byte{priceMessage(t, feedID(1), 1, 101)})

	if ev := <-events; ev.Slot != 1 {
		t.Fatalf("expected first event, got %+v", ev)
	}
	unsubscribe()
	unsubscribe()
	if _, ok := <-events; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
}

func TestReadiness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := NewEngine(Options{
		StalenessThreshold: 10 * time.Second,
		MaxSlotLag:         2,
		Now:                func() time.Time { return now },
	})

	if ok, _ := e.IsReady(); ok {
		t.Fatalf("engine without completed slots must not be ready")
	}

	finalizeSlot(t, e, 100, [][]byte{priceMessage(t, feedID(1), 1, 100)})
	if ok, r := e.IsReady(); !ok {
		t.Fatalf("expected ready, got %+v", r)
	}

	if err := e.IngestMessages(110, [][]byte{priceMessage(t, feedID(1), 1, 110)}); err != nil {
		t.Fatalf("messages: %v", err)
	}
	ok, r := e.IsReady()
	if ok || r.NotBehind {
		t.Fatalf("expected lagging engine, got %+v", r)
	}

	finalizeSlot(t, e, 111, [][]byte{priceMessage(t, feedID(1), 1, 111)})
	now = now.Add(11 * time.Second)
	ok, r = e.IsReady()
	if ok || r.CompletedRecently || !r.NotBehind {
		t.Fatalf("expected stale engine, got %+v", r)
	}
}

func TestPruneRemovedKeys(t *testing.T) {
	e := NewEngine(Options{PruneRemovedKeys: true})
	a, b := feedID(1), feedID(2)
	finalizeSlot(t, e, 1, [][]byte{priceMessage(t, a, 1, 100), priceMessage(t, b, 1, 100)})
	finalizeSlot(t, e, 2, [][]byte{priceMessage(t, a, 1, 101)})

	keys := e.AvailableKeys()
	if _, ok := keys[b]; ok || len(keys) != 1 {
		t.Fatalf("feed missing from latest slot should be pruned: %v", keys)
	}

	// An out of order slot never prunes.
	finalizeSlot(t, e, 0, [][]byte{priceMessage(t, b, 1, 99)})
	if len(e.AvailableKeys()) != 2 {
		t.Fatalf("out of order slot should not prune")
	}
}

func TestPruneKeepsKeysWrittenByNewerSlots(t *testing.T) {
	e := NewEngine(Options{PruneRemovedKeys: true})
	a, b := feedID(1), feedID(2)

	// b lands in the store for slot 5 while slot 4, which lacks it, is
	// still being finalized.
	raw := priceMessage(t, b, 1, 105)
	msg, err := wire.ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	state := &MessageState{Key: Key{FeedID: b, Type: models.PriceFeedMessageType}, Slot: 5, Message: msg, Raw: raw}
	e.store.Insert(state.Key, state.Time(), state)

	finalizeSlot(t, e, 4, [][]byte{priceMessage(t, a, 1, 104)})

	keys := e.AvailableKeys()
	if _, ok := keys[b]; !ok {
		t.Fatalf("key written by a newer slot must survive pruning: %v", keys)
	}
	if _, ok := keys[a]; !ok || len(keys) != 2 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestPublisherStakeCaps(t *testing.T) {
	e := NewEngine(Options{})
	caps, err := wire.EncodeMessage(&models.PublisherStakeCapsMessage{
		PublishTime: 100,
		Caps:        []models.PublisherStakeCap{{Publisher: [32]byte{7}, Cap: 42}},
	})
	if err != nil {
		t.Fatalf("encode caps: %v", err)
	}
	finalizeSlot(t, e, 3, [][]byte{caps, priceMessage(t, feedID(1), 1, 100)})

	if _, ok := e.AvailableKeys()[models.PublisherStakeCapsFeedID]; ok {
		t.Fatalf("stake caps pseudo feed must not be listed")
	}
	res, err := e.GetLatestPublisherStakeCapsWithUpdateData(store.Latest())
	if err != nil {
		t.Fatalf("stake caps: %v", err)
	}
	if res.Slot != 3 || len(res.Caps.Caps) != 1 || res.Caps.Caps[0].Cap != 42 || len(res.UpdateData) != 1 {
		t.Fatalf("unexpected stake caps: %+v", res)
	}
}

func envelope(t *testing.T, seq uint64, emitter [32]byte, root models.MerkleRoot) []byte {
	t.Helper()
	return wire.EncodeEnvelope(&wire.Envelope{
		Version:        1,
		Signatures:     []wire.Signature{{Index: 0}},
		EmitterChain:   wire.PythnetChainID,
		EmitterAddress: emitter,
		Sequence:       seq,
		Payload:        wire.EncodeMerkleRoot(root),
	})
}

func TestIngestVAA(t *testing.T) {
	emitter := [32]byte{0xe1}
	e := NewEngine(Options{EmitterAddress: &emitter})
	a := feedID(1)
	raw := [][]byte{priceMessage(t, a, 1, 100)}
	root := rootFor(t, 20, raw)

	if err := e.IngestVAA(envelope(t, 1, [32]byte{0xad}, root)); err != nil {
		t.Fatalf("foreign emitter: %v", err)
	}
	if err := e.IngestMessages(20, raw); err != nil {
		t.Fatalf("messages: %v", err)
	}
	if _, err := e.GetMessageWithProof([]models.FeedID{a}, store.Latest()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign emitter root must be ignored")
	}

	vaa := envelope(t, 2, emitter, root)
	if err := e.IngestVAA(vaa); err != nil {
		t.Fatalf("vaa: %v", err)
	}
	res, err := e.GetMessageWithProof([]models.FeedID{a}, store.Latest())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	blob, _ := wire.DecodeUpdateData(res.UpdateData[0])
	if string(blob.VAA) != string(vaa) {
		t.Fatalf("update data should carry the full envelope")
	}

	if err := e.IngestVAA(envelope(t, 2, emitter, models.MerkleRoot{Slot: 21})); err != nil {
		t.Fatalf("duplicate sequence should be ignored: %v", err)
	}
	if _, ok := e.pending.State(21); ok {
		t.Fatalf("duplicate sequence must not reach the pending map")
	}

	if err := e.IngestVAA([]byte{1, 2}); !errors.Is(err, wire.ErrMalformedMessage) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestIngestAccumulatorFrame(t *testing.T) {
	e := NewEngine(Options{})
	a := feedID(1)
	raw := [][]byte{priceMessage(t, a, 1, 100)}
	frame := wire.EncodeAccumulatorMessages(&models.AccumulatorMessages{
		Magic:       wire.AccumulatorMagic,
		Slot:        30,
		RingSize:    10000,
		RawMessages: raw,
	})
	if err := e.IngestAccumulatorFrame(frame); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := e.IngestRoot(rootFor(t, 30, raw), wrapper(30)); err != nil {
		t.Fatalf("root: %v", err)
	}
	if _, err := e.GetMessageWithProof([]models.FeedID{a}, store.AtSlot(30)); err != nil {
		t.Fatalf("query: %v", err)
	}
	if err := e.IngestAccumulatorFrame([]byte("nope")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestVAASequenceCacheIsBounded(t *testing.T) {
	e := NewEngine(Options{ObservedCacheSize: 2})
	e.seen.claim(5)
	e.seen.claim(3)
	e.seen.claim(9)
	if e.seen.contains(3) {
		t.Fatalf("smallest sequence should be forgotten")
	}
	if !e.seen.contains(5) || !e.seen.contains(9) {
		t.Fatalf("newer sequences should be kept")
	}
}

func TestQuorumVerifier(t *testing.T) {
	v := QuorumVerifier{GuardianSets: map[uint32]int{0: 4}}
	sigs := func(idx ...uint8) []wire.Signature {
		out := make([]wire.Signature, len(idx))
		for i, x := range idx {
			out[i].Index = x
		}
		return out
	}

	if Quorum(19) != 13 || Quorum(4) != 3 {
		t.Fatalf("unexpected quorum sizes")
	}
	if err := v.Verify(&wire.Envelope{Signatures: sigs(0, 1, 3)}); err != nil {
		t.Fatalf("valid envelope: %v", err)
	}
	if err := v.Verify(&wire.Envelope{Signatures: sigs(0, 1)}); !errors.Is(err, ErrNoQuorum) {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
	if err := v.Verify(&wire.Envelope{Signatures: sigs(1, 0, 2)}); !errors.Is(err, ErrSignatureOrder) {
		t.Fatalf("expected ErrSignatureOrder, got %v", err)
	}
	if err := v.Verify(&wire.Envelope{Signatures: sigs(0, 1, 4)}); !errors.Is(err, ErrSignatureOrder) {
		t.Fatalf("index beyond set size should fail, got %v", err)
	}
	if err := v.Verify(&wire.Envelope{GuardianSetIndex: 7, Signatures: sigs(0, 1, 2)}); !errors.Is(err, ErrUnknownGuardianSet) {
		t.Fatalf("expected ErrUnknownGuardianSet, got %v", err)
	}

	bad := errors.New("bad signature")
	v.CheckSignature = func(uint32, [32]byte, wire.Signature) error { return bad }
	if err := v.Verify(&wire.Envelope{Signatures: sigs(0, 1, 2)}); !errors.Is(err, bad) {
		t.Fatalf("signature check error should propagate, got %v", err)
	}
}

func TestVerifierRejectsEnvelope(t *testing.T) {
	e := NewEngine(Options{Verifier: QuorumVerifier{GuardianSets: map[uint32]int{0: 19}}})
	err := e.IngestVAA(envelope(t, 1, [32]byte{}, models.MerkleRoot{Slot: 1}))
	if !errors.Is(err, ErrNoQuorum) {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
	if e.seen.contains(1) {
		t.Fatalf("rejected envelope must not be marked as seen")
	}
}

type countingVerifier struct {
	calls int32
	gate  chan struct{}
}

func (v *countingVerifier) Verify(*wire.Envelope) error {
	atomic.AddInt32(&v.calls, 1)
	<-v.gate
	return nil
}

func TestConcurrentDuplicateEnvelopesVerifiedOnce(t *testing.T) {
	v := &countingVerifier{gate: make(chan struct{})}
	e := NewEngine(Options{Verifier: v})
	raw := [][]byte{priceMessage(t, feedID(1), 1, 100)}
	vaa := envelope(t, 4, [32]byte{}, rootFor(t, 40, raw))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.IngestVAA(vaa)
		}()
	}
	// Duplicates return without waiting on the verifier; release the one
	// claimant once the others are done.
	deadline := time.Now().Add(2 * time.Second)
	for len(errs) < 7 {
		if time.Now().After(deadline) {
			t.Fatalf("duplicates blocked behind the verifier")
		}
		time.Sleep(time.Millisecond)
	}
	close(v.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if n := atomic.LoadInt32(&v.calls); n != 1 {
		t.Fatalf("envelope verified %d times, want 1", n)
	}
	if err := e.IngestMessages(40, raw); err != nil {
		t.Fatalf("messages: %v", err)
	}
	if _, err := e.GetMessageWithProof([]models.FeedID{feedID(1)}, store.AtSlot(40)); err != nil {
		t.Fatalf("root of the verified envelope should finalize the slot: %v", err)
	}
}
