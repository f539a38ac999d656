package aggregate

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"pricerelay/internal/merkle"
	"pricerelay/internal/metrics"
	"pricerelay/internal/pending"
	"pricerelay/internal/store"
	"pricerelay/internal/wire"
	"pricerelay/logger"
	"pricerelay/models"
)

// Options configures an Engine. Zero values fall back to DefaultOptions.
type Options struct {
	Hasher   merkle.Hasher
	Parser   wire.EnvelopeParser
	Verifier Verifier // nil trusts every envelope

	CacheSize         int // records kept per key
	MaxPending        int
	MaxCompleted      int
	ObservedCacheSize int // VAA sequences remembered for dedupe

	StalenessThreshold time.Duration
	MaxSlotLag         uint64
	PruneRemovedKeys   bool

	// When EmitterAddress is set, envelopes from any other emitter are ignored.
	EmitterChain   uint16
	EmitterAddress *[32]byte

	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Hasher:             merkle.Keccak160{},
		Parser:             wire.VAAParser{},
		CacheSize:          1600,
		MaxPending:         512,
		MaxCompleted:       4096,
		ObservedCacheSize:  1000,
		StalenessThreshold: 30 * time.Second,
		MaxSlotLag:         10,
		EmitterChain:       wire.PythnetChainID,
		Now:                time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Hasher == nil {
		o.Hasher = d.Hasher
	}
	if o.Parser == nil {
		o.Parser = d.Parser
	}
	if o.CacheSize <= 0 {
		o.CacheSize = d.CacheSize
	}
	if o.MaxPending <= 0 {
		o.MaxPending = d.MaxPending
	}
	if o.MaxCompleted <= 0 {
		o.MaxCompleted = d.MaxCompleted
	}
	if o.ObservedCacheSize <= 0 {
		o.ObservedCacheSize = d.ObservedCacheSize
	}
	if o.StalenessThreshold <= 0 {
		o.StalenessThreshold = d.StalenessThreshold
	}
	if o.EmitterChain == 0 {
		o.EmitterChain = d.EmitterChain
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Engine is safe for concurrent use by any number of ingesting and querying
// goroutines.
type Engine struct {
	opts    Options
	store   *store.Store[Key, *MessageState]
	pending *pending.Map
	log     *logger.Log

	mu              sync.Mutex
	hasObserved     bool
	latestObserved  uint64
	hasCompleted    bool
	latestCompleted uint64
	lastCompletedAt time.Time
	firstSeen       map[uint64]time.Time

	seen *sequenceSet

	subMu   sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		opts:      opts,
		store:     store.New[Key, *MessageState](opts.CacheSize),
		pending:   pending.NewMap(opts.Hasher, opts.MaxPending, opts.MaxCompleted),
		log:       logger.GetLogger(),
		firstSeen: make(map[uint64]time.Time),
		seen:      newSequenceSet(opts.ObservedCacheSize),
		subs:      make(map[int]chan Event),
	}
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// INGEST //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// IngestMessages records the raw message batch of slot. The returned error
// is informational: the slot has already been dropped when it is non-nil.
func (e *Engine) IngestMessages(slot uint64, raw [][]byte) error {
	e.observe(slot)
	metrics.ObserveUpdate(string(models.FrameAccumulatorMessages), slot)
	return e.handle(e.pending.ObserveMessages(slot, raw))
}

// IngestRoot records the signed root of root.Slot. wrapper is the signed
// envelope that carries it and becomes the proof of every message.
func (e *Engine) IngestRoot(root models.MerkleRoot, wrapper []byte) error {
	e.observe(root.Slot)
	metrics.ObserveUpdate(string(models.FrameVAA), root.Slot)
	return e.handle(e.pending.ObserveRoot(root, wrapper))
}

// IngestAccumulatorFrame decodes an accumulator batch and ingests it.
func (e *Engine) IngestAccumulatorFrame(data []byte) error {
	acc, err := wire.DecodeAccumulatorMessages(data)
	if err != nil {
		return fmt.Errorf("decode accumulator messages: %w", err)
	}
	return e.IngestMessages(acc.Slot, acc.RawMessages)
}

// IngestVAA parses a signed envelope, drops foreign and already seen ones,
// verifies it and ingests the merkle root it carries.
func (e *Engine) IngestVAA(data []byte) error {
	env, err := e.opts.Parser.ParseEnvelope(data)
	if err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}

	log := e.log.WithComponent("aggregate").WithSequence(env.Sequence, env.EmitterChain)

	if !e.fromEmitter(env) {
		log.Debug("ignoring envelope from foreign emitter")
		return nil
	}
	if !e.seen.claim(env.Sequence) {
		log.Debug("ignoring already observed envelope")
		return nil
	}
	if e.opts.Verifier != nil {
		if err := e.opts.Verifier.Verify(env); err != nil {
			e.seen.release(env.Sequence)
			return fmt.Errorf("verify envelope %d: %w", env.Sequence, err)
		}
	}

	root, err := wire.DecodeMerkleRoot(env.Payload)
	if err != nil {
		return fmt.Errorf("decode merkle root of envelope %d: %w", env.Sequence, err)
	}
	return e.IngestRoot(root, data)
}

func (e *Engine) fromEmitter(env *wire.Envelope) bool {
	if e.opts.EmitterAddress == nil {
		return true
	}
	return env.EmitterChain == e.opts.EmitterChain && env.EmitterAddress == *e.opts.EmitterAddress
}

func (e *Engine) observe(slot uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasObserved || slot > e.latestObserved {
		e.latestObserved = slot
		e.hasObserved = true
	}
	if _, ok := e.firstSeen[slot]; !ok {
		e.firstSeen[slot] = e.opts.Now()
	}
}

func (e *Engine) handle(out pending.Outcome) error {
	metrics.SetPendingSlots(e.pending.Len())

	log := e.log.WithComponent("aggregate").WithSlot(out.Slot).WithFields(logger.Fields{
		"state": out.State.String(),
	})

	if out.Duplicate {
		log.Debug("slot already completed, observation ignored")
		return nil
	}

	switch out.State {
	case pending.Finalized:
		e.finalize(out)
	case pending.Invalid:
		e.forget(out.Slot)
		metrics.CompleteSlot("invalid", out.Slot, 0)
		logger.IncrementSlotInvalid()
		log.WithError(out.Err).Warn("dropping slot")
		return out.Err
	case pending.Evicted:
		e.forget(out.Slot)
		metrics.CompleteSlot("evicted", out.Slot, 0)
		log.Warn("slot evicted before completion")
	}
	return nil
}

func (e *Engine) forget(slot uint64) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.firstSeen[slot]
	delete(e.firstSeen, slot)
	if len(e.firstSeen) > 2*e.opts.MaxPending {
		for s := range e.firstSeen {
			if s < slot {
				delete(e.firstSeen, s)
			}
		}
	}
	return t
}

func (e *Engine) finalize(out pending.Outcome) {
	log := e.log.WithComponent("aggregate").WithSlot(out.Slot)

	receivedAt := e.opts.Now().Unix()
	states := make([]*MessageState, 0, len(out.Messages))
	for _, p := range out.Messages {
		msg, err := wire.ParseMessage(p.Raw)
		if err != nil {
			metrics.IncMalformed()
			log.WithError(err).Warn("dropping malformed message")
			continue
		}
		states = append(states, &MessageState{
			Key:        Key{FeedID: msg.Feed(), Type: msg.Type()},
			Slot:       out.Slot,
			Message:    msg,
			Raw:        p.Raw,
			Proof:      InclusionProof{Wrapper: out.Wrapper, Path: p.Path},
			ReceivedAt: receivedAt,
		})
	}

	byType := make(map[models.MessageType]int)
	for _, s := range states {
		e.store.Insert(s.Key, s.Time(), s)
		byType[s.Key.Type]++
	}
	for t, n := range byType {
		metrics.AddStoredMessages(t.String(), n)
	}

	ev, latest := e.complete(out.Slot)
	started := e.forget(out.Slot)
	var latency time.Duration
	if !started.IsZero() {
		latency = e.opts.Now().Sub(started)
	}
	metrics.CompleteSlot("finalized", latest, latency)
	logger.IncrementSlotFinalized(len(states))

	if ev.Kind == EventNew && e.opts.PruneRemovedKeys && len(states) > 0 {
		present := make(map[Key]struct{}, len(states))
		for _, s := range states {
			present[s.Key] = struct{}{}
		}
		// Keys written by a newer slot finalizing concurrently are not ours
		// to judge.
		if n := e.store.Prune(func(k Key, latest store.Time) bool {
			_, ok := present[k]
			return ok || latest.Slot > out.Slot
		}); n > 0 {
			log.WithFields(logger.Fields{"removed_keys": n}).Info("pruned keys missing from latest slot")
		}
	}

	log.WithFields(logger.Fields{
		"messages": len(states),
		"event":    ev.Kind.String(),
		"latency":  latency.String(),
	}).Debug("slot finalized")

	e.publish(ev)
}

// complete advances the completed-slot head and classifies the event.
func (e *Engine) complete(slot uint64) (Event, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := Event{Kind: EventOutOfOrder, Slot: slot}
	if !e.hasCompleted || slot > e.latestCompleted {
		ev.Kind = EventNew
		e.latestCompleted = slot
		e.hasCompleted = true
	}
	e.lastCompletedAt = e.opts.Now()
	return ev, e.latestCompleted
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// EVENTS //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Subscribe registers a listener. Events that do not fit into the buffer are
// dropped for that listener only.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) publish(ev Event) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			metrics.IncEventsDropped()
		}
	}
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// READINESS ////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// IsReady reports whether a slot completed within the staleness threshold and
// the completed head is not lagging the observed head by more than
// MaxSlotLag slots.
func (e *Engine) IsReady() (bool, Readiness) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := Readiness{
		LatestObservedSlot:  e.latestObserved,
		LatestCompletedSlot: e.latestCompleted,
		LastCompletedAt:     e.lastCompletedAt,
	}
	if !e.hasCompleted {
		return false, r
	}
	r.CompletedRecently = e.opts.Now().Sub(e.lastCompletedAt) < e.opts.StalenessThreshold
	r.NotBehind = e.latestObserved <= e.latestCompleted || e.latestObserved-e.latestCompleted <= e.opts.MaxSlotLag
	return r.CompletedRecently && r.NotBehind, r
}

// sameWrapper reports whether two states were proven by the same envelope.
func sameWrapper(a, b *MessageState) bool {
	return a.Slot == b.Slot && bytes.Equal(a.Proof.Wrapper, b.Proof.Wrapper)
}
