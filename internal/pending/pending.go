// Package pending tracks slots whose messages and signed root are still
// arriving, and finalizes each slot exactly once when both halves are known.
package pending

import (
	"errors"
	"fmt"
	"sync"

	"pricerelay/internal/merkle"
	"pricerelay/models"
)

var (
	// ErrInvalidProof means the accumulator built from the slot's messages
	// does not match the signed root.
	ErrInvalidProof = errors.New("accumulator root does not match signed root")
	// ErrEmptyAccumulation means a root was signed for a slot without messages.
	ErrEmptyAccumulation = errors.New("signed root for an empty message set")
)

// State of a slot.
type State uint8

const (
	AwaitingBoth State = iota
	AwaitingProof
	AwaitingMessages
	Finalized
	Invalid
	Evicted
)

func (s State) String() string {
	switch s {
	case AwaitingBoth:
		return "awaiting_both"
	case AwaitingProof:
		return "awaiting_proof"
	case AwaitingMessages:
		return "awaiting_messages"
	case Finalized:
		return "finalized"
	case Invalid:
		return "invalid"
	case Evicted:
		return "evicted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Finalized || s == Invalid || s == Evicted
}

// Proven is a message together with its inclusion path.
type Proven struct {
	Raw  []byte
	Path merkle.Path
}

// Outcome describes what an observation did to its slot.
type Outcome struct {
	Slot  uint64
	State State
	// Duplicate is set when the slot had already reached a terminal state
	// before this observation; nothing was changed.
	Duplicate bool
	// Set when State is Finalized.
	Root     models.MerkleRoot
	Wrapper  []byte
	Messages []Proven
	// Set when State is Invalid.
	Err error
}

type entry struct {
	mu    sync.Mutex
	slot  uint64
	state State

	hasMessages bool
	messages    [][]byte

	hasRoot bool
	root    models.MerkleRoot
	wrapper []byte
}

// Map holds the in-flight slots.
type Map struct {
	hasher     merkle.Hasher
	maxPending int

	mu      sync.Mutex
	entries map[uint64]*entry
	done    *slotSet
}

// NewMap creates a pending map that keeps at most maxPending in-flight slots
// and remembers the last maxCompleted terminal slots.
func NewMap(h merkle.Hasher, maxPending, maxCompleted int) *Map {
	if h == nil {
		h = merkle.Keccak160{}
	}
	if maxPending < 1 {
		maxPending = 1
	}
	if maxCompleted < 1 {
		maxCompleted = 1
	}
	return &Map{
		hasher:     h,
		maxPending: maxPending,
		entries:    make(map[uint64]*entry),
		done:       newSlotSet(maxCompleted),
	}
}

// Len is the number of in-flight slots.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// State returns the state of slot, if it is in flight or remembered.
func (m *Map) State(slot uint64) (State, bool) {
	m.mu.Lock()
	if st, ok := m.done.get(slot); ok {
		m.mu.Unlock()
		return st, true
	}
	e, ok := m.entries[slot]
	m.mu.Unlock()
	if !ok {
		return AwaitingBoth, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// ObserveMessages records the message batch of slot. A later batch for the
// same slot replaces an earlier one.
func (m *Map) ObserveMessages(slot uint64, messages [][]byte) Outcome {
	return m.observe(slot, func(e *entry) {
		e.hasMessages = true
		e.messages = dedupe(messages)
	})
}

// ObserveRoot records the signed root of root.Slot and the wrapper bytes that
// carry its signature. A later root for the same slot replaces an earlier one.
func (m *Map) ObserveRoot(root models.MerkleRoot, wrapper []byte) Outcome {
	return m.observe(root.Slot, func(e *entry) {
		e.hasRoot = true
		e.root = root
		e.wrapper = wrapper
	})
}

func (m *Map) observe(slot uint64, apply func(*entry)) Outcome {
	e, out, ok := m.acquire(slot)
	if !ok {
		return out
	}

	e.mu.Lock()
	if e.state.Terminal() {
		st := e.state
		e.mu.Unlock()
		return Outcome{Slot: slot, State: st, Duplicate: true}
	}
	apply(e)
	out = m.finalize(e)
	e.mu.Unlock()

	if out.State.Terminal() {
		m.complete(e, out.State)
	}
	return out
}

// acquire returns the entry of slot, creating it when needed and evicting
// the oldest slots beyond the size bound.
//
// Lock order is map then entry. Nothing takes the map lock while holding an
// entry lock.
func (m *Map) acquire(slot uint64) (*entry, Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.done.get(slot); ok {
		return nil, Outcome{Slot: slot, State: st, Duplicate: true}, false
	}

	e, ok := m.entries[slot]
	if ok {
		return e, Outcome{}, true
	}
	e = &entry{slot: slot}
	m.entries[slot] = e

	for len(m.entries) > m.maxPending {
		oldest := m.oldestLocked()
		victim := m.entries[oldest]
		delete(m.entries, oldest)
		victim.mu.Lock()
		victim.state = Evicted
		victim.mu.Unlock()
		m.done.add(oldest, Evicted)
	}
	if e.state == Evicted {
		return nil, Outcome{Slot: slot, State: Evicted}, false
	}
	return e, Outcome{}, true
}

func (m *Map) oldestLocked() uint64 {
	first := true
	var oldest uint64
	for s := range m.entries {
		if first || s < oldest {
			oldest = s
			first = false
		}
	}
	return oldest
}

func (m *Map) complete(e *entry, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[e.slot]; ok && cur == e {
		delete(m.entries, e.slot)
	}
	m.done.add(e.slot, st)
}

// finalize runs with e.mu held.
func (m *Map) finalize(e *entry) Outcome {
	out := Outcome{Slot: e.slot}
	switch {
	case !e.hasMessages && !e.hasRoot:
		e.state = AwaitingBoth
	case !e.hasRoot:
		e.state = AwaitingProof
	case !e.hasMessages:
		e.state = AwaitingMessages
	}
	if !e.hasMessages || !e.hasRoot {
		out.State = e.state
		return out
	}

	tree, ok := merkle.FromSet(m.hasher, e.messages)
	if !ok {
		e.state = Invalid
		out.State = Invalid
		out.Err = fmt.Errorf("slot %d: %w", e.slot, ErrEmptyAccumulation)
		return out
	}
	if tree.Root() != merkle.Hash(e.root.Root) {
		e.state = Invalid
		out.State = Invalid
		out.Err = fmt.Errorf("slot %d: computed %x, signed %x: %w", e.slot, tree.Root(), e.root.Root, ErrInvalidProof)
		return out
	}

	proven := make([]Proven, 0, len(e.messages))
	for _, raw := range e.messages {
		path, ok := tree.Prove(raw)
		if !ok {
			e.state = Invalid
			out.State = Invalid
			out.Err = fmt.Errorf("slot %d: message not provable: %w", e.slot, ErrInvalidProof)
			return out
		}
		proven = append(proven, Proven{Raw: raw, Path: path})
	}

	e.state = Finalized
	out.State = Finalized
	out.Root = e.root
	out.Wrapper = e.wrapper
	out.Messages = proven
	// Release the inputs; the entry only lingers until complete runs.
	e.messages = nil
	return out
}

func dedupe(messages [][]byte) [][]byte {
	seen := make(map[string]struct{}, len(messages))
	out := make([][]byte, 0, len(messages))
	for _, m := range messages {
		if _, ok := seen[string(m)]; ok {
			continue
		}
		seen[string(m)] = struct{}{}
		out = append(out, m)
	}
	return out
}
