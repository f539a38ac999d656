package pending

// slotSet remembers the terminal state of the most recent slots, forgetting
// the oldest insertion first once full. Callers hold Map.mu.
type slotSet struct {
	capacity int
	states   map[uint64]State
	order    []uint64
}

func newSlotSet(capacity int) *slotSet {
	return &slotSet{
		capacity: capacity,
		states:   make(map[uint64]State, capacity),
		order:    make([]uint64, 0, capacity),
	}
}

func (s *slotSet) get(slot uint64) (State, bool) {
	st, ok := s.states[slot]
	return st, ok
}

func (s *slotSet) add(slot uint64, st State) {
	if _, ok := s.states[slot]; ok {
		s.states[slot] = st
		return
	}
	s.states[slot] = st
	s.order = append(s.order, slot)
	for len(s.order) > s.capacity {
		delete(s.states, s.order[0])
		s.order = s.order[1:]
	}
}
