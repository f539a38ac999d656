package aggregate

import (
	"container/heap"
	"sync"
)

// sequenceSet remembers recently observed envelope sequences. Once it holds
// more than limit sequences the smallest ones are forgotten first.
type sequenceSet struct {
	mu    sync.Mutex
	limit int
	h     seqHeap
}

func newSequenceSet(limit int) *sequenceSet {
	if limit < 1 {
		limit = 1
	}
	return &sequenceSet{limit: limit, h: seqHeap{index: make(map[uint64]int)}}
}

// claim records seq and reports whether the caller is the first to see it.
func (s *sequenceSet) claim(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.h.index[seq]; ok {
		return false
	}
	heap.Push(&s.h, seq)
	for s.h.Len() > s.limit {
		heap.Pop(&s.h)
	}
	return true
}

// release forgets a claimed seq so a later copy of the envelope is
// processed again.
func (s *sequenceSet) release(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.h.index[seq]; ok {
		heap.Remove(&s.h, i)
	}
}

func (s *sequenceSet) contains(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.h.index[seq]
	return ok
}

func (s *sequenceSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}

// seqHeap is a min-heap of sequences that tracks the position of each one.
type seqHeap struct {
	seqs  []uint64
	index map[uint64]int
}

func (h *seqHeap) Len() int           { return len(h.seqs) }
func (h *seqHeap) Less(i, j int) bool { return h.seqs[i] < h.seqs[j] }

func (h *seqHeap) Swap(i, j int) {
	h.seqs[i], h.seqs[j] = h.seqs[j], h.seqs[i]
	h.index[h.seqs[i]] = i
	h.index[h.seqs[j]] = j
}

func (h *seqHeap) Push(x any) {
	seq := x.(uint64)
	h.index[seq] = len(h.seqs)
	h.seqs = append(h.seqs, seq)
}

func (h *seqHeap) Pop() any {
	last := len(h.seqs) - 1
	seq := h.seqs[last]
	h.seqs = h.seqs[:last]
	delete(h.index, seq)
	return seq
}
