// Package store keeps a bounded, time ordered history of values per key.
//
// Every key owns an independent ring guarded by its own lock, so writers and
// readers of different keys never contend.
package store

import (
	"sort"
	"sync"
)

// Record is one entry of a series.
type Record[V any] struct {
	Time  Time
	Value V
}

// series is a fixed capacity ring of records sorted ascending by Time.
type series[V any] struct {
	mu   sync.RWMutex
	buf  []Record[V]
	head int
	n    int
	dead bool // unlinked by Prune; writers must fetch a fresh series
}

func newSeries[V any](capacity int) *series[V] {
	return &series[V]{buf: make([]Record[V], capacity)}
}

func (s *series[V]) at(i int) *Record[V] {
	return &s.buf[(s.head+i)%len(s.buf)]
}

// search returns the first index whose time is >= t.
func (s *series[V]) search(t Time) int {
	return sort.Search(s.n, func(i int) bool {
		return s.at(i).Time.Compare(t) >= 0
	})
}

func (s *series[V]) insert(t Time, v V) {
	if i := s.search(t); i < s.n && s.at(i).Time == t {
		s.at(i).Value = v
		return
	}

	if s.n == len(s.buf) {
		// Full: the record that would be evicted is the smallest of the
		// oldest record and the new one.
		if t.Before(s.at(0).Time) {
			return
		}
		var zero Record[V]
		*s.at(0) = zero
		s.head = (s.head + 1) % len(s.buf)
		s.n--
	}

	// Append at the tail and bubble backwards. Arrivals are nearly sorted so
	// this rarely moves more than one slot.
	i := s.n
	*s.at(i) = Record[V]{Time: t, Value: v}
	s.n++
	for i > 0 && t.Before(s.at(i-1).Time) {
		*s.at(i), *s.at(i - 1) = *s.at(i - 1), *s.at(i)
		i--
	}
}

func (s *series[V]) get(r RequestTime) (Record[V], bool) {
	var none Record[V]
	if s.n == 0 {
		return none, false
	}

	switch r.kind {
	case requestLatest:
		return *s.at(s.n - 1), true

	case requestLatestTimeEarliestSlot:
		last := s.n - 1
		latest := s.at(last).Time.PublishTime
		for last > 0 && s.at(last-1).Time.PublishTime == latest {
			last--
		}
		return *s.at(last), true

	case requestFirstAfter:
		// Older matches may have been evicted, so a time before the
		// retained window has no trustworthy answer.
		if r.publishTime < s.at(0).Time.PublishTime {
			return none, false
		}
		i := s.search(Time{PublishTime: r.publishTime})
		if i == s.n {
			return none, false
		}
		return *s.at(i), true

	case requestAtSlot:
		for i := s.n - 1; i >= 0; i-- {
			if s.at(i).Time.Slot == r.slot {
				return *s.at(i), true
			}
		}
		return none, false
	}
	return none, false
}

// Store maps keys to bounded series.
type Store[K comparable, V any] struct {
	maxSizePerKey int
	series        sync.Map // K -> *series[V]
}

// New returns a store that keeps at most maxSizePerKey records per key.
func New[K comparable, V any](maxSizePerKey int) *Store[K, V] {
	if maxSizePerKey < 1 {
		maxSizePerKey = 1
	}
	return &Store[K, V]{maxSizePerKey: maxSizePerKey}
}

// MaxSizePerKey returns the per key bound.
func (s *Store[K, V]) MaxSizePerKey() int { return s.maxSizePerKey }

func (s *Store[K, V]) load(key K) (*series[V], bool) {
	v, ok := s.series.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*series[V]), true
}

// Insert adds value at time t to the series of key, keeping the series sorted
// and evicting the oldest record when the bound is exceeded. A record with an
// identical time is replaced.
func (s *Store[K, V]) Insert(key K, t Time, value V) {
	for {
		ser, ok := s.load(key)
		if !ok {
			v, _ := s.series.LoadOrStore(key, newSeries[V](s.maxSizePerKey))
			ser = v.(*series[V])
		}
		ser.mu.Lock()
		if ser.dead {
			ser.mu.Unlock()
			continue
		}
		ser.insert(t, value)
		ser.mu.Unlock()
		return
	}
}

// Get looks up the record of key selected by r.
func (s *Store[K, V]) Get(key K, r RequestTime) (Record[V], bool) {
	ser, ok := s.load(key)
	if !ok {
		var none Record[V]
		return none, false
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	return ser.get(r)
}

// Records returns a copy of the series of key, oldest first.
func (s *Store[K, V]) Records(key K) []Record[V] {
	ser, ok := s.load(key)
	if !ok {
		return nil
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	out := make([]Record[V], ser.n)
	for i := range out {
		out[i] = *ser.at(i)
	}
	return out
}

// Len returns the number of records held for key.
func (s *Store[K, V]) Len(key K) int {
	ser, ok := s.load(key)
	if !ok {
		return 0
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	return ser.n
}

// Keys lists every key that has a series.
func (s *Store[K, V]) Keys() []K {
	var keys []K
	s.series.Range(func(k, _ any) bool {
		keys = append(keys, k.(K))
		return true
	})
	return keys
}

// Prune drops every series whose key is rejected by keep and returns how
// many were removed. keep is called under the series lock with the time of
// its newest record, so a record inserted concurrently is either seen by
// keep or lands in a fresh series.
func (s *Store[K, V]) Prune(keep func(key K, latest Time) bool) int {
	removed := 0
	s.series.Range(func(k, v any) bool {
		ser := v.(*series[V])
		ser.mu.Lock()
		defer ser.mu.Unlock()
		var latest Time
		if ser.n > 0 {
			latest = ser.at(ser.n - 1).Time
		}
		if keep(k.(K), latest) {
			return true
		}
		ser.dead = true
		if s.series.CompareAndDelete(k, ser) {
			removed++
		}
		return true
	})
	return removed
}
