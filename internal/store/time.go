package store

import "fmt"

// Time orders records inside a series: by publish time first, then by slot.
type Time struct {
	PublishTime int64
	Slot        uint64
}

// Compare returns -1, 0 or 1.
func (t Time) Compare(o Time) int {
	switch {
	case t.PublishTime < o.PublishTime:
		return -1
	case t.PublishTime > o.PublishTime:
		return 1
	case t.Slot < o.Slot:
		return -1
	case t.Slot > o.Slot:
		return 1
	default:
		return 0
	}
}

// Before reports whether t sorts strictly before o.
func (t Time) Before(o Time) bool { return t.Compare(o) < 0 }

func (t Time) String() string {
	return fmt.Sprintf("%d@%d", t.PublishTime, t.Slot)
}

type requestKind uint8

const (
	requestLatest requestKind = iota
	requestFirstAfter
	requestAtSlot
	requestLatestTimeEarliestSlot
)

// RequestTime selects which record of a series a lookup returns.
type RequestTime struct {
	kind        requestKind
	publishTime int64
	slot        uint64
}

// Latest selects the newest record.
func Latest() RequestTime { return RequestTime{kind: requestLatest} }

// FirstAfter selects the oldest record published at or after t.
func FirstAfter(t int64) RequestTime { return RequestTime{kind: requestFirstAfter, publishTime: t} }

// AtSlot selects the record produced in slot s.
func AtSlot(s uint64) RequestTime { return RequestTime{kind: requestAtSlot, slot: s} }

// LatestTimeEarliestSlot selects, among the records sharing the newest publish
// time, the one from the lowest slot.
func LatestTimeEarliestSlot() RequestTime { return RequestTime{kind: requestLatestTimeEarliestSlot} }

func (r RequestTime) String() string {
	switch r.kind {
	case requestFirstAfter:
		return fmt.Sprintf("first_after(%d)", r.publishTime)
	case requestAtSlot:
		return fmt.Sprintf("at_slot(%d)", r.slot)
	case requestLatestTimeEarliestSlot:
		return "latest_time_earliest_slot"
	default:
		return "latest"
	}
}
