package models

import (
	"errors"
	"math"
	"testing"
)

func TestParseFeedID(t *testing.T) {
	hexID := "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"
	id, err := ParseFeedID("0x" + hexID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.String() != hexID {
		t.Fatalf("unexpected id: %s", id)
	}
	if _, err := ParseFeedID("abc"); err == nil {
		t.Fatalf("expected error for short id")
	}
	if _, err := ParseFeedID("zz" + hexID[2:]); err == nil {
		t.Fatalf("expected error for non hex id")
	}
}

func TestPriceScaleToExponent(t *testing.T) {
	p := Price{Price: 123456, Conf: 789, Expo: -2, PublishTime: 10}

	up, err := p.ScaleToExponent(0)
	if err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if up.Price != 1234 || up.Conf != 7 || up.Expo != 0 {
		t.Fatalf("unexpected scale up result: %+v", up)
	}

	down, err := p.ScaleToExponent(-5)
	if err != nil {
		t.Fatalf("scale down: %v", err)
	}
	if down.Price != 123456000 || down.Conf != 789000 || down.PublishTime != 10 {
		t.Fatalf("unexpected scale down result: %+v", down)
	}

	big := Price{Price: math.MaxInt64 / 2, Expo: 0}
	if _, err := big.ScaleToExponent(-1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestPriceDecimal(t *testing.T) {
	p := Price{Price: -15050, Conf: 25, Expo: -2}
	if got := p.Decimal().String(); got != "-150.5" {
		t.Fatalf("unexpected decimal: %s", got)
	}
	if got := p.ConfDecimal().String(); got != "0.25" {
		t.Fatalf("unexpected conf decimal: %s", got)
	}
}

func TestRingIndex(t *testing.T) {
	a := AccumulatorMessages{Slot: 1005, RingSize: 100}
	if a.RingIndex() != 5 {
		t.Fatalf("unexpected ring index: %d", a.RingIndex())
	}
}
