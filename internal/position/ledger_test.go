package position

import (
	"errors"
	"testing"
)

func TestLedgerReserveAndRelease(t *testing.T) {
	l := NewLedger(10000, 0, 0)
	if err := l.Reserve("a", 6000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.AvailableUSD(); got != 4000 {
		t.Fatalf("expected 4000 available, got %v", got)
	}
	if err := l.Reserve("b", 5000); !errors.Is(err, ErrInsufficientCapital) {
		t.Fatalf("expected ErrInsufficientCapital, got %v", err)
	}
	l.Release("a")
	if got := l.AvailableUSD(); got != 10000 {
		t.Fatalf("expected full pool after release, got %v", got)
	}
	if err := l.Reserve("b", 5000); err != nil {
		t.Fatalf("unexpected error after release: %v", err)
	}
}

func TestLedgerDoubleReserveRejected(t *testing.T) {
	l := NewLedger(10000, 0, 0)
	if err := l.Reserve("a", 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Reserve("a", 1000); err == nil {
		t.Fatal("expected error for duplicate reservation")
	}
}

func TestLedgerReleaseUnknownIsNoop(t *testing.T) {
	l := NewLedger(10000, 0, 0)
	l.Release("missing")
	if got := l.AvailableUSD(); got != 10000 {
		t.Fatalf("expected 10000 available, got %v", got)
	}
}

func TestLedgerDailyLossLimit(t *testing.T) {
	l := NewLedger(10000, 100, 0)
	l.RecordPnL(-150)
	if err := l.Reserve("a", 1000); !errors.Is(err, ErrDailyLossLimit) {
		t.Fatalf("expected ErrDailyLossLimit, got %v", err)
	}
}

func TestLedgerTotalLossLimit(t *testing.T) {
	l := NewLedger(10000, 0, 200)
	l.RecordPnL(-250)
	if err := l.Reserve("a", 1000); !errors.Is(err, ErrTotalLossLimit) {
		t.Fatalf("expected ErrTotalLossLimit, got %v", err)
	}
}

func TestLedgerProfitsOffsetPool(t *testing.T) {
	l := NewLedger(10000, 0, 0)
	l.RecordPnL(500)
	if got := l.AvailableUSD(); got != 10500 {
		t.Fatalf("expected compounded pool 10500, got %v", got)
	}
	// Gains do not reduce accumulated loss counters.
	l2 := NewLedger(10000, 100, 0)
	l2.RecordPnL(-150)
	l2.RecordPnL(500)
	if err := l2.Reserve("a", 1000); !errors.Is(err, ErrDailyLossLimit) {
		t.Fatalf("expected daily limit to stay tripped, got %v", err)
	}
}
