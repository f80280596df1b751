package funding

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/enhen-x/BasisSentry/internal/position"
	"github.com/enhen-x/BasisSentry/internal/state"
)

func hedged(qty, price float64, dir position.Direction) *position.Position {
	pos := position.New(position.Pair{Spot: "BTC", Perp: "BTC-PERP"}, dir, qty*price, qty, 0.0005, "primary")
	pos.SpotLeg.RecordFill(qty, price)
	pos.PerpLeg.RecordFill(qty, price)
	pos.Status = position.StatusHedged
	return pos
}

func TestSettleCreditsHedgedNotional(t *testing.T) {
	store := state.NewMemory()
	tr := NewTracker(store, zap.NewNop())
	pos := hedged(0.2, 50000, position.LongSpotShortPerp)
	at := time.Now().UTC()

	income, err := tr.Settle(context.Background(), pos, 0.0005, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 0.05% of 10000 USD notional.
	if math.Abs(income-5) > 1e-9 {
		t.Fatalf("expected 5 USD, got %v", income)
	}
	if math.Abs(pos.FundingCollectedUSD-5) > 1e-9 {
		t.Fatalf("expected running total 5, got %v", pos.FundingCollectedUSD)
	}
	if !pos.LastFundingSettled.Equal(at) {
		t.Fatalf("expected settlement timestamp recorded")
	}
	records, err := store.FundingSince(context.Background(), at.Add(-time.Minute))
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one persisted record, got %d (err %v)", len(records), err)
	}
}

func TestSettleSignFollowsDirection(t *testing.T) {
	tr := NewTracker(state.NewMemory(), zap.NewNop())
	pos := hedged(0.2, 50000, position.ShortSpotLongPerp)

	income, err := tr.Settle(context.Background(), pos, 0.0005, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Positive funding is paid by longs: a long-perp hedge pays it.
	if income >= 0 {
		t.Fatalf("expected negative income for long-perp hedge, got %v", income)
	}
}

func TestSettleSkipsEmptyPosition(t *testing.T) {
	store := state.NewMemory()
	tr := NewTracker(store, zap.NewNop())
	pos := position.New(position.Pair{Spot: "BTC", Perp: "BTC-PERP"}, position.LongSpotShortPerp, 10000, 0.2, 0.0005, "primary")

	income, err := tr.Settle(context.Background(), pos, 0.0005, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if income != 0 {
		t.Fatalf("expected zero income on unfilled position, got %v", income)
	}
	records, _ := store.FundingSince(context.Background(), time.Time{})
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestSummaryAggregatesByPair(t *testing.T) {
	store := state.NewMemory()
	tr := NewTracker(store, zap.NewNop())
	now := time.Now().UTC()
	for _, rec := range []state.FundingRecord{
		{PositionID: "a", Pair: "BTC|BTC-PERP", IncomeUSD: 5, SettledAt: now},
		{PositionID: "a", Pair: "BTC|BTC-PERP", IncomeUSD: 3, SettledAt: now},
		{PositionID: "b", Pair: "ETH|ETH-PERP", IncomeUSD: 2, SettledAt: now},
		{PositionID: "c", Pair: "SOL|SOL-PERP", IncomeUSD: 9, SettledAt: now.Add(-48 * time.Hour)},
	} {
		if err := store.RecordFunding(context.Background(), rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	text, err := tr.Summary(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, "10.0000 USD over 3 settlements") {
		t.Fatalf("unexpected summary: %q", text)
	}
	if !strings.Contains(text, "BTC|BTC-PERP: 8.0000 USD") {
		t.Fatalf("missing per-pair line: %q", text)
	}
	if strings.Contains(text, "SOL") {
		t.Fatalf("stale record leaked into summary: %q", text)
	}
}

func TestSummaryEmptyWindow(t *testing.T) {
	tr := NewTracker(state.NewMemory(), zap.NewNop())
	text, err := tr.Summary(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, "no funding settlements") {
		t.Fatalf("unexpected text: %q", text)
	}
}
