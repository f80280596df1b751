// Package funding records realized funding settlements. Accrual is polled at
// actual settlement boundaries; anything estimated between settlements is
// advisory and never recorded here.
package funding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/enhen-x/BasisSentry/internal/position"
	"github.com/enhen-x/BasisSentry/internal/state"
)

type Tracker struct {
	store state.Store
	log   *zap.Logger
}

func NewTracker(store state.Store, log *zap.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

// Settle credits one funding window to a position: income = rate × hedged
// notional, positive when the hedge direction collects. The record is
// persisted and the position's running total updated.
func (t *Tracker) Settle(ctx context.Context, pos *position.Position, rate float64, settledAt time.Time) (float64, error) {
	notional := pos.HedgedNotionalUSD()
	if notional <= 0 {
		return 0, nil
	}
	income := rate * notional
	if pos.Direction == position.ShortSpotLongPerp {
		income = -income
	}
	rec := state.FundingRecord{
		PositionID:  pos.ID,
		Pair:        pos.Pair.String(),
		Rate:        rate,
		NotionalUSD: notional,
		IncomeUSD:   income,
		SettledAt:   settledAt.UTC(),
	}
	if err := t.store.RecordFunding(ctx, rec); err != nil {
		return 0, err
	}
	pos.FundingCollectedUSD += income
	pos.LastFundingSettled = settledAt.UTC()
	t.log.Info("funding settled",
		zap.String("position", pos.ID),
		zap.String("pair", pos.Pair.String()),
		zap.Float64("rate", rate),
		zap.Float64("income_usd", income))
	return income, nil
}

// Summary aggregates settlements since a cutoff, for the periodic P&L report.
func (t *Tracker) Summary(ctx context.Context, since time.Time) (string, error) {
	records, err := t.store.FundingSince(ctx, since)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "no funding settlements in window", nil
	}
	var total float64
	byPair := make(map[string]float64)
	for _, rec := range records {
		total += rec.IncomeUSD
		byPair[rec.Pair] += rec.IncomeUSD
	}
	out := fmt.Sprintf("funding collected since %s: %.4f USD over %d settlements",
		since.UTC().Format(time.RFC3339), total, len(records))
	for pair, income := range byPair {
		out += fmt.Sprintf("\n  %s: %.4f USD", pair, income)
	}
	return out, nil
}
