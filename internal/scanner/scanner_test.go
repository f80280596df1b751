package scanner

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/enhen-x/BasisSentry/internal/config"
	"github.com/enhen-x/BasisSentry/internal/gateway"
	"github.com/enhen-x/BasisSentry/internal/position"
)

func testScanner(cfg config.ScannerConfig) *Scanner {
	pairs := []position.Pair{
		{Spot: "BTC", Perp: "BTC-PERP"},
		{Spot: "ETH", Perp: "ETH-PERP"},
		{Spot: "SOL", Perp: "SOL-PERP"},
	}
	return New(cfg, 0.0003, nil, nil, pairs, zap.NewNop())
}

func TestRankFiltersAndSorts(t *testing.T) {
	s := testScanner(config.ScannerConfig{MinVolumeUSD: 100000})
	rates := []gateway.FundingInfo{
		{Instrument: "BTC-PERP", Rate: 0.0004, Volume24hUSD: 5e6},
		{Instrument: "ETH-PERP", Rate: 0.0009, Volume24hUSD: 5e6},
		{Instrument: "SOL-PERP", Rate: 0.0001, Volume24hUSD: 5e6}, // below edge
		{Instrument: "DOGE-PERP", Rate: 0.01, Volume24hUSD: 5e6},  // not configured
	}
	out := s.rank(rates, time.Now())
	if len(out) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(out))
	}
	if out[0].Pair.Perp != "ETH-PERP" || out[1].Pair.Perp != "BTC-PERP" {
		t.Fatalf("expected best edge first, got %s then %s", out[0].Pair.Perp, out[1].Pair.Perp)
	}
}

func TestRankNegativeRatePicksShortSpotDirection(t *testing.T) {
	s := testScanner(config.ScannerConfig{})
	out := s.rank([]gateway.FundingInfo{
		{Instrument: "BTC-PERP", Rate: -0.0006, Volume24hUSD: 5e6},
	}, time.Now())
	if len(out) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(out))
	}
	if out[0].Direction != position.ShortSpotLongPerp {
		t.Fatalf("negative funding must short spot, got %s", out[0].Direction)
	}
	if out[0].FundingEdge != 0.0006 {
		t.Fatalf("edge must be absolute, got %v", out[0].FundingEdge)
	}
}

func TestRankVolumeWindow(t *testing.T) {
	s := testScanner(config.ScannerConfig{MinVolumeUSD: 100000, MaxVolumeUSD: 1e6})
	out := s.rank([]gateway.FundingInfo{
		{Instrument: "BTC-PERP", Rate: 0.0005, Volume24hUSD: 50000},  // too thin
		{Instrument: "ETH-PERP", Rate: 0.0005, Volume24hUSD: 5e6},    // too crowded
		{Instrument: "SOL-PERP", Rate: 0.0005, Volume24hUSD: 500000}, // in window
	}, time.Now())
	if len(out) != 1 || out[0].Pair.Perp != "SOL-PERP" {
		t.Fatalf("expected only the in-window pair, got %+v", out)
	}
}
