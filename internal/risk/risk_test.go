package risk

import (
	"testing"
	"time"

	"github.com/enhen-x/BasisSentry/internal/config"
	"github.com/enhen-x/BasisSentry/internal/market"
	"github.com/enhen-x/BasisSentry/internal/position"
)

var riskPair = position.Pair{Spot: "BTC", Perp: "BTC-PERP"}

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		MinFundingEdge:      0.0003,
		MaxNotionalUSD:      50000,
		MaxCapitalFraction:  0.5,
		DepthMultiplier:     3,
		MaxSlippageFraction: 0.5,
		DeltaToleranceAbs:   50,
		DeltaToleranceFrac:  0.02,
		HysteresisBand:      0.0001,
		MaxSnapshotAge:      5 * time.Second,
	}
}

func goodSnapshot() market.Snapshot {
	return market.Snapshot{
		Pair:         riskPair,
		SpotBid:      49999,
		SpotAsk:      50001,
		PerpBid:      50049,
		PerpAsk:      50051,
		SpotDepthUSD: 500000,
		PerpDepthUSD: 500000,
		FundingRate:  0.0005,
		UpdatedAt:    time.Now(),
	}
}

func candidate(dir position.Direction, edge float64) Candidate {
	return Candidate{Pair: riskPair, Direction: dir, FundingEdge: edge, Timestamp: time.Now()}
}

func TestEntryApprovedOnHealthyEdge(t *testing.T) {
	c := NewController(testConfig())
	v := c.EvaluateEntry(candidate(position.LongSpotShortPerp, 0.0005), goodSnapshot(), 10000, 100000, 200000)
	if !v.Approved {
		t.Fatalf("expected approval, got %s (%s)", v.Reason, v.Detail)
	}
	if v.Err() != nil {
		t.Fatalf("approved verdict must carry no error, got %v", v.Err())
	}
}

func TestEntryRejectedBelowMinimumEdge(t *testing.T) {
	c := NewController(testConfig())
	snap := goodSnapshot()
	snap.FundingRate = 0.0001
	v := c.EvaluateEntry(candidate(position.LongSpotShortPerp, 0.0001), snap, 10000, 100000, 200000)
	if v.Approved || v.Reason != ReasonFundingBelowMin {
		t.Fatalf("expected FUNDING_BELOW_MIN, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func TestEntryRejectedOnStaleSnapshot(t *testing.T) {
	c := NewController(testConfig())
	snap := goodSnapshot()
	snap.UpdatedAt = time.Now().Add(-10 * time.Second)
	v := c.EvaluateEntry(candidate(position.LongSpotShortPerp, 0.0005), snap, 10000, 100000, 200000)
	if v.Approved || v.Reason != ReasonStaleData {
		t.Fatalf("expected STALE_DATA, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func TestEntryRejectedWhenRateFlippedSinceScan(t *testing.T) {
	c := NewController(testConfig())
	snap := goodSnapshot()
	snap.FundingRate = -0.0005
	v := c.EvaluateEntry(candidate(position.LongSpotShortPerp, 0.0005), snap, 10000, 100000, 200000)
	if v.Approved || v.Reason != ReasonFundingReversed {
		t.Fatalf("expected FUNDING_REVERSED, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func TestEntryRejectedOnThinDepth(t *testing.T) {
	c := NewController(testConfig())
	snap := goodSnapshot()
	snap.PerpDepthUSD = 20000 // below 3x of 10000
	v := c.EvaluateEntry(candidate(position.LongSpotShortPerp, 0.0005), snap, 10000, 100000, 200000)
	if v.Approved || v.Reason != ReasonDepthTooThin {
		t.Fatalf("expected DEPTH_TOO_THIN, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func TestEntryRejectedOnSlippage(t *testing.T) {
	c := NewController(testConfig())
	snap := goodSnapshot()
	// Widen the perp spread until the round trip costs more than half a
	// funding window.
	snap.PerpBid, snap.PerpAsk = 49900, 50200
	v := c.EvaluateEntry(candidate(position.LongSpotShortPerp, 0.0005), snap, 10000, 100000, 200000)
	if v.Approved || v.Reason != ReasonSlippageTooHigh {
		t.Fatalf("expected SLIPPAGE_TOO_HIGH, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func TestEntryRejectedOverNotionalCap(t *testing.T) {
	c := NewController(testConfig())
	snap := goodSnapshot()
	snap.SpotDepthUSD, snap.PerpDepthUSD = 1e9, 1e9
	v := c.EvaluateEntry(candidate(position.LongSpotShortPerp, 0.0005), snap, 60000, 1e6, 1e6)
	if v.Approved || v.Reason != ReasonNotionalCap {
		t.Fatalf("expected NOTIONAL_CAP, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func TestEntryRejectedOverAvailableCapital(t *testing.T) {
	c := NewController(testConfig())
	v := c.EvaluateEntry(candidate(position.LongSpotShortPerp, 0.0005), goodSnapshot(), 10000, 5000, 200000)
	if v.Approved || v.Reason != ReasonCapitalCap {
		t.Fatalf("expected CAPITAL_CAP, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func TestEntryRejectedOverCapitalFraction(t *testing.T) {
	c := NewController(testConfig())
	v := c.EvaluateEntry(candidate(position.LongSpotShortPerp, 0.0005), goodSnapshot(), 10000, 100000, 15000)
	if v.Approved || v.Reason != ReasonCapitalCap {
		t.Fatalf("expected CAPITAL_CAP, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func hedgedPosition() *position.Position {
	pos := position.New(riskPair, position.LongSpotShortPerp, 10000, 0.2, 0.0005, "primary")
	pos.SpotLeg.RecordFill(0.2, 50000)
	pos.PerpLeg.RecordFill(0.2, 50050)
	pos.Status = position.StatusHedged
	return pos
}

func TestHoldApprovedWhileEdgeHolds(t *testing.T) {
	c := NewController(testConfig())
	v := c.EvaluateHold(hedgedPosition(), goodSnapshot(), time.Hour)
	if !v.Approved {
		t.Fatalf("expected approval, got %s (%s)", v.Reason, v.Detail)
	}
}

func TestHoldSurvivesRateInsideHysteresisBand(t *testing.T) {
	c := NewController(testConfig())
	snap := goodSnapshot()
	snap.FundingRate = -0.00005 // negative, but inside the 0.0001 band
	v := c.EvaluateHold(hedgedPosition(), snap, time.Hour)
	if !v.Approved {
		t.Fatalf("rate inside hysteresis band must not close, got %s", v.Reason)
	}
}

func TestHoldClosesOnReversedRate(t *testing.T) {
	c := NewController(testConfig())
	snap := goodSnapshot()
	snap.FundingRate = -0.0005
	v := c.EvaluateHold(hedgedPosition(), snap, time.Hour)
	if v.Approved || v.Reason != ReasonFundingReversed {
		t.Fatalf("expected FUNDING_REVERSED, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func TestHoldFlagsDeltaDrift(t *testing.T) {
	c := NewController(testConfig())
	pos := hedgedPosition()
	pos.SpotLeg.FilledQty = 0.3 // 0.1 BTC unhedged, ~5000 USD
	v := c.EvaluateHold(pos, goodSnapshot(), time.Hour)
	if v.Approved || v.Reason != ReasonDeltaExceeded {
		t.Fatalf("expected DELTA_EXCEEDED, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func TestHoldExpiresAfterMaxHolding(t *testing.T) {
	c := NewController(testConfig())
	pos := hedgedPosition()
	pos.OpenedAt = time.Now().Add(-2 * time.Hour)
	v := c.EvaluateHold(pos, goodSnapshot(), time.Hour)
	if v.Approved || v.Reason != ReasonHoldingExpired {
		t.Fatalf("expected HOLDING_EXPIRED, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}

func TestHoldDefersOnStaleSnapshot(t *testing.T) {
	c := NewController(testConfig())
	snap := goodSnapshot()
	snap.UpdatedAt = time.Now().Add(-time.Minute)
	snap.FundingRate = -0.01 // would trigger a close if the data were trusted
	v := c.EvaluateHold(hedgedPosition(), snap, time.Hour)
	if v.Approved || v.Reason != ReasonStaleData {
		t.Fatalf("expected STALE_DATA, got approved=%v reason=%s", v.Approved, v.Reason)
	}
}
