// Package risk evaluates candidates and live positions against the configured
// thresholds. Every verdict carries a machine-readable reason; the lifecycle
// engine logs rejections and never overrides them.
package risk

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/enhen-x/BasisSentry/internal/config"
	"github.com/enhen-x/BasisSentry/internal/market"
	"github.com/enhen-x/BasisSentry/internal/position"
)

var ErrRejected = errors.New("rejected by risk")

type Reason string

const (
	ReasonOK              Reason = "OK"
	ReasonStaleData       Reason = "STALE_DATA"
	ReasonFundingBelowMin Reason = "FUNDING_BELOW_MIN"
	ReasonDepthTooThin    Reason = "DEPTH_TOO_THIN"
	ReasonSlippageTooHigh Reason = "SLIPPAGE_TOO_HIGH"
	ReasonNotionalCap     Reason = "NOTIONAL_CAP"
	ReasonCapitalCap      Reason = "CAPITAL_CAP"
	ReasonDeltaExceeded   Reason = "DELTA_EXCEEDED"
	ReasonFundingReversed Reason = "FUNDING_REVERSED"
	ReasonHoldingExpired  Reason = "HOLDING_EXPIRED"
	ReasonLossLimit       Reason = "LOSS_LIMIT"
)

// Verdict is transient: produced per evaluation, consumed immediately.
type Verdict struct {
	Approved bool
	Reason   Reason
	Detail   string
}

func approve() Verdict {
	return Verdict{Approved: true, Reason: ReasonOK}
}

func reject(reason Reason, format string, args ...any) Verdict {
	return Verdict{Approved: false, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (v Verdict) Err() error {
	if v.Approved {
		return nil
	}
	return fmt.Errorf("%w: %s (%s)", ErrRejected, v.Reason, v.Detail)
}

// Candidate is a scanner tuple under consideration; it is not yet a position.
type Candidate struct {
	Pair               position.Pair
	Direction          position.Direction
	FundingEdge        float64
	EstimatedLiquidity float64
	Timestamp          time.Time
}

type Controller struct {
	cfg config.RiskConfig
}

func NewController(cfg config.RiskConfig) *Controller {
	return &Controller{cfg: cfg}
}

// EvaluateEntry decides whether a candidate may become a position of the given
// notional, using a fresh snapshot and the ledger's available capital.
func (c *Controller) EvaluateEntry(cand Candidate, snap market.Snapshot, notionalUSD, availableUSD, totalCapitalUSD float64) Verdict {
	if v := c.checkFresh(snap); !v.Approved {
		return v
	}
	edge := math.Abs(snap.FundingRate)
	if edge < c.cfg.MinFundingEdge {
		return reject(ReasonFundingBelowMin, "funding edge %.5f below minimum %.5f", edge, c.cfg.MinFundingEdge)
	}
	if sign(snap.FundingRate) != directionSign(cand.Direction) {
		return reject(ReasonFundingReversed, "funding rate %.5f no longer favors %s", snap.FundingRate, cand.Direction)
	}
	if v := c.checkDepth(snap, notionalUSD); !v.Approved {
		return v
	}
	if v := c.checkSlippage(snap, notionalUSD); !v.Approved {
		return v
	}
	if c.cfg.MaxNotionalUSD > 0 && notionalUSD > c.cfg.MaxNotionalUSD {
		return reject(ReasonNotionalCap, "notional %.2f exceeds cap %.2f", notionalUSD, c.cfg.MaxNotionalUSD)
	}
	if notionalUSD > availableUSD {
		return reject(ReasonCapitalCap, "notional %.2f exceeds available capital %.2f", notionalUSD, availableUSD)
	}
	if c.cfg.MaxCapitalFraction > 0 && totalCapitalUSD > 0 && notionalUSD > totalCapitalUSD*c.cfg.MaxCapitalFraction {
		return reject(ReasonCapitalCap, "notional %.2f exceeds %.0f%% of capital %.2f",
			notionalUSD, c.cfg.MaxCapitalFraction*100, totalCapitalUSD)
	}
	return approve()
}

// EvaluateHold re-checks a hedged position each evaluation cycle. The verdict
// reasons map onto lifecycle events: DELTA_EXCEEDED triggers rebalancing,
// FUNDING_REVERSED and HOLDING_EXPIRED trigger closing.
func (c *Controller) EvaluateHold(pos *position.Position, snap market.Snapshot, maxHolding time.Duration) Verdict {
	if v := c.checkFresh(snap); !v.Approved {
		return v
	}
	if !pos.WithinTolerance(snap.RefPrice(), c.cfg.DeltaToleranceAbs, c.cfg.DeltaToleranceFrac) {
		return reject(ReasonDeltaExceeded, "delta %.2f USD beyond tolerance", pos.DeltaUSD(snap.RefPrice()))
	}
	if c.fundingReversed(pos.Direction, snap.FundingRate) {
		return reject(ReasonFundingReversed, "funding rate %.5f reversed beyond hysteresis %.5f",
			snap.FundingRate, c.cfg.HysteresisBand)
	}
	if maxHolding > 0 && time.Since(pos.OpenedAt) > maxHolding {
		return reject(ReasonHoldingExpired, "held %s beyond maximum %s",
			time.Since(pos.OpenedAt).Truncate(time.Second), maxHolding)
	}
	return approve()
}

func (c *Controller) checkFresh(snap market.Snapshot) Verdict {
	if snap.UpdatedAt.IsZero() {
		return reject(ReasonStaleData, "snapshot missing")
	}
	age := time.Since(snap.UpdatedAt)
	if c.cfg.MaxSnapshotAge > 0 && age > c.cfg.MaxSnapshotAge {
		return reject(ReasonStaleData, "snapshot age %s exceeds %s", age.Truncate(time.Millisecond), c.cfg.MaxSnapshotAge)
	}
	return approve()
}

func (c *Controller) checkDepth(snap market.Snapshot, notionalUSD float64) Verdict {
	required := notionalUSD * c.cfg.DepthMultiplier
	if snap.SpotDepthUSD < required {
		return reject(ReasonDepthTooThin, "spot depth %.2f below required %.2f", snap.SpotDepthUSD, required)
	}
	if snap.PerpDepthUSD < required {
		return reject(ReasonDepthTooThin, "perp depth %.2f below required %.2f", snap.PerpDepthUSD, required)
	}
	return approve()
}

// checkSlippage compares the spread-based round-trip cost estimate against the
// expected payment of one funding window.
func (c *Controller) checkSlippage(snap market.Snapshot, notionalUSD float64) Verdict {
	expected := math.Abs(snap.FundingRate) * notionalUSD
	if expected == 0 {
		return reject(ReasonSlippageTooHigh, "no expected funding payment to cover slippage")
	}
	// Half a spread per leg, paid on entry and exit.
	slippage := snap.SpreadFraction() * notionalUSD
	if slippage > expected*c.cfg.MaxSlippageFraction {
		return reject(ReasonSlippageTooHigh, "slippage estimate %.4f exceeds %.0f%% of expected funding %.4f",
			slippage, c.cfg.MaxSlippageFraction*100, expected)
	}
	return approve()
}

// fundingReversed applies the hysteresis band: the rate must cross zero by
// more than the band before a close is triggered, so noisy readings near zero
// do not thrash positions open and closed.
func (c *Controller) fundingReversed(dir position.Direction, rate float64) bool {
	switch dir {
	case position.LongSpotShortPerp:
		return rate < -c.cfg.HysteresisBand
	case position.ShortSpotLongPerp:
		return rate > c.cfg.HysteresisBand
	}
	return false
}

func directionSign(dir position.Direction) int {
	if dir == position.ShortSpotLongPerp {
		return -1
	}
	return 1
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}
