// Package execution coordinates the two legs of a hedge as a saga with
// explicit compensating orders. No venue offers cross-instrument atomicity,
// so every protocol here is a bounded multi-step loop that records each
// confirmed order event against the owning leg before returning control.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/enhen-x/BasisSentry/internal/config"
	"github.com/enhen-x/BasisSentry/internal/gateway"
	"github.com/enhen-x/BasisSentry/internal/market"
	"github.com/enhen-x/BasisSentry/internal/metrics"
	"github.com/enhen-x/BasisSentry/internal/position"
	"github.com/enhen-x/BasisSentry/internal/state"
)

type Coordinator struct {
	gw      gateway.Gateway
	store   state.Store
	cfg     config.ExecutionConfig
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(gw gateway.Gateway, store state.Store, cfg config.ExecutionConfig, log *zap.Logger, m *metrics.Metrics) *Coordinator {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Coordinator{gw: gw, store: store, cfg: cfg, log: log, metrics: m}
}

// CorrectionBudget is the bounded attempt limit shared by every corrective
// protocol here; callers use it to decide when retrying stops making sense.
func (c *Coordinator) CorrectionBudget() int {
	return c.cfg.CorrectionAttempts
}

// Open runs the open protocol on a freshly created position: perp leg first
// (the binding constraint), spot leg sized to the perp's actual fill, then a
// bounded correction loop until the legs match within epsilon. On exhaustion
// the position is force-flattened and reported as a failed open.
func (c *Coordinator) Open(ctx context.Context, pos *position.Position, snap market.Snapshot) error {
	perpFilled, err := c.fillLeg(ctx, pos, &pos.PerpLeg, pos.PerpLeg.RequestedQty, snap, false)
	if err != nil {
		pos.PerpLeg.Status = position.LegFailed
		c.persist(ctx, pos)
		return fmt.Errorf("perp leg: %w", err)
	}
	if perpFilled <= 0 {
		pos.PerpLeg.Status = position.LegFailed
		c.persist(ctx, pos)
		return fmt.Errorf("%w: perp leg did not fill", ErrOpenFailed)
	}

	// Leg B is sized to what actually landed on leg A, not the original
	// request: matched-but-smaller beats fully-sized-but-mismatched.
	pos.SpotLeg.RequestedQty = perpFilled
	if _, err := c.fillLeg(ctx, pos, &pos.SpotLeg, perpFilled, snap, false); err != nil {
		if errors.Is(err, ErrUnknownOutcome) {
			if recErr := c.ReconcileLeg(ctx, pos, &pos.SpotLeg); recErr != nil {
				c.persist(ctx, pos)
				return fmt.Errorf("spot leg outcome unknown and unreconciled: %w", recErr)
			}
		}
		c.log.Warn("spot leg failed, correcting", zap.String("position", pos.ID), zap.Error(err))
	}

	if err := c.correctionLoop(ctx, pos, snap); err != nil {
		flattenErr := c.flatten(ctx, pos, snap)
		if flattenErr != nil {
			c.log.Error("force flatten failed during open", zap.String("position", pos.ID), zap.Error(flattenErr))
		}
		c.metrics.FailedOpens.Inc()
		c.persist(ctx, pos)
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	c.persist(ctx, pos)
	return nil
}

// Close runs the mirror protocol: unwind the perp leg first, then the spot
// leg, with the same correction budget. Exhaustion escalates to ErrStuck.
func (c *Coordinator) Close(ctx context.Context, pos *position.Position, snap market.Snapshot) error {
	perpQty := pos.PerpLeg.FilledQty
	spotQty := pos.SpotLeg.FilledQty
	if perpQty <= 0 && spotQty <= 0 {
		return nil
	}

	var firstErr error
	if perpQty > 0 {
		if err := c.reduceLeg(ctx, pos, &pos.PerpLeg, perpQty, snap); err != nil {
			firstErr = err
			c.log.Warn("perp close leg incomplete", zap.String("position", pos.ID), zap.Error(err))
		}
	}
	if spotQty > 0 {
		if err := c.reduceLeg(ctx, pos, &pos.SpotLeg, spotQty, snap); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.log.Warn("spot close leg incomplete", zap.String("position", pos.ID), zap.Error(err))
		}
	}

	for attempt := 0; c.remainingExposure(pos) > c.epsilon() && attempt < c.cfg.CorrectionAttempts; attempt++ {
		c.metrics.CorrectionsIssued.Inc()
		if err := c.closeRemainders(ctx, pos, snap); err != nil {
			c.log.Warn("close correction failed", zap.String("position", pos.ID), zap.Int("attempt", attempt+1), zap.Error(err))
		}
	}
	c.persist(ctx, pos)
	if c.remainingExposure(pos) > c.epsilon() {
		return fmt.Errorf("%w: residual exposure %.8f after %d corrections (last error: %v)",
			ErrStuck, c.remainingExposure(pos), c.cfg.CorrectionAttempts, firstErr)
	}
	return nil
}

// Rebalance issues a corrective order on the lagging leg only, topping it up
// to the leading leg's fill.
func (c *Coordinator) Rebalance(ctx context.Context, pos *position.Position, snap market.Snapshot) error {
	lagging, ok := pos.LaggingLeg(c.epsilon())
	if !ok {
		return nil
	}
	leading := &pos.SpotLeg
	if lagging == &pos.SpotLeg {
		leading = &pos.PerpLeg
	}
	shortfall := leading.FilledQty - lagging.FilledQty
	if shortfall <= c.epsilon() {
		return nil
	}
	pos.Corrections++
	c.metrics.CorrectionsIssued.Inc()
	lagging.RequestedQty = leading.FilledQty
	if _, err := c.fillLeg(ctx, pos, lagging, shortfall, snap, false); err != nil {
		c.persist(ctx, pos)
		return fmt.Errorf("rebalance %s: %w", lagging.Instrument, err)
	}
	c.persist(ctx, pos)
	if _, still := pos.LaggingLeg(c.epsilon()); still {
		return fmt.Errorf("%w: legs still mismatched after rebalance", ErrPartialFillMismatch)
	}
	return nil
}

// correctionLoop reconciles mismatched legs after the initial open attempt.
// The default policy unwinds the overfilled leg toward flat; the alternative
// tops up the lagging one. Both are bounded by the configured attempt budget.
func (c *Coordinator) correctionLoop(ctx context.Context, pos *position.Position, snap market.Snapshot) error {
	for attempt := 0; attempt < c.cfg.CorrectionAttempts; attempt++ {
		mismatch := pos.SpotLeg.FilledQty - pos.PerpLeg.FilledQty
		if math.Abs(mismatch) <= c.epsilon() {
			if pos.MatchedQty() <= 0 {
				return fmt.Errorf("%w: no quantity matched", ErrPartialFillMismatch)
			}
			return nil
		}
		pos.Corrections++
		c.metrics.CorrectionsIssued.Inc()

		var err error
		if c.cfg.TopUpRemainder {
			lagging := &pos.SpotLeg
			if mismatch > 0 {
				lagging = &pos.PerpLeg
			}
			lagging.RequestedQty = lagging.FilledQty + math.Abs(mismatch)
			_, err = c.fillLeg(ctx, pos, lagging, math.Abs(mismatch), snap, false)
		} else {
			leading := &pos.SpotLeg
			if mismatch < 0 {
				leading = &pos.PerpLeg
			}
			err = c.trimLeg(ctx, pos, leading, math.Abs(mismatch), snap)
		}
		if err != nil {
			c.log.Warn("correction attempt failed",
				zap.String("position", pos.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
		c.persist(ctx, pos)
	}
	if math.Abs(pos.SpotLeg.FilledQty-pos.PerpLeg.FilledQty) > c.epsilon() {
		return fmt.Errorf("%w: spot %.8f vs perp %.8f", ErrPartialFillMismatch,
			pos.SpotLeg.FilledQty, pos.PerpLeg.FilledQty)
	}
	if pos.MatchedQty() <= 0 {
		return fmt.Errorf("%w: no quantity matched", ErrPartialFillMismatch)
	}
	return nil
}

// fillLeg submits one bounded order for qty on the leg's own side and waits
// for its fate. Venue rejections are retried with a widened price bound.
// The confirmed fill is folded into the leg and persisted before returning.
func (c *Coordinator) fillLeg(ctx context.Context, pos *position.Position, leg *position.Leg, qty float64, snap market.Snapshot, reduceOnly bool) (float64, error) {
	return c.submitBounded(ctx, pos, leg, leg.Side, qty, snap, reduceOnly, true)
}

// trimLeg reduces an overfilled leg back toward the matched quantity with an
// order on the opposite side. The trimmed amount is subtracted from the leg's
// fill, since the leg's filled quantity tracks net exposure.
func (c *Coordinator) trimLeg(ctx context.Context, pos *position.Position, leg *position.Leg, qty float64, snap market.Snapshot) error {
	filled, err := c.submitBounded(ctx, pos, leg, leg.Side.Opposite(), qty, snap, true, false)
	if filled > 0 {
		leg.FilledQty -= filled
		if leg.FilledQty < 0 {
			leg.FilledQty = 0
		}
		if leg.FilledQty <= c.epsilon() {
			leg.Status = position.LegCancelled
		}
	}
	return err
}

// reduceLeg closes out qty of a leg's exposure during the close protocol.
func (c *Coordinator) reduceLeg(ctx context.Context, pos *position.Position, leg *position.Leg, qty float64, snap market.Snapshot) error {
	filled, err := c.submitBounded(ctx, pos, leg, leg.Side.Opposite(), qty, snap, true, false)
	if filled > 0 {
		leg.FilledQty -= filled
		if leg.FilledQty < 0 {
			leg.FilledQty = 0
		}
	}
	if err != nil {
		return err
	}
	if leg.FilledQty > c.epsilon() {
		return fmt.Errorf("%w: %s residual %.8f", ErrPartialFillMismatch, leg.Instrument, leg.FilledQty)
	}
	leg.Status = position.LegFilled
	return nil
}

func (c *Coordinator) closeRemainders(ctx context.Context, pos *position.Position, snap market.Snapshot) error {
	var firstErr error
	if pos.PerpLeg.FilledQty > c.epsilon() {
		if err := c.reduceLeg(ctx, pos, &pos.PerpLeg, pos.PerpLeg.FilledQty, snap); err != nil {
			firstErr = err
		}
	}
	if pos.SpotLeg.FilledQty > c.epsilon() {
		if err := c.reduceLeg(ctx, pos, &pos.SpotLeg, pos.SpotLeg.FilledQty, snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flatten returns the position to zero exposure after a failed open.
func (c *Coordinator) flatten(ctx context.Context, pos *position.Position, snap market.Snapshot) error {
	err := c.closeRemainders(ctx, pos, snap)
	if err == nil {
		pos.SpotLeg.Status = position.LegCancelled
		pos.PerpLeg.Status = position.LegCancelled
	}
	return err
}

// submitBounded is the single price-bounded order primitive. It retries venue
// rejections with a widened bound, polls the order to completion, reconciles
// unknown outcomes against exchange exposure, and records every confirmed
// event on the leg (recordNet=true folds fills into the leg's running
// average; recordNet=false leaves bookkeeping to the caller, for reducing
// orders).
func (c *Coordinator) submitBounded(ctx context.Context, pos *position.Position, leg *position.Leg, side position.Side, qty float64, snap market.Snapshot, reduceOnly, recordNet bool) (float64, error) {
	if qty <= 0 {
		return 0, nil
	}
	bound := c.priceBound(snap, leg, side, 1)
	if bound <= 0 {
		return 0, fmt.Errorf("%w: no price reference for %s", ErrLegSubmission, leg.Instrument)
	}

	// Client order IDs are deterministic per leg submission. If a prior run
	// placed this submission and died before recording the outcome, the KV
	// mapping resolves the in-flight order instead of sending a duplicate.
	seq := leg.Submissions + 1
	cloid := fmt.Sprintf("%s-%s-%d", pos.ID, leg.Instrument, seq)
	if known, ok := c.lookupOrder(ctx, cloid); ok {
		st, err := c.waitForOrder(ctx, leg.Instrument, known)
		if err != nil {
			return 0, err
		}
		leg.Submissions = seq
		if recordNet && st.FilledQty > 0 {
			leg.RecordFill(st.FilledQty, st.AvgPrice)
		}
		c.forgetOrder(ctx, cloid)
		c.persist(ctx, pos)
		return st.FilledQty, nil
	}

	var orderID string
	var placeErr error
	for attempt := 1; attempt <= c.cfg.CorrectionAttempts; attempt++ {
		req := gateway.OrderRequest{
			Instrument:    leg.Instrument,
			Side:          side,
			Qty:           qty,
			PriceBound:    c.priceBound(snap, leg, side, attempt),
			ReduceOnly:    reduceOnly,
			ClientOrderID: cloid,
		}
		orderID, placeErr = c.placeWithDeadline(ctx, req)
		if placeErr == nil {
			break
		}
		if errors.Is(placeErr, ErrUnknownOutcome) {
			// Never double-submit blindly: resolve the first order's fate
			// from actual exchange state before anything else.
			filled, recErr := c.reconcileByExposure(ctx, leg, side, qty)
			if recErr != nil {
				return 0, fmt.Errorf("%w: reconciliation failed: %v", ErrUnknownOutcome, recErr)
			}
			if recordNet && filled > 0 {
				leg.RecordFill(filled, bound)
				c.persist(ctx, pos)
			}
			return filled, nil
		}
		c.metrics.OrdersFailed.Inc()
		c.log.Warn("order rejected, widening bound",
			zap.String("instrument", leg.Instrument),
			zap.Int("attempt", attempt),
			zap.Error(placeErr))
	}
	if placeErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrLegSubmission, placeErr)
	}

	leg.Submissions = seq
	leg.OrderIDs = append(leg.OrderIDs, orderID)
	c.rememberOrder(ctx, cloid, orderID)
	c.metrics.OrdersPlaced.Inc()
	c.persist(ctx, pos)

	st, err := c.waitForOrder(ctx, leg.Instrument, orderID)
	if err != nil {
		// The KV mapping stays until the outcome is recorded.
		return 0, err
	}
	if recordNet && st.FilledQty > 0 {
		leg.RecordFill(st.FilledQty, st.AvgPrice)
	}
	c.forgetOrder(ctx, cloid)
	c.persist(ctx, pos)
	return st.FilledQty, nil
}

func orderKey(cloid string) string {
	return "order:" + cloid
}

func (c *Coordinator) lookupOrder(ctx context.Context, cloid string) (string, bool) {
	if c.store == nil {
		return "", false
	}
	id, ok, err := c.store.Get(ctx, orderKey(cloid))
	if err != nil {
		c.log.Warn("order id lookup failed", zap.String("cloid", cloid), zap.Error(err))
		return "", false
	}
	return id, ok && id != ""
}

func (c *Coordinator) rememberOrder(ctx context.Context, cloid, orderID string) {
	if c.store == nil {
		return
	}
	if err := c.store.Set(ctx, orderKey(cloid), orderID); err != nil {
		c.log.Warn("order id record failed", zap.String("cloid", cloid), zap.Error(err))
	}
}

func (c *Coordinator) forgetOrder(ctx context.Context, cloid string) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, orderKey(cloid)); err != nil {
		c.log.Warn("order id cleanup failed", zap.String("cloid", cloid), zap.Error(err))
	}
}

func (c *Coordinator) placeWithDeadline(ctx context.Context, req gateway.OrderRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.FillTimeout)
	defer cancel()
	orderID, err := c.gw.PlaceOrder(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return "", fmt.Errorf("%w: place order timed out", ErrUnknownOutcome)
		}
		return "", err
	}
	return orderID, nil
}

// waitForOrder polls the order until it is done or the fill timeout passes.
// A still-open order at timeout is cancelled best-effort and its final state
// queried once more, so the returned fill reflects confirmed exchange state.
func (c *Coordinator) waitForOrder(ctx context.Context, instrument, orderID string) (gateway.OrderState, error) {
	deadline := time.NewTimer(c.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.FillPollInterval)
	defer ticker.Stop()

	var last gateway.OrderState
	for {
		st, err := c.queryStatus(ctx, instrument, orderID)
		if err != nil {
			return last, err
		}
		last = st
		if st.Status.Done() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			c.cancelBestEffort(ctx, instrument, orderID)
			final, err := c.queryStatus(ctx, instrument, orderID)
			if err != nil {
				return last, err
			}
			return final, nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) queryStatus(ctx context.Context, instrument, orderID string) (gateway.OrderState, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.FillTimeout)
	defer cancel()
	st, err := c.gw.OrderStatus(callCtx, instrument, orderID)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return gateway.OrderState{}, fmt.Errorf("%w: status query timed out for %s", ErrUnknownOutcome, orderID)
		}
		return gateway.OrderState{}, err
	}
	return st, nil
}

func (c *Coordinator) cancelBestEffort(ctx context.Context, instrument, orderID string) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.FillTimeout)
	defer cancel()
	if err := c.gw.CancelOrder(callCtx, instrument, orderID); err != nil {
		c.log.Warn("cancel failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// reconcileByExposure infers how much of a timed-out submission actually
// landed by comparing the venue's reported exposure against the leg's own
// bookkeeping.
func (c *Coordinator) reconcileByExposure(ctx context.Context, leg *position.Leg, side position.Side, qty float64) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.FillTimeout)
	defer cancel()
	actual, err := c.gw.Exposure(callCtx, leg.Instrument)
	if err != nil {
		return 0, err
	}
	expected := leg.SignedQty()
	diff := (actual - expected) * side.Sign()
	if diff <= c.epsilon() {
		return 0, nil
	}
	if diff > qty {
		diff = qty
	}
	return diff, nil
}

// ReconcileLeg overwrites a leg's bookkeeping with the venue's reported
// exposure. Used whenever an outcome is unknown, after gateway timeouts and
// during restart recovery, so decisions are made from exchange reality rather
// than persisted intent.
func (c *Coordinator) ReconcileLeg(ctx context.Context, pos *position.Position, leg *position.Leg) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.FillTimeout)
	defer cancel()
	actual, err := c.gw.Exposure(callCtx, leg.Instrument)
	if err != nil {
		return err
	}
	filled := actual * leg.Side.Sign()
	if filled < 0 {
		filled = 0
	}
	leg.FilledQty = filled
	switch {
	case filled <= c.epsilon():
		if leg.Status != position.LegFailed {
			leg.Status = position.LegCancelled
		}
		leg.FilledQty = 0
	case filled+c.epsilon() >= leg.RequestedQty:
		leg.Status = position.LegFilled
	default:
		leg.Status = position.LegPartial
	}
	c.persist(ctx, pos)
	return nil
}

func (c *Coordinator) remainingExposure(pos *position.Position) float64 {
	return math.Abs(pos.SpotLeg.FilledQty) + math.Abs(pos.PerpLeg.FilledQty)
}

// priceBound derives the marketable limit for an order from the snapshot:
// cross the spread and concede the configured bps, widened linearly per
// submission attempt.
func (c *Coordinator) priceBound(snap market.Snapshot, leg *position.Leg, side position.Side, attempt int) float64 {
	var bid, ask float64
	if leg.Instrument == snap.Pair.Perp {
		bid, ask = snap.PerpBid, snap.PerpAsk
	} else {
		bid, ask = snap.SpotBid, snap.SpotAsk
	}
	concession := c.cfg.PriceBoundBps / 10000 * float64(attempt)
	if side == position.Buy {
		if ask <= 0 {
			return 0
		}
		return ask * (1 + concession)
	}
	if bid <= 0 {
		return 0
	}
	return bid * (1 - concession)
}

func (c *Coordinator) epsilon() float64 {
	return c.cfg.MatchEpsilon
}

func (c *Coordinator) persist(ctx context.Context, pos *position.Position) {
	if c.store == nil {
		return
	}
	if err := c.store.SavePosition(ctx, pos); err != nil {
		c.log.Error("persist position failed", zap.String("position", pos.ID), zap.Error(err))
	}
}
