package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/enhen-x/BasisSentry/internal/alerts"
	"github.com/enhen-x/BasisSentry/internal/position"
)

// recover reloads persisted open positions and resumes each one. Leg
// bookkeeping is reconciled against actual venue exposure first, so a crash
// between order submission and the fill record never leaves phantom or
// missing exposure.
func (e *Engine) recover(ctx context.Context) error {
	open, err := e.deps.Store.OpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range open {
		log := e.deps.Log.With(
			zap.String("position", pos.ID),
			zap.String("pair", pos.Pair.String()),
			zap.String("status", string(pos.Status)))

		if err := e.deps.Coord.ReconcileLeg(ctx, pos, &pos.SpotLeg); err != nil {
			log.Warn("spot leg reconciliation failed", zap.Error(err))
		}
		if err := e.deps.Coord.ReconcileLeg(ctx, pos, &pos.PerpLeg); err != nil {
			log.Warn("perp leg reconciliation failed", zap.Error(err))
		}

		switch pos.Status {
		case position.StatusStuck:
			// Still a human's problem; keep its capital reserved and report
			// it again so it is not forgotten across restarts.
			e.reserveRecovered(pos)
			e.blockPair(pos)
			e.spawnStuckReminder(ctx, pos)
			continue
		case position.StatusOpening:
			e.resumeOpening(ctx, pos, log)
		case position.StatusClosing:
			e.resumeClosing(ctx, pos, log)
		case position.StatusHedged, position.StatusRebalancing:
			e.reserveRecovered(pos)
			log.Info("resuming position")
			e.spawn(ctx, pos, false)
		default:
			log.Warn("unexpected persisted status, skipping")
		}
	}
	e.deps.Log.Info("recovery complete", zap.Int("positions", len(open)))
	return nil
}

// resumeOpening decides what an interrupted open becomes. Matched legs resume
// as HEDGED; anything else is flattened and recorded as a failed open rather
// than re-driving a half-finished protocol with unknown history.
func (e *Engine) resumeOpening(ctx context.Context, pos *position.Position, log *zap.Logger) {
	matched := pos.MatchedQty()
	lagging, mismatched := pos.LaggingLeg(1e-6)
	if matched > 0 && !mismatched {
		pos.Status = position.StatusHedged
		e.reserveRecovered(pos)
		log.Info("interrupted open recovered as hedged", zap.Float64("qty", matched))
		e.spawn(ctx, pos, false)
		return
	}
	if lagging != nil {
		log.Info("interrupted open is one-sided, flattening", zap.String("lagging", lagging.Instrument))
	}
	snap, _, err := e.deps.Cache.Last(pos.Pair)
	if err == nil {
		if cErr := e.deps.Coord.Close(ctx, pos, snap); cErr != nil {
			e.markRecoveredStuck(ctx, pos, cErr.Error())
			return
		}
	} else if pos.SpotLeg.FilledQty > 0 || pos.PerpLeg.FilledQty > 0 {
		e.markRecoveredStuck(ctx, pos, "no market data to flatten interrupted open")
		return
	}
	pos.Status = position.StatusFailedOpen
	pos.FailureReason = "interrupted during open, flattened on restart"
	pos.ClosedAt = time.Now().UTC()
	e.persistRecovered(ctx, pos)
	e.deps.Metrics.FailedOpens.Inc()
	e.deps.Archive.EnqueueClosed(pos, pos.ClosedAt)
	log.Info("interrupted open flattened")
}

// resumeClosing re-drives the close protocol to completion.
func (e *Engine) resumeClosing(ctx context.Context, pos *position.Position, log *zap.Logger) {
	snap, _, err := e.deps.Cache.Last(pos.Pair)
	if err != nil {
		e.markRecoveredStuck(ctx, pos, "no market data to finish close")
		return
	}
	if err := e.deps.Coord.Close(ctx, pos, snap); err != nil {
		e.markRecoveredStuck(ctx, pos, err.Error())
		return
	}
	pos.Status = position.StatusClosed
	pos.ClosedAt = time.Now().UTC()
	e.persistRecovered(ctx, pos)
	e.deps.Metrics.PositionsClosed.Inc()
	e.deps.Archive.EnqueueClosed(pos, pos.ClosedAt)
	log.Info("interrupted close completed")
}

// reserveRecovered re-establishes the capital reservation for a position that
// survived the restart. The persisted notional is authoritative.
func (e *Engine) reserveRecovered(pos *position.Position) {
	if err := e.deps.Ledger.Reserve(pos.ID, pos.TargetNotionalUSD); err != nil {
		e.deps.Log.Warn("recovered position exceeds configured capital",
			zap.String("position", pos.ID), zap.Error(err))
	}
}

func (e *Engine) markRecoveredStuck(ctx context.Context, pos *position.Position, reason string) {
	pos.Status = position.StatusStuck
	pos.FailureReason = reason
	e.reserveRecovered(pos)
	e.blockPair(pos)
	e.persistRecovered(ctx, pos)
	e.deps.Metrics.StuckPositions.Inc()
	e.notifyStuck(ctx, pos, reason)
}

// spawnStuckReminder re-raises the alert for a persisted STUCK position.
func (e *Engine) spawnStuckReminder(ctx context.Context, pos *position.Position) {
	e.notifyStuck(ctx, pos, pos.FailureReason)
}

func (e *Engine) notifyStuck(ctx context.Context, pos *position.Position, reason string) {
	event := alerts.Event{
		Kind:       alerts.EventStuck,
		PositionID: pos.ID,
		Pair:       pos.Pair,
		Detail:     reason,
	}
	if err := e.deps.Notifier.Notify(ctx, event); err != nil {
		e.deps.Log.Warn("alert delivery failed", zap.String("position", pos.ID), zap.Error(err))
	}
}

func (e *Engine) persistRecovered(ctx context.Context, pos *position.Position) {
	if err := e.deps.Store.SavePosition(ctx, pos); err != nil {
		e.deps.Log.Error("position persist failed", zap.String("position", pos.ID), zap.Error(err))
	}
}
