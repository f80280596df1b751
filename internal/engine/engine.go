// Package engine owns the position lifecycle. Each live position gets its own
// runner goroutine; the engine serializes intake so at most one position
// exists per instrument pair and the capital ledger never over-commits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/enhen-x/BasisSentry/internal/alerts"
	"github.com/enhen-x/BasisSentry/internal/archive"
	"github.com/enhen-x/BasisSentry/internal/config"
	"github.com/enhen-x/BasisSentry/internal/execution"
	"github.com/enhen-x/BasisSentry/internal/funding"
	"github.com/enhen-x/BasisSentry/internal/market"
	"github.com/enhen-x/BasisSentry/internal/metrics"
	"github.com/enhen-x/BasisSentry/internal/position"
	"github.com/enhen-x/BasisSentry/internal/risk"
	"github.com/enhen-x/BasisSentry/internal/state"
)

// Deps bundles the engine's collaborators.
type Deps struct {
	Risk     *risk.Controller
	Coord    *execution.Coordinator
	Cache    *market.Cache
	Store    state.Store
	Ledger   *position.Ledger
	Tracker  *funding.Tracker
	Archive  *archive.Writer // nil when archiving is disabled
	Notifier alerts.Notifier
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

type Engine struct {
	cfg              config.EngineConfig
	snapshotInterval time.Duration
	deps             Deps

	queue    chan risk.Candidate
	closeAll chan struct{}
	closeOne sync.Once

	mu     sync.Mutex
	active map[string]*runner            // keyed by Pair.String()
	stuck  map[string]*position.Position // pairs blocked by unresolved exposure
	group  *errgroup.Group
}

func New(cfg config.EngineConfig, snapshotInterval time.Duration, deps Deps) *Engine {
	if deps.Notifier == nil {
		deps.Notifier = alerts.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	return &Engine{
		cfg:              cfg,
		snapshotInterval: snapshotInterval,
		deps:             deps,
		queue:            make(chan risk.Candidate, cfg.QueueSize),
		closeAll:         make(chan struct{}),
		active:           make(map[string]*runner),
		stuck:            make(map[string]*position.Position),
	}
}

// Submit offers a candidate to the intake queue without blocking. Scanners
// call this; a full queue just means the candidate waits for the next scan.
func (e *Engine) Submit(cand risk.Candidate) bool {
	select {
	case e.queue <- cand:
		return true
	default:
		return false
	}
}

// CloseAll flips the engine into wind-down: no new entries, and every runner
// closes its position at the next opportunity. Idempotent.
func (e *Engine) CloseAll() {
	e.closeOne.Do(func() { close(e.closeAll) })
}

func (e *Engine) closing() bool {
	select {
	case <-e.closeAll:
		return true
	default:
		return false
	}
}

// Run recovers persisted positions, then consumes the intake queue until the
// context is cancelled. Runner failures are contained: a position that ends
// FAILED_OPEN or STUCK never takes the engine down with it.
func (e *Engine) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	e.mu.Lock()
	e.group = group
	e.mu.Unlock()

	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cand := <-e.queue:
				e.admit(ctx, cand)
			}
		}
	})
	return group.Wait()
}

// admit runs the entry gate for one candidate: capacity, per-pair uniqueness,
// snapshot freshness, the risk entry checks, and a capital reservation. The
// position is persisted in OPENING before the first order goes out.
func (e *Engine) admit(ctx context.Context, cand risk.Candidate) {
	if e.closing() {
		return
	}
	log := e.deps.Log.With(zap.String("pair", cand.Pair.String()))

	e.mu.Lock()
	if _, exists := e.active[cand.Pair.String()]; exists {
		e.mu.Unlock()
		return
	}
	if _, blocked := e.stuck[cand.Pair.String()]; blocked {
		e.mu.Unlock()
		log.Debug("candidate skipped, pair has unresolved stuck position")
		return
	}
	if len(e.active) >= e.cfg.MaxPositions {
		e.mu.Unlock()
		log.Debug("candidate skipped, at position capacity")
		return
	}
	e.mu.Unlock()

	snap, err := e.deps.Cache.Get(cand.Pair)
	if err != nil {
		e.deps.Metrics.RiskRejections.Inc()
		log.Debug("candidate skipped, no usable snapshot", zap.Error(err))
		return
	}

	notional := e.cfg.PositionNotionalUSD
	verdict := e.deps.Risk.EvaluateEntry(cand, snap, notional, e.deps.Ledger.AvailableUSD(), e.cfg.CapitalUSD)
	if !verdict.Approved {
		e.deps.Metrics.RiskRejections.Inc()
		log.Info("entry rejected",
			zap.String("reason", string(verdict.Reason)),
			zap.String("detail", verdict.Detail))
		return
	}

	ref := snap.RefPrice()
	if ref <= 0 {
		log.Warn("candidate skipped, no reference price")
		return
	}
	pos := position.New(cand.Pair, cand.Direction, notional, notional/ref, snap.FundingRate, e.cfg.Venue)
	if err := e.deps.Ledger.Reserve(pos.ID, notional); err != nil {
		e.deps.Metrics.RiskRejections.Inc()
		log.Info("entry rejected, capital ledger", zap.Error(err))
		return
	}
	if err := e.deps.Store.SavePosition(ctx, pos); err != nil {
		e.deps.Ledger.Release(pos.ID)
		log.Error("position persist failed, entry aborted", zap.Error(err))
		return
	}

	e.spawn(ctx, pos, true)
}

// spawn registers a runner for the position and starts its goroutine.
func (e *Engine) spawn(ctx context.Context, pos *position.Position, open bool) {
	r := &runner{
		engine:  e,
		pos:     pos,
		machine: position.NewMachine(pos.Status),
		log: e.deps.Log.With(
			zap.String("position", pos.ID),
			zap.String("pair", pos.Pair.String())),
	}
	e.mu.Lock()
	e.active[pos.Pair.String()] = r
	group := e.group
	e.mu.Unlock()

	group.Go(func() error {
		defer e.release(r)
		r.run(ctx, open)
		return nil
	})
}

// blockPair bars new entries on a pair while a stuck position holds exposure.
func (e *Engine) blockPair(pos *position.Position) {
	e.mu.Lock()
	e.stuck[pos.Pair.String()] = pos
	e.mu.Unlock()
}

func (e *Engine) release(r *runner) {
	e.mu.Lock()
	if e.active[r.pos.Pair.String()] == r {
		delete(e.active, r.pos.Pair.String())
	}
	e.mu.Unlock()
}

// ActivePositions reports a point-in-time view of live positions.
func (e *Engine) ActivePositions() []*position.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*position.Position, 0, len(e.active))
	for _, r := range e.active {
		out = append(out, r.pos)
	}
	return out
}

// runner drives a single position from OPENING to a terminal status.
type runner struct {
	engine      *Engine
	pos         *position.Position
	machine     *position.Machine
	log         *zap.Logger
	nextFunding time.Time
}

func (r *runner) run(ctx context.Context, open bool) {
	if open {
		if !r.open(ctx) {
			return
		}
	}
	r.evalLoop(ctx)
}

// open runs the two-leg open protocol. Any failure lands in FAILED_OPEN with
// the exposure flattened; capital is released either way.
func (r *runner) open(ctx context.Context) bool {
	deps := r.engine.deps
	snap, err := deps.Cache.Get(r.pos.Pair)
	if err != nil {
		r.fail(ctx, fmt.Sprintf("snapshot unavailable at open: %v", err), false)
		return false
	}
	if err := deps.Coord.Open(ctx, r.pos, snap); err != nil {
		if !errors.Is(err, execution.ErrOpenFailed) {
			deps.Metrics.FailedOpens.Inc()
		}
		r.fail(ctx, err.Error(), true)
		return false
	}
	r.transition(ctx, position.EventHedged, "both legs filled")
	deps.Metrics.PositionsOpened.Inc()
	return true
}

func (r *runner) fail(ctx context.Context, reason string, notify bool) {
	deps := r.engine.deps
	r.pos.Status = r.machine.Apply(position.EventOpenExhausted)
	r.pos.FailureReason = reason
	r.pos.ClosedAt = time.Now().UTC()
	deps.Ledger.Release(r.pos.ID)
	r.persist(ctx)
	deps.Archive.EnqueueClosed(r.pos, r.pos.ClosedAt)
	r.log.Error("open failed", zap.String("reason", reason))
	if notify {
		r.notify(ctx, alerts.Event{
			Kind:       alerts.EventFailedOpen,
			PositionID: r.pos.ID,
			Pair:       r.pos.Pair,
			Detail:     reason,
		})
	}
}

// evalLoop is the periodic re-evaluation cycle. Each pass is idempotent: it
// reads the current snapshot, settles any crossed funding window, and reacts
// to exactly one risk verdict.
func (r *runner) evalLoop(ctx context.Context) {
	eval := time.NewTicker(r.engine.cfg.EvalInterval)
	defer eval.Stop()
	observe := time.NewTicker(r.engine.snapshotInterval)
	defer observe.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown leaves the position open; recovery resumes it.
			r.persist(context.WithoutCancel(ctx))
			return
		case <-r.engine.closeAll:
			r.close(ctx, "close-all requested")
			return
		case <-observe.C:
			r.observe()
		case <-eval.C:
			if done := r.evaluate(ctx); done {
				return
			}
		}
	}
}

func (r *runner) evaluate(ctx context.Context) bool {
	deps := r.engine.deps
	snap, err := deps.Cache.Get(r.pos.Pair)
	if err != nil {
		// Stale market data defers all action rather than forcing any.
		r.log.Debug("evaluation deferred", zap.Error(err))
		return false
	}
	r.pos.LastEvaluated = time.Now().UTC()

	r.settleFunding(ctx, snap)

	verdict := deps.Risk.EvaluateHold(r.pos, snap, r.engine.cfg.MaxHoldingTime)
	if verdict.Approved {
		return false
	}
	switch verdict.Reason {
	case risk.ReasonDeltaExceeded:
		return r.rebalance(ctx, snap, verdict.Detail)
	case risk.ReasonFundingReversed, risk.ReasonHoldingExpired:
		r.close(ctx, verdict.Detail)
		return true
	default:
		r.log.Debug("hold check deferred", zap.String("reason", string(verdict.Reason)))
		return false
	}
}

// settleFunding credits each funding window exactly once, keyed on the
// venue's published next-funding timestamp crossing.
func (r *runner) settleFunding(ctx context.Context, snap market.Snapshot) {
	if r.pos.Status != position.StatusHedged {
		return
	}
	deps := r.engine.deps
	now := time.Now().UTC()
	if r.nextFunding.IsZero() {
		r.nextFunding = snap.NextFundingTime
		return
	}
	if now.Before(r.nextFunding) {
		return
	}
	if !snap.NextFundingTime.After(r.nextFunding) {
		// The feed has not rolled past the crossed boundary yet. Settling
		// now would credit the same window again on the next tick.
		return
	}
	income, err := deps.Tracker.Settle(ctx, r.pos, snap.FundingRate, r.nextFunding)
	if err != nil {
		r.log.Warn("funding settlement record failed", zap.Error(err))
		return
	}
	deps.Ledger.RecordPnL(income)
	deps.Metrics.FundingCollected.Add(income)
	r.nextFunding = snap.NextFundingTime
	r.persist(ctx)
}

// rebalance repairs a delta drift. Corrective failures retry on later cycles
// until the position's correction count reaches the shared budget; after that
// the position closes rather than carry unmatched exposure indefinitely.
// Returns true when the runner is finished with the position.
func (r *runner) rebalance(ctx context.Context, snap market.Snapshot, detail string) bool {
	deps := r.engine.deps
	from := r.pos.Status
	r.pos.Status = r.machine.Apply(position.EventDeltaDrift)
	r.persist(ctx)
	r.log.Info("rebalancing", zap.String("detail", detail))

	err := deps.Coord.Rebalance(ctx, r.pos, snap)
	if err != nil {
		if r.pos.Corrections >= deps.Coord.CorrectionBudget() {
			r.log.Warn("correction budget exhausted, closing to shed exposure",
				zap.Int("corrections", r.pos.Corrections), zap.Error(err))
			r.close(ctx, fmt.Sprintf("correction budget exhausted: %v", err))
			return true
		}
		r.log.Warn("rebalance incomplete, will retry next cycle", zap.Error(err))
		return false
	}
	deps.Metrics.Rebalances.Inc()
	r.pos.Status = r.machine.Apply(position.EventRebalanced)
	r.persist(ctx)
	r.notify(ctx, alerts.Event{
		Kind:       alerts.EventTransition,
		PositionID: r.pos.ID,
		Pair:       r.pos.Pair,
		From:       from,
		To:         r.pos.Status,
		Detail:     "rebalanced",
	})
	return false
}

// close unwinds both legs. Realized P&L is marked against the current
// snapshot before the exit orders go out, then settled into the ledger.
func (r *runner) close(ctx context.Context, reason string) {
	deps := r.engine.deps
	from := r.pos.Status
	r.pos.Status = r.machine.Apply(position.EventCloseTrigger)
	r.persist(ctx)
	r.log.Info("closing", zap.String("reason", reason))

	snap, err := deps.Cache.Get(r.pos.Pair)
	if err != nil {
		// A close decision already made is not revisited; fall back to the
		// last known snapshot even if stale.
		snap, _, err = deps.Cache.Last(r.pos.Pair)
		if err != nil {
			r.stuck(ctx, fmt.Sprintf("no market snapshot to close against: %v", err))
			return
		}
	}
	tradePnL := r.markPnL(snap)

	if err := deps.Coord.Close(ctx, r.pos, snap); err != nil {
		r.stuck(ctx, err.Error())
		return
	}

	r.pos.Status = r.machine.Apply(position.EventClosed)
	r.pos.ClosedAt = time.Now().UTC()
	r.pos.RealizedPnLUSD = tradePnL + r.pos.FundingCollectedUSD
	deps.Ledger.RecordPnL(tradePnL)
	deps.Ledger.Release(r.pos.ID)
	deps.Metrics.PositionsClosed.Inc()
	deps.Metrics.RealizedPnL.Add(r.pos.RealizedPnLUSD)
	r.persist(ctx)
	deps.Archive.EnqueueClosed(r.pos, r.pos.ClosedAt)
	r.log.Info("closed",
		zap.String("reason", reason),
		zap.Float64("funding_usd", r.pos.FundingCollectedUSD),
		zap.Float64("realized_pnl_usd", r.pos.RealizedPnLUSD))
	r.notify(ctx, alerts.Event{
		Kind:       alerts.EventTransition,
		PositionID: r.pos.ID,
		Pair:       r.pos.Pair,
		From:       from,
		To:         r.pos.Status,
		Detail:     reason,
	})
}

func (r *runner) stuck(ctx context.Context, reason string) {
	deps := r.engine.deps
	r.pos.Status = r.machine.Apply(position.EventStuck)
	r.pos.FailureReason = reason
	deps.Metrics.StuckPositions.Inc()
	r.engine.blockPair(r.pos)
	// Capital stays reserved: the exposure is still on the venue and a human
	// has to resolve it.
	r.persist(ctx)
	r.log.Error("position stuck", zap.String("reason", reason))
	r.notify(ctx, alerts.Event{
		Kind:       alerts.EventStuck,
		PositionID: r.pos.ID,
		Pair:       r.pos.Pair,
		Detail:     reason,
	})
}

// markPnL values both legs against snapshot mids, entry versus exit. Funding
// is tracked separately by the settlement tracker.
func (r *runner) markPnL(snap market.Snapshot) float64 {
	var pnl float64
	if r.pos.SpotLeg.FilledQty > 0 && r.pos.SpotLeg.AvgPrice > 0 {
		pnl += r.pos.SpotLeg.Side.Sign() * r.pos.SpotLeg.FilledQty * (snap.SpotMid() - r.pos.SpotLeg.AvgPrice)
	}
	if r.pos.PerpLeg.FilledQty > 0 && r.pos.PerpLeg.AvgPrice > 0 {
		pnl += r.pos.PerpLeg.Side.Sign() * r.pos.PerpLeg.FilledQty * (snap.PerpMid() - r.pos.PerpLeg.AvgPrice)
	}
	return pnl
}

func (r *runner) observe() {
	snap, err := r.engine.deps.Cache.Get(r.pos.Pair)
	if err != nil {
		return
	}
	r.engine.deps.Archive.EnqueueSnapshot(archive.Snapshot{
		Time:           time.Now().UTC(),
		PositionID:     r.pos.ID,
		Pair:           r.pos.Pair.String(),
		Status:         string(r.pos.Status),
		SpotQty:        r.pos.SpotLeg.FilledQty,
		PerpQty:        r.pos.PerpLeg.FilledQty,
		SpotMid:        snap.SpotMid(),
		PerpMid:        snap.PerpMid(),
		FundingRate:    snap.FundingRate,
		DeltaUSD:       r.pos.DeltaUSD(snap.RefPrice()),
		NotionalUSD:    r.pos.TargetNotionalUSD,
		FundingUSD:     r.pos.FundingCollectedUSD,
		RealizedPnLUSD: r.pos.RealizedPnLUSD,
	})
}

func (r *runner) transition(ctx context.Context, event position.Event, detail string) {
	from := r.pos.Status
	r.pos.Status = r.machine.Apply(event)
	r.persist(ctx)
	r.notify(ctx, alerts.Event{
		Kind:       alerts.EventTransition,
		PositionID: r.pos.ID,
		Pair:       r.pos.Pair,
		From:       from,
		To:         r.pos.Status,
		Detail:     detail,
	})
}

func (r *runner) persist(ctx context.Context) {
	if err := r.engine.deps.Store.SavePosition(ctx, r.pos); err != nil {
		r.log.Error("position persist failed", zap.Error(err))
	}
}

func (r *runner) notify(ctx context.Context, event alerts.Event) {
	if err := r.engine.deps.Notifier.Notify(ctx, event); err != nil {
		r.log.Warn("alert delivery failed", zap.Error(err))
	}
}
