package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/enhen-x/BasisSentry/internal/config"
	"github.com/enhen-x/BasisSentry/internal/gateway"
	"github.com/enhen-x/BasisSentry/internal/market"
	"github.com/enhen-x/BasisSentry/internal/position"
	"github.com/enhen-x/BasisSentry/internal/state"
)

var coordPair = position.Pair{Spot: "SOL", Perp: "SOL-PERP"}

// script describes the fake venue's reaction to the next order on an
// instrument. An empty queue means orders fill in full.
type script struct {
	fillQty float64 // capped at the requested quantity
	err     error
	// lostResponse simulates a submission whose response never arrives:
	// fillQty lands on the venue but PlaceOrder blocks until the caller's
	// deadline expires.
	lostResponse bool
}

type fakeGateway struct {
	mu         sync.Mutex
	seq        int
	scripts    map[string][]script
	alwaysFail map[string]error
	states     map[string]gateway.OrderState
	exposure   map[string]float64
	placed     []gateway.OrderRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		scripts:    make(map[string][]script),
		alwaysFail: make(map[string]error),
		states:     make(map[string]gateway.OrderState),
		exposure:   make(map[string]float64),
	}
}

func (f *fakeGateway) push(instrument string, s script) {
	f.scripts[instrument] = append(f.scripts[instrument], s)
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (string, error) {
	f.mu.Lock()
	if err, ok := f.alwaysFail[req.Instrument]; ok {
		f.mu.Unlock()
		return "", err
	}
	var s script
	if queue := f.scripts[req.Instrument]; len(queue) > 0 {
		s = queue[0]
		f.scripts[req.Instrument] = queue[1:]
	} else {
		s = script{fillQty: req.Qty}
	}
	if s.err != nil {
		f.mu.Unlock()
		return "", s.err
	}
	fill := s.fillQty
	if fill > req.Qty {
		fill = req.Qty
	}
	f.seq++
	id := fmt.Sprintf("ord-%d", f.seq)
	f.placed = append(f.placed, req)
	f.exposure[req.Instrument] += fill * req.Side.Sign()
	status := gateway.OrderFilled
	if fill < req.Qty {
		status = gateway.OrderPartial
	}
	f.states[id] = gateway.OrderState{OrderID: id, Status: status, FilledQty: fill, AvgPrice: req.PriceBound}
	f.mu.Unlock()

	if s.lostResponse {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return id, nil
}

func (f *fakeGateway) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeGateway) OrderStatus(_ context.Context, _ string, orderID string) (gateway.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[orderID]
	if !ok {
		return gateway.OrderState{}, fmt.Errorf("unknown order %s", orderID)
	}
	return st, nil
}

func (f *fakeGateway) Exposure(_ context.Context, instrument string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exposure[instrument], nil
}

func (f *fakeGateway) FundingRates(context.Context) ([]gateway.FundingInfo, error) {
	return nil, nil
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		CorrectionAttempts: 3,
		FillTimeout:        100 * time.Millisecond,
		FillPollInterval:   5 * time.Millisecond,
		PriceBoundBps:      10,
		MatchEpsilon:       1e-6,
	}
}

func coordSnapshot() market.Snapshot {
	return market.Snapshot{
		Pair:      coordPair,
		SpotBid:   99.9,
		SpotAsk:   100.1,
		PerpBid:   100.0,
		PerpAsk:   100.2,
		UpdatedAt: time.Now(),
	}
}

func newTestCoordinator(gw gateway.Gateway) (*Coordinator, *state.Memory) {
	store := state.NewMemory()
	return NewCoordinator(gw, store, testExecConfig(), zap.NewNop(), nil), store
}

func openingPosition(qty float64) *position.Position {
	return position.New(coordPair, position.LongSpotShortPerp, qty*100, qty, 0.0005, "primary")
}

func TestOpenFillsBothLegs(t *testing.T) {
	gw := newFakeGateway()
	coord, store := newTestCoordinator(gw)
	pos := openingPosition(100)

	if err := coord.Open(context.Background(), pos, coordSnapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.SpotLeg.FilledQty != 100 || pos.PerpLeg.FilledQty != 100 {
		t.Fatalf("expected both legs at 100, got spot %v perp %v", pos.SpotLeg.FilledQty, pos.PerpLeg.FilledQty)
	}
	if pos.Corrections != 0 {
		t.Fatalf("expected no corrections, got %d", pos.Corrections)
	}
	// Perp goes first: the spot order must not predate the perp order.
	if gw.placed[0].Instrument != coordPair.Perp {
		t.Fatalf("expected perp leg first, got %s", gw.placed[0].Instrument)
	}
	saved, ok, err := store.Position(context.Background(), pos.ID)
	if err != nil || !ok {
		t.Fatalf("expected persisted position, ok=%v err=%v", ok, err)
	}
	if saved.SpotLeg.FilledQty != 100 {
		t.Fatalf("persisted spot fill %v", saved.SpotLeg.FilledQty)
	}
}

func TestOpenTrimsLeadingLegOnPartialFill(t *testing.T) {
	gw := newFakeGateway()
	gw.push(coordPair.Spot, script{fillQty: 60})
	coord, _ := newTestCoordinator(gw)
	pos := openingPosition(100)

	if err := coord.Open(context.Background(), pos, coordSnapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.SpotLeg.FilledQty != 60 || pos.PerpLeg.FilledQty != 60 {
		t.Fatalf("expected matched 60/60, got spot %v perp %v", pos.SpotLeg.FilledQty, pos.PerpLeg.FilledQty)
	}
	if pos.Corrections == 0 {
		t.Fatal("expected at least one correction")
	}
	if exp := gw.exposure[coordPair.Perp]; exp != -60 {
		t.Fatalf("expected venue perp exposure -60, got %v", exp)
	}
}

func TestOpenTopsUpLaggingLegWhenConfigured(t *testing.T) {
	gw := newFakeGateway()
	gw.push(coordPair.Spot, script{fillQty: 60})
	cfg := testExecConfig()
	cfg.TopUpRemainder = true
	coord := NewCoordinator(gw, state.NewMemory(), cfg, zap.NewNop(), nil)
	pos := openingPosition(100)

	if err := coord.Open(context.Background(), pos, coordSnapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.SpotLeg.FilledQty != 100 || pos.PerpLeg.FilledQty != 100 {
		t.Fatalf("expected topped-up 100/100, got spot %v perp %v", pos.SpotLeg.FilledQty, pos.PerpLeg.FilledQty)
	}
}

func TestOpenFlattensWhenSpotLegNeverFills(t *testing.T) {
	gw := newFakeGateway()
	gw.alwaysFail[coordPair.Spot] = errors.New("venue rejects symbol")
	coord, _ := newTestCoordinator(gw)
	pos := openingPosition(100)

	err := coord.Open(context.Background(), pos, coordSnapshot())
	if !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
	if exp := gw.exposure[coordPair.Perp]; exp != 0 {
		t.Fatalf("expected perp exposure flattened to 0, got %v", exp)
	}
	if pos.MatchedQty() != 0 {
		t.Fatalf("expected no matched quantity, got %v", pos.MatchedQty())
	}
}

func TestOpenFailsWhenPerpLegRejected(t *testing.T) {
	gw := newFakeGateway()
	gw.alwaysFail[coordPair.Perp] = errors.New("insufficient margin")
	coord, _ := newTestCoordinator(gw)
	pos := openingPosition(100)

	err := coord.Open(context.Background(), pos, coordSnapshot())
	if !errors.Is(err, ErrLegSubmission) {
		t.Fatalf("expected ErrLegSubmission, got %v", err)
	}
	if pos.PerpLeg.Status != position.LegFailed {
		t.Fatalf("expected perp leg FAILED, got %s", pos.PerpLeg.Status)
	}
	if len(gw.placed) != 0 {
		t.Fatalf("expected no landed orders, got %d", len(gw.placed))
	}
}

func TestOpenReconcilesLostSpotResponse(t *testing.T) {
	gw := newFakeGateway()
	// The spot order lands for 60 but the response is lost; the coordinator
	// must recover the fill from venue exposure, never submit blind.
	gw.push(coordPair.Spot, script{fillQty: 60, lostResponse: true})
	coord, _ := newTestCoordinator(gw)
	pos := openingPosition(100)

	if err := coord.Open(context.Background(), pos, coordSnapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.SpotLeg.FilledQty != 60 || pos.PerpLeg.FilledQty != 60 {
		t.Fatalf("expected matched 60/60 after reconciliation, got spot %v perp %v",
			pos.SpotLeg.FilledQty, pos.PerpLeg.FilledQty)
	}
	if gw.exposure[coordPair.Spot] != 60 {
		t.Fatalf("expected spot exposure 60, got %v", gw.exposure[coordPair.Spot])
	}
}

func TestOpenResumesInFlightOrderInsteadOfResubmitting(t *testing.T) {
	gw := newFakeGateway()
	coord, store := newTestCoordinator(gw)
	pos := openingPosition(100)

	// A previous run placed the perp submission and died before recording
	// the outcome: the client-order-id mapping still points at the order.
	gw.states["ord-ghost"] = gateway.OrderState{
		OrderID:   "ord-ghost",
		Status:    gateway.OrderFilled,
		FilledQty: 100,
		AvgPrice:  100.2,
	}
	cloid := fmt.Sprintf("%s-%s-1", pos.ID, coordPair.Perp)
	if err := store.Set(context.Background(), orderKey(cloid), "ord-ghost"); err != nil {
		t.Fatalf("seed kv: %v", err)
	}

	if err := coord.Open(context.Background(), pos, coordSnapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, req := range gw.placed {
		if req.Instrument == coordPair.Perp {
			t.Fatalf("expected no duplicate perp submission, got %+v", req)
		}
	}
	if pos.PerpLeg.FilledQty != 100 || pos.PerpLeg.AvgPrice != 100.2 {
		t.Fatalf("expected the in-flight fill recovered, got qty %v price %v",
			pos.PerpLeg.FilledQty, pos.PerpLeg.AvgPrice)
	}
	if pos.SpotLeg.FilledQty != 100 {
		t.Fatalf("expected spot leg filled, got %v", pos.SpotLeg.FilledQty)
	}
	if _, ok, _ := store.Get(context.Background(), orderKey(cloid)); ok {
		t.Fatal("expected the order id mapping cleaned up once recorded")
	}
}

func hedgedCoordPosition(qty float64) *position.Position {
	pos := openingPosition(qty)
	pos.PerpLeg.RecordFill(qty, 100.1)
	pos.SpotLeg.RecordFill(qty, 100.0)
	pos.Status = position.StatusHedged
	return pos
}

func TestCloseUnwindsBothLegs(t *testing.T) {
	gw := newFakeGateway()
	gw.exposure[coordPair.Spot] = 100
	gw.exposure[coordPair.Perp] = -100
	coord, _ := newTestCoordinator(gw)
	pos := hedgedCoordPosition(100)

	if err := coord.Close(context.Background(), pos, coordSnapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.SpotLeg.FilledQty != 0 || pos.PerpLeg.FilledQty != 0 {
		t.Fatalf("expected zero residual, got spot %v perp %v", pos.SpotLeg.FilledQty, pos.PerpLeg.FilledQty)
	}
	if gw.exposure[coordPair.Spot] != 0 || gw.exposure[coordPair.Perp] != 0 {
		t.Fatalf("expected flat venue exposure, got spot %v perp %v",
			gw.exposure[coordPair.Spot], gw.exposure[coordPair.Perp])
	}
	for _, req := range gw.placed {
		if !req.ReduceOnly {
			t.Fatalf("close orders must be reduce-only, got %+v", req)
		}
	}
}

func TestCloseEscalatesToStuckOnResidual(t *testing.T) {
	gw := newFakeGateway()
	gw.alwaysFail[coordPair.Spot] = errors.New("venue outage")
	coord, _ := newTestCoordinator(gw)
	pos := hedgedCoordPosition(100)

	err := coord.Close(context.Background(), pos, coordSnapshot())
	if !errors.Is(err, ErrStuck) {
		t.Fatalf("expected ErrStuck, got %v", err)
	}
	if pos.SpotLeg.FilledQty != 100 {
		t.Fatalf("expected spot residual 100, got %v", pos.SpotLeg.FilledQty)
	}
	if pos.PerpLeg.FilledQty != 0 {
		t.Fatalf("expected perp unwound, got %v", pos.PerpLeg.FilledQty)
	}
}

func TestCloseOnEmptyPositionIsNoop(t *testing.T) {
	gw := newFakeGateway()
	coord, _ := newTestCoordinator(gw)
	pos := openingPosition(100)

	if err := coord.Close(context.Background(), pos, coordSnapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw.placed) != 0 {
		t.Fatalf("expected no orders, got %d", len(gw.placed))
	}
}

func TestRebalanceTopsUpLaggingLeg(t *testing.T) {
	gw := newFakeGateway()
	coord, _ := newTestCoordinator(gw)
	pos := hedgedCoordPosition(100)
	pos.SpotLeg.FilledQty = 60

	if err := coord.Rebalance(context.Background(), pos, coordSnapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.SpotLeg.FilledQty != 100 {
		t.Fatalf("expected spot topped up to 100, got %v", pos.SpotLeg.FilledQty)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("expected exactly one corrective order, got %d", len(gw.placed))
	}
	if gw.placed[0].Instrument != coordPair.Spot || gw.placed[0].Qty != 40 {
		t.Fatalf("expected 40 on the spot leg, got %+v", gw.placed[0])
	}
}

func TestRebalanceBalancedIsNoop(t *testing.T) {
	gw := newFakeGateway()
	coord, _ := newTestCoordinator(gw)
	pos := hedgedCoordPosition(100)

	if err := coord.Rebalance(context.Background(), pos, coordSnapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw.placed) != 0 {
		t.Fatalf("expected no orders on a balanced hedge, got %d", len(gw.placed))
	}
}

func TestReconcileLegOverwritesFromVenue(t *testing.T) {
	gw := newFakeGateway()
	gw.exposure[coordPair.Spot] = 70
	coord, _ := newTestCoordinator(gw)
	pos := openingPosition(100)
	pos.SpotLeg.RecordFill(100, 100)

	if err := coord.ReconcileLeg(context.Background(), pos, &pos.SpotLeg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.SpotLeg.FilledQty != 70 {
		t.Fatalf("expected venue truth 70, got %v", pos.SpotLeg.FilledQty)
	}
	if pos.SpotLeg.Status != position.LegPartial {
		t.Fatalf("expected PARTIALLY_FILLED, got %s", pos.SpotLeg.Status)
	}
}

func TestReconcileLegZeroExposureCancels(t *testing.T) {
	gw := newFakeGateway()
	coord, _ := newTestCoordinator(gw)
	pos := openingPosition(100)
	pos.SpotLeg.RecordFill(50, 100)

	if err := coord.ReconcileLeg(context.Background(), pos, &pos.SpotLeg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.SpotLeg.FilledQty != 0 || pos.SpotLeg.Status != position.LegCancelled {
		t.Fatalf("expected cancelled empty leg, got qty %v status %s",
			pos.SpotLeg.FilledQty, pos.SpotLeg.Status)
	}
}
