package market

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/enhen-x/BasisSentry/internal/position"
)

var (
	ErrNoSnapshot = errors.New("no snapshot for pair")
	ErrStale      = errors.New("snapshot is stale")
)

// Snapshot is one coherent view of both books and the funding state of a pair.
// It is written whole or not at all, so readers never evaluate a torn view.
type Snapshot struct {
	Pair            position.Pair
	SpotBid         float64
	SpotAsk         float64
	PerpBid         float64
	PerpAsk         float64
	SpotDepthUSD    float64
	PerpDepthUSD    float64
	FundingRate     float64
	PredictedRate   float64
	NextFundingTime time.Time
	UpdatedAt       time.Time
}

func (s Snapshot) SpotMid() float64 {
	return mid(s.SpotBid, s.SpotAsk)
}

func (s Snapshot) PerpMid() float64 {
	return mid(s.PerpBid, s.PerpAsk)
}

// RefPrice is the price used for notional and delta conversions: perp mid,
// falling back to spot mid when the perp book is one-sided.
func (s Snapshot) RefPrice() float64 {
	if p := s.PerpMid(); p > 0 {
		return p
	}
	return s.SpotMid()
}

// SpreadFraction is the worse of the two relative spreads, the basis of the
// slippage estimate.
func (s Snapshot) SpreadFraction() float64 {
	spot := spreadFraction(s.SpotBid, s.SpotAsk)
	perp := spreadFraction(s.PerpBid, s.PerpAsk)
	if spot > perp {
		return spot
	}
	return perp
}

func mid(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}

func spreadFraction(bid, ask float64) float64 {
	m := mid(bid, ask)
	if m == 0 {
		return 0
	}
	return (ask - bid) / m
}

// Cache holds the latest snapshot per pair. Entries are overwritten
// atomically; reads past the staleness threshold report ErrStale so callers
// treat the pair as unknown rather than act on expired prices.
type Cache struct {
	mu     sync.RWMutex
	maxAge time.Duration
	byPair map[string]Snapshot
	now    func() time.Time
}

func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		maxAge: maxAge,
		byPair: make(map[string]Snapshot),
		now:    time.Now,
	}
}

func (c *Cache) Put(snap Snapshot) {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = c.now().UTC()
	}
	c.mu.Lock()
	c.byPair[snap.Pair.String()] = snap
	c.mu.Unlock()
}

func (c *Cache) Get(pair position.Pair) (Snapshot, error) {
	c.mu.RLock()
	snap, ok := c.byPair[pair.String()]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, pair)
	}
	if c.maxAge > 0 && c.now().Sub(snap.UpdatedAt) > c.maxAge {
		return Snapshot{}, fmt.Errorf("%w: %s age %s", ErrStale, pair, c.now().Sub(snap.UpdatedAt).Truncate(time.Millisecond))
	}
	return snap, nil
}

// Last returns the pair's snapshot regardless of age, with the age, for
// callers that prefer stale prices over none (close paths, diagnostics).
func (c *Cache) Last(pair position.Pair) (Snapshot, time.Duration, error) {
	c.mu.RLock()
	snap, ok := c.byPair[pair.String()]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, 0, fmt.Errorf("%w: %s", ErrNoSnapshot, pair)
	}
	return snap, c.now().Sub(snap.UpdatedAt), nil
}

// Age returns how old the pair's snapshot is, for connectivity monitoring.
func (c *Cache) Age(pair position.Pair) (time.Duration, bool) {
	c.mu.RLock()
	snap, ok := c.byPair[pair.String()]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return c.now().Sub(snap.UpdatedAt), true
}
