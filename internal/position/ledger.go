package position

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInsufficientCapital = errors.New("insufficient available capital")
	ErrDailyLossLimit      = errors.New("daily loss limit reached")
	ErrTotalLossLimit      = errors.New("total loss limit reached")
)

// Ledger is the process-wide capital pool. Opens reserve capital, terminal
// states release it, and realized losses accumulate against the configured
// caps. All access is serialized: concurrent opens must not oversubscribe.
type Ledger struct {
	mu              sync.Mutex
	totalUSD        float64
	reservedUSD     float64
	reservations    map[string]float64
	dailyLossUSD    float64
	totalLossUSD    float64
	maxDailyLossUSD float64
	maxTotalLossUSD float64
	lossDay         time.Time
}

func NewLedger(capitalUSD, maxDailyLossUSD, maxTotalLossUSD float64) *Ledger {
	return &Ledger{
		totalUSD:        capitalUSD,
		reservations:    make(map[string]float64),
		maxDailyLossUSD: maxDailyLossUSD,
		maxTotalLossUSD: maxTotalLossUSD,
	}
}

func (l *Ledger) AvailableUSD() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalUSD - l.reservedUSD
}

// Reserve commits capital to a position before any order is placed. It fails
// when the pool is oversubscribed or a loss cap has tripped.
func (l *Ledger) Reserve(positionID string, amountUSD float64) error {
	if amountUSD <= 0 {
		return fmt.Errorf("reserve amount must be > 0, got %f", amountUSD)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay(time.Now().UTC())
	if l.maxDailyLossUSD > 0 && l.dailyLossUSD >= l.maxDailyLossUSD {
		return ErrDailyLossLimit
	}
	if l.maxTotalLossUSD > 0 && l.totalLossUSD >= l.maxTotalLossUSD {
		return ErrTotalLossLimit
	}
	if _, ok := l.reservations[positionID]; ok {
		return fmt.Errorf("position %s already holds a reservation", positionID)
	}
	if l.reservedUSD+amountUSD > l.totalUSD {
		return ErrInsufficientCapital
	}
	l.reservedUSD += amountUSD
	l.reservations[positionID] = amountUSD
	return nil
}

// Release returns a position's reservation to the pool. Releasing an unknown
// position is a no-op so terminal paths can call it unconditionally.
func (l *Ledger) Release(positionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.reservations[positionID]
	if !ok {
		return
	}
	delete(l.reservations, positionID)
	l.reservedUSD -= amount
	if l.reservedUSD < 0 {
		l.reservedUSD = 0
	}
}

// RecordPnL folds a realized result into the pool and the loss counters.
func (l *Ledger) RecordPnL(pnlUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay(time.Now().UTC())
	l.totalUSD += pnlUSD
	if pnlUSD < 0 {
		l.dailyLossUSD += -pnlUSD
		l.totalLossUSD += -pnlUSD
	}
}

func (l *Ledger) Reserved(positionID string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.reservations[positionID]
	return amount, ok
}

func (l *Ledger) rollDay(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if !day.Equal(l.lossDay) {
		l.lossDay = day
		l.dailyLossUSD = 0
	}
}
