package state

import (
	"context"
	"time"

	"github.com/enhen-x/BasisSentry/internal/position"
)

// FundingRecord is one realized funding settlement credited to a position.
type FundingRecord struct {
	PositionID  string    `json:"position_id"`
	Pair        string    `json:"pair"`
	Rate        float64   `json:"rate"`
	NotionalUSD float64   `json:"notional_usd"`
	IncomeUSD   float64   `json:"income_usd"`
	SettledAt   time.Time `json:"settled_at"`
}

// Store persists positions, funding settlements and small KV entries (order
// idempotence keys, recovery markers). Every position mutation is written
// before the owning component returns control, so persisted state always
// reflects actually-known exchange state.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	SavePosition(ctx context.Context, pos *position.Position) error
	Position(ctx context.Context, id string) (*position.Position, bool, error)
	OpenPositions(ctx context.Context) ([]*position.Position, error)

	RecordFunding(ctx context.Context, rec FundingRecord) error
	FundingSince(ctx context.Context, since time.Time) ([]FundingRecord, error)

	Close() error
}
