package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/enhen-x/BasisSentry/internal/position"
	"github.com/enhen-x/BasisSentry/internal/state"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE TABLE IF NOT EXISTS funding_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			pair TEXT NOT NULL,
			rate REAL NOT NULL,
			notional_usd REAL NOT NULL,
			income_usd REAL NOT NULL,
			settled_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_funding_settled_at ON funding_log(settled_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) SavePosition(ctx context.Context, pos *position.Position) error {
	if pos == nil || pos.ID == "" {
		return errors.New("position with id is required")
	}
	payload, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO positions (id, status, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload, updated_at = excluded.updated_at`,
		pos.ID, string(pos.Status), string(payload), time.Now().UnixMilli())
	return err
}

func (s *Store) Position(ctx context.Context, id string) (*position.Position, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM positions WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	pos, err := decodePosition(payload)
	if err != nil {
		return nil, false, err
	}
	return pos, true, nil
}

// OpenPositions returns every persisted position whose status still implies
// exchange exposure, for restart reconciliation.
func (s *Store) OpenPositions(ctx context.Context) ([]*position.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM positions WHERE status NOT IN (?, ?)`,
		string(position.StatusClosed), string(position.StatusFailedOpen))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*position.Position
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		pos, err := decodePosition(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (s *Store) RecordFunding(ctx context.Context, rec state.FundingRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funding_log (position_id, pair, rate, notional_usd, income_usd, settled_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.PositionID, rec.Pair, rec.Rate, rec.NotionalUSD, rec.IncomeUSD, rec.SettledAt.UnixMilli())
	return err
}

func (s *Store) FundingSince(ctx context.Context, since time.Time) ([]state.FundingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position_id, pair, rate, notional_usd, income_usd, settled_at FROM funding_log WHERE settled_at >= ? ORDER BY settled_at`,
		since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.FundingRecord
	for rows.Next() {
		var rec state.FundingRecord
		var settledMS int64
		if err := rows.Scan(&rec.PositionID, &rec.Pair, &rec.Rate, &rec.NotionalUSD, &rec.IncomeUSD, &settledMS); err != nil {
			return nil, err
		}
		rec.SettledAt = time.UnixMilli(settledMS).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decodePosition(payload string) (*position.Position, error) {
	var pos position.Position
	if err := json.Unmarshal([]byte(payload), &pos); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	return &pos, nil
}

var _ state.Store = (*Store)(nil)
