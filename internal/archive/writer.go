// Package archive streams position history into Postgres/Timescale for
// offline analysis. Writes are best-effort: the trading path never blocks on
// the archive, and queue overflow drops rows rather than stalling.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/enhen-x/BasisSentry/internal/config"
	"github.com/enhen-x/BasisSentry/internal/position"
)

const writeTimeout = 3 * time.Second

// Snapshot is one periodic observation of a live position.
type Snapshot struct {
	Time           time.Time
	PositionID     string
	Pair           string
	Status         string
	SpotQty        float64
	PerpQty        float64
	SpotMid        float64
	PerpMid        float64
	FundingRate    float64
	DeltaUSD       float64
	NotionalUSD    float64
	FundingUSD     float64
	RealizedPnLUSD float64
}

// ClosedPosition is the terminal row written once per position lifetime.
type ClosedPosition struct {
	Time           time.Time
	PositionID     string
	Pair           string
	Status         string
	Direction      string
	OpenedAt       time.Time
	NotionalUSD    float64
	FundingUSD     float64
	RealizedPnLUSD float64
	Corrections    int
	FailureReason  string
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	snapshots chan Snapshot
	closed    chan ClosedPosition
	started   atomic.Bool
	dropSnap  atomic.Uint64
	dropClose atomic.Uint64
}

// New opens the archive connection and ensures tables exist. Returns a nil
// writer when the archive is disabled; all methods are nil-safe.
func New(cfg config.ArchiveConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("archive dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		snapshots: make(chan Snapshot, queueSize),
		closed:    make(chan ClosedPosition, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSnapshot(snap Snapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snap:
		return
	default:
		if w.dropSnap.Add(1) == 1 && w.log != nil {
			w.log.Warn("archive snapshot queue full")
		}
	}
}

// EnqueueClosed archives a terminal position. Callers pass the position after
// its status stops changing.
func (w *Writer) EnqueueClosed(pos *position.Position, closedAt time.Time) {
	if w == nil || pos == nil {
		return
	}
	row := ClosedPosition{
		Time:           closedAt.UTC(),
		PositionID:     pos.ID,
		Pair:           pos.Pair.String(),
		Status:         string(pos.Status),
		Direction:      string(pos.Direction),
		OpenedAt:       pos.OpenedAt,
		NotionalUSD:    pos.TargetNotionalUSD,
		FundingUSD:     pos.FundingCollectedUSD,
		RealizedPnLUSD: pos.RealizedPnLUSD,
		Corrections:    pos.Corrections,
		FailureReason:  pos.FailureReason,
	}
	select {
	case w.closed <- row:
		return
	default:
		if w.dropClose.Add(1) == 1 && w.log != nil {
			w.log.Warn("archive closed-position queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.snapshots:
			w.writeSnapshot(ctx, snap)
		case row := <-w.closed:
			w.writeClosed(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("archive db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		pair TEXT NOT NULL,
		status TEXT NOT NULL,
		spot_qty DOUBLE PRECISION NOT NULL,
		perp_qty DOUBLE PRECISION NOT NULL,
		spot_mid DOUBLE PRECISION NOT NULL,
		perp_mid DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		delta_usd DOUBLE PRECISION NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		funding_usd DOUBLE PRECISION NOT NULL,
		realized_pnl_usd DOUBLE PRECISION NOT NULL
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		pair TEXT NOT NULL,
		status TEXT NOT NULL,
		direction TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		funding_usd DOUBLE PRECISION NOT NULL,
		realized_pnl_usd DOUBLE PRECISION NOT NULL,
		corrections INTEGER NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (position_id)
	)`, w.table("closed_positions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("position_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("position_snapshots hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSnapshot(ctx context.Context, snap Snapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, pair, status, spot_qty, perp_qty, spot_mid, perp_mid,
		funding_rate, delta_usd, notional_usd, funding_usd, realized_pnl_usd
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
	)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.PositionID,
		snap.Pair,
		snap.Status,
		snap.SpotQty,
		snap.PerpQty,
		snap.SpotMid,
		snap.PerpMid,
		snap.FundingRate,
		snap.DeltaUSD,
		snap.NotionalUSD,
		snap.FundingUSD,
		snap.RealizedPnLUSD,
	); err != nil && w.log != nil {
		w.log.Warn("archive snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) writeClosed(ctx context.Context, row ClosedPosition) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, pair, status, direction, opened_at,
		notional_usd, funding_usd, realized_pnl_usd, corrections, failure_reason
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)
	ON CONFLICT (position_id) DO UPDATE SET
		ts = EXCLUDED.ts,
		status = EXCLUDED.status,
		funding_usd = EXCLUDED.funding_usd,
		realized_pnl_usd = EXCLUDED.realized_pnl_usd,
		corrections = EXCLUDED.corrections,
		failure_reason = EXCLUDED.failure_reason`, w.table("closed_positions"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.PositionID,
		row.Pair,
		row.Status,
		row.Direction,
		row.OpenedAt,
		row.NotionalUSD,
		row.FundingUSD,
		row.RealizedPnLUSD,
		row.Corrections,
		row.FailureReason,
	); err != nil && w.log != nil {
		w.log.Warn("archive closed-position upsert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
