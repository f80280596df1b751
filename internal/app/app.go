// Package app wires the process together: config in, collaborators
// constructed, lifecycle supervised.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/enhen-x/BasisSentry/internal/alerts"
	"github.com/enhen-x/BasisSentry/internal/archive"
	"github.com/enhen-x/BasisSentry/internal/config"
	"github.com/enhen-x/BasisSentry/internal/engine"
	"github.com/enhen-x/BasisSentry/internal/execution"
	"github.com/enhen-x/BasisSentry/internal/funding"
	"github.com/enhen-x/BasisSentry/internal/gateway"
	"github.com/enhen-x/BasisSentry/internal/market"
	"github.com/enhen-x/BasisSentry/internal/metrics"
	"github.com/enhen-x/BasisSentry/internal/position"
	"github.com/enhen-x/BasisSentry/internal/risk"
	"github.com/enhen-x/BasisSentry/internal/scanner"
	"github.com/enhen-x/BasisSentry/internal/state/sqlite"
)

const summaryInterval = 24 * time.Hour

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	gw       *gateway.RESTGateway
	cache    *market.Cache
	feed     *market.Feed
	engine   *engine.Engine
	scanner  *scanner.Scanner
	archive  *archive.Writer
	tracker  *funding.Tracker
	notifier alerts.Notifier
	prom     *metrics.Prometheus
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	pairs, err := ParsePairs(cfg.Scanner.Pairs)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gw := gateway.NewREST(cfg.Gateway, cfg.Engine.Venue, log)
	cache := market.NewCache(cfg.Risk.MaxSnapshotAge)
	ws := market.NewWSClient(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	feed := market.NewFeed(ws, cache, pairs, log)

	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	var notifier alerts.Notifier = alerts.Nop{}
	if cfg.Telegram.Enabled {
		notifier = alerts.NewTelegram(cfg.Telegram, log)
	}

	archiver, err := archive.New(cfg.Archive, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	tracker := funding.NewTracker(store, log)
	ledger := position.NewLedger(cfg.Engine.CapitalUSD, cfg.Risk.MaxDailyLossUSD, cfg.Risk.MaxTotalLossUSD)
	coord := execution.NewCoordinator(gw, store, cfg.Execution, log, m)

	eng := engine.New(cfg.Engine, cfg.Archive.SnapshotInterval, engine.Deps{
		Risk:     risk.NewController(cfg.Risk),
		Coord:    coord,
		Cache:    cache,
		Store:    store,
		Ledger:   ledger,
		Tracker:  tracker,
		Archive:  archiver,
		Notifier: notifier,
		Log:      log,
		Metrics:  m,
	})
	scan := scanner.New(cfg.Scanner, cfg.Risk.MinFundingEdge, gw, eng, pairs, log)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		gw:       gw,
		cache:    cache,
		feed:     feed,
		engine:   eng,
		scanner:  scan,
		archive:  archiver,
		tracker:  tracker,
		notifier: notifier,
		prom:     prom,
	}, nil
}

// CloseAll asks the engine to wind down every open position. Safe to call
// from a signal handler at any point after Run starts.
func (a *App) CloseAll() {
	a.log.Warn("close-all requested")
	a.engine.CloseAll()
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.archive.Close()

	a.archive.Start(ctx)
	if err := a.feed.Start(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.engine.Run(ctx) })
	group.Go(func() error { return a.scanner.Run(ctx) })
	group.Go(func() error { return a.summaryLoop(ctx) })
	if a.prom != nil {
		group.Go(func() error { return a.serveMetrics(ctx) })
	}
	return group.Wait()
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// summaryLoop reports aggregated funding income once a day.
func (a *App) summaryLoop(ctx context.Context) error {
	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			text, err := a.tracker.Summary(ctx, time.Now().Add(-summaryInterval))
			if err != nil {
				a.log.Warn("funding summary failed", zap.Error(err))
				continue
			}
			if err := a.notifier.Notify(ctx, alerts.Event{Kind: alerts.EventSummary, Detail: text}); err != nil {
				a.log.Warn("summary delivery failed", zap.Error(err))
			}
		}
	}
}

// ParsePairs converts "spot|perp" strings into pairs, rejecting malformed
// entries up front so a config typo fails at startup rather than mid-scan.
func ParsePairs(raw []string) ([]position.Pair, error) {
	pairs := make([]position.Pair, 0, len(raw))
	for _, entry := range raw {
		spot, perp, ok := strings.Cut(entry, "|")
		if !ok || spot == "" || perp == "" {
			return nil, errors.New("scanner.pairs entries must be formatted spot|perp: " + entry)
		}
		pairs = append(pairs, position.Pair{Spot: spot, Perp: perp})
	}
	return pairs, nil
}
