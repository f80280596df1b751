// Command closeall flattens every persisted open position directly against
// the venue. It is the operator's recovery tool for STUCK positions and for
// emergencies where the bot process itself is unhealthy; stop the bot before
// running it so the two do not race on the same orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/enhen-x/BasisSentry/internal/config"
	"github.com/enhen-x/BasisSentry/internal/execution"
	"github.com/enhen-x/BasisSentry/internal/gateway"
	"github.com/enhen-x/BasisSentry/internal/logging"
	"github.com/enhen-x/BasisSentry/internal/market"
	"github.com/enhen-x/BasisSentry/internal/metrics"
	"github.com/enhen-x/BasisSentry/internal/position"
	"github.com/enhen-x/BasisSentry/internal/state/sqlite"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "list open positions without closing them")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *dryRun); err != nil {
		log.Error("close-all failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, dryRun bool) error {
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	open, err := store.OpenPositions(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		log.Info("no open positions")
		return nil
	}

	gw := gateway.NewREST(cfg.Gateway, cfg.Engine.Venue, log)
	coord := execution.NewCoordinator(gw, store, cfg.Execution, log, metrics.NewNoop())

	failed := 0
	for _, pos := range open {
		plog := log.With(
			zap.String("position", pos.ID),
			zap.String("pair", pos.Pair.String()),
			zap.String("status", string(pos.Status)))
		plog.Info("open position",
			zap.Float64("spot_qty", pos.SpotLeg.FilledQty),
			zap.Float64("perp_qty", pos.PerpLeg.FilledQty))
		if dryRun {
			continue
		}

		if err := coord.ReconcileLeg(ctx, pos, &pos.SpotLeg); err != nil {
			plog.Warn("spot leg reconciliation failed", zap.Error(err))
		}
		if err := coord.ReconcileLeg(ctx, pos, &pos.PerpLeg); err != nil {
			plog.Warn("perp leg reconciliation failed", zap.Error(err))
		}
		snap, err := fetchSnapshot(ctx, gw, pos.Pair)
		if err != nil {
			plog.Error("no price reference, skipping", zap.Error(err))
			failed++
			continue
		}
		if err := coord.Close(ctx, pos, snap); err != nil {
			plog.Error("close incomplete", zap.Error(err))
			failed++
			continue
		}
		pos.Status = position.StatusClosed
		pos.ClosedAt = time.Now().UTC()
		pos.FailureReason = ""
		if err := store.SavePosition(ctx, pos); err != nil {
			return err
		}
		plog.Info("closed")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d positions not fully closed", failed, len(open))
	}
	return nil
}

// fetchSnapshot builds a minimal snapshot from the venue's funding table so
// the coordinator has a price bound to work with. The tool runs without the
// websocket feed.
func fetchSnapshot(ctx context.Context, gw *gateway.RESTGateway, pair position.Pair) (market.Snapshot, error) {
	rates, err := gw.FundingRates(ctx)
	if err != nil {
		return market.Snapshot{}, err
	}
	for _, info := range rates {
		if info.Instrument == pair.Perp && info.MarkPrice > 0 {
			return market.Snapshot{
				Pair:        pair,
				SpotBid:     info.MarkPrice,
				SpotAsk:     info.MarkPrice,
				PerpBid:     info.MarkPrice,
				PerpAsk:     info.MarkPrice,
				FundingRate: info.Rate,
				UpdatedAt:   time.Now().UTC(),
			}, nil
		}
	}
	return market.Snapshot{}, fmt.Errorf("no funding entry for %s", pair.Perp)
}
