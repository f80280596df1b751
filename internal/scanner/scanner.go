// Package scanner polls venue funding rates and proposes entry candidates.
// It only ranks and filters; the engine and risk controller decide whether a
// candidate actually becomes a position.
package scanner

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/enhen-x/BasisSentry/internal/config"
	"github.com/enhen-x/BasisSentry/internal/gateway"
	"github.com/enhen-x/BasisSentry/internal/position"
	"github.com/enhen-x/BasisSentry/internal/risk"
)

// Submitter receives ranked candidates. Submit must not block; the engine
// drops candidates when its queue is full.
type Submitter interface {
	Submit(cand risk.Candidate) bool
}

type Scanner struct {
	cfg     config.ScannerConfig
	minEdge float64
	gw      gateway.Gateway
	sink    Submitter
	log     *zap.Logger

	pairs map[string]position.Pair // perp instrument -> tradable pair
}

func New(cfg config.ScannerConfig, minEdge float64, gw gateway.Gateway, sink Submitter, pairs []position.Pair, log *zap.Logger) *Scanner {
	byPerp := make(map[string]position.Pair, len(pairs))
	for _, pair := range pairs {
		byPerp[pair.Perp] = pair
	}
	return &Scanner{cfg: cfg, minEdge: minEdge, gw: gw, sink: sink, log: log, pairs: byPerp}
}

// Run polls until the context is cancelled. One failed poll is logged and
// skipped; the loop never exits on venue errors.
func (s *Scanner) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	rates, err := s.gw.FundingRates(ctx)
	if err != nil {
		s.log.Warn("funding rate poll failed", zap.Error(err))
		return
	}
	candidates := s.rank(rates, time.Now())
	for _, cand := range candidates {
		if !s.sink.Submit(cand) {
			s.log.Debug("candidate dropped, queue full", zap.String("pair", cand.Pair.String()))
		}
	}
}

// rank filters the venue's funding table down to configured pairs with enough
// edge and acceptable volume, best edge first. Rate sign picks the hedge
// direction: positive funding pays shorts, so the perp leg goes short.
func (s *Scanner) rank(rates []gateway.FundingInfo, now time.Time) []risk.Candidate {
	var out []risk.Candidate
	for _, info := range rates {
		pair, ok := s.pairs[info.Instrument]
		if !ok {
			continue
		}
		edge := math.Abs(info.Rate)
		if edge < s.minEdge {
			continue
		}
		if s.cfg.MinVolumeUSD > 0 && info.Volume24hUSD < s.cfg.MinVolumeUSD {
			continue
		}
		if s.cfg.MaxVolumeUSD > 0 && info.Volume24hUSD > s.cfg.MaxVolumeUSD {
			continue
		}
		dir := position.LongSpotShortPerp
		if info.Rate < 0 {
			dir = position.ShortSpotLongPerp
		}
		out = append(out, risk.Candidate{
			Pair:               pair,
			Direction:          dir,
			FundingEdge:        edge,
			EstimatedLiquidity: info.Volume24hUSD,
			Timestamp:          now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FundingEdge > out[j].FundingEdge })
	return out
}
