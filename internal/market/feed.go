package market

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/enhen-x/BasisSentry/internal/position"
)

// Feed subscribes to per-pair book and funding channels and writes whole
// snapshots into the cache. Partial updates are merged against the last full
// snapshot before publication, so the cache only ever sees coherent views.
type Feed struct {
	ws    *WSClient
	cache *Cache
	log   *zap.Logger
	pairs []position.Pair
}

func NewFeed(ws *WSClient, cache *Cache, pairs []position.Pair, log *zap.Logger) *Feed {
	return &Feed{ws: ws, cache: cache, pairs: pairs, log: log}
}

// feedMessage is the normalized venue stream payload. The spot and perp books
// and the funding fields of one pair arrive in a single message per tick.
type feedMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Spot          string  `json:"spot"`
		Perp          string  `json:"perp"`
		SpotBid       float64 `json:"spot_bid"`
		SpotAsk       float64 `json:"spot_ask"`
		PerpBid       float64 `json:"perp_bid"`
		PerpAsk       float64 `json:"perp_ask"`
		SpotDepthUSD  float64 `json:"spot_depth_usd"`
		PerpDepthUSD  float64 `json:"perp_depth_usd"`
		FundingRate   float64 `json:"funding_rate"`
		PredictedRate float64 `json:"predicted_rate"`
		NextFundingMS int64   `json:"next_funding_ms"`
		TimeMS        int64   `json:"time_ms"`
	} `json:"data"`
}

func (f *Feed) Start(ctx context.Context) error {
	if err := f.ws.Connect(ctx); err != nil {
		return err
	}
	for _, pair := range f.pairs {
		sub := map[string]any{
			"method": "subscribe",
			"subscription": map[string]any{
				"type": "pairState",
				"spot": pair.Spot,
				"perp": pair.Perp,
			},
		}
		if err := f.ws.Subscribe(ctx, sub); err != nil {
			return err
		}
	}
	go func() {
		if err := f.ws.Run(ctx, f.handleMessage); err != nil && ctx.Err() == nil {
			f.log.Error("market feed stopped", zap.Error(err))
		}
	}()
	return nil
}

func (f *Feed) handleMessage(raw json.RawMessage) {
	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.log.Debug("unparseable feed message", zap.Error(err))
		return
	}
	if msg.Channel != "pairState" || msg.Data.Perp == "" {
		return
	}
	snap := Snapshot{
		Pair:          position.Pair{Spot: msg.Data.Spot, Perp: msg.Data.Perp},
		SpotBid:       msg.Data.SpotBid,
		SpotAsk:       msg.Data.SpotAsk,
		PerpBid:       msg.Data.PerpBid,
		PerpAsk:       msg.Data.PerpAsk,
		SpotDepthUSD:  msg.Data.SpotDepthUSD,
		PerpDepthUSD:  msg.Data.PerpDepthUSD,
		FundingRate:   msg.Data.FundingRate,
		PredictedRate: msg.Data.PredictedRate,
	}
	if msg.Data.NextFundingMS > 0 {
		snap.NextFundingTime = time.UnixMilli(msg.Data.NextFundingMS).UTC()
	}
	// UpdatedAt is stamped at receipt; venue timestamps drift against the
	// local staleness clock.
	f.cache.Put(snap)
}
