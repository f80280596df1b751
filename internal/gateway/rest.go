package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/enhen-x/BasisSentry/internal/config"
)

// RESTGateway talks to a venue's normalized order HTTP API. Request signing is
// handled by the deployment's signing proxy, not here.
type RESTGateway struct {
	baseURL string
	venue   string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewREST(cfg config.GatewayConfig, venue string, log *zap.Logger) *RESTGateway {
	return &RESTGateway{
		baseURL: cfg.BaseURL,
		venue:   venue,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		log:     log,
	}
}

func (g *RESTGateway) Venue() string { return g.venue }

func (g *RESTGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	payload := map[string]any{
		"instrument":  req.Instrument,
		"side":        string(req.Side),
		"qty":         req.Qty,
		"price_bound": req.PriceBound,
		"reduce_only": req.ReduceOnly,
		"client_id":   req.ClientOrderID,
	}
	var resp struct {
		OrderID string `json:"order_id"`
		Error   string `json:"error"`
	}
	if err := g.post(ctx, "/orders", payload, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("order rejected: %s", resp.Error)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("missing order id in response")
	}
	return resp.OrderID, nil
}

func (g *RESTGateway) CancelOrder(ctx context.Context, instrument, orderID string) error {
	payload := map[string]any{"instrument": instrument, "order_id": orderID}
	var resp struct {
		Error string `json:"error"`
	}
	if err := g.post(ctx, "/orders/cancel", payload, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("cancel rejected: %s", resp.Error)
	}
	return nil
}

func (g *RESTGateway) OrderStatus(ctx context.Context, instrument, orderID string) (OrderState, error) {
	payload := map[string]any{"instrument": instrument, "order_id": orderID}
	var resp struct {
		OrderID   string  `json:"order_id"`
		Status    string  `json:"status"`
		FilledQty float64 `json:"filled_qty"`
		AvgPrice  float64 `json:"avg_price"`
		Error     string  `json:"error"`
	}
	if err := g.post(ctx, "/orders/status", payload, &resp); err != nil {
		return OrderState{}, err
	}
	if resp.Error != "" {
		return OrderState{}, fmt.Errorf("status query rejected: %s", resp.Error)
	}
	return OrderState{
		OrderID:   resp.OrderID,
		Status:    OrderStatus(resp.Status),
		FilledQty: resp.FilledQty,
		AvgPrice:  resp.AvgPrice,
	}, nil
}

func (g *RESTGateway) Exposure(ctx context.Context, instrument string) (float64, error) {
	payload := map[string]any{"instrument": instrument}
	var resp struct {
		SignedQty float64 `json:"signed_qty"`
		Error     string  `json:"error"`
	}
	if err := g.post(ctx, "/positions", payload, &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("position query rejected: %s", resp.Error)
	}
	return resp.SignedQty, nil
}

func (g *RESTGateway) FundingRates(ctx context.Context) ([]FundingInfo, error) {
	var resp struct {
		Rates []struct {
			Instrument    string  `json:"instrument"`
			Rate          float64 `json:"rate"`
			PredictedRate float64 `json:"predicted_rate"`
			NextFunding   int64   `json:"next_funding_ms"`
			MarkPrice     float64 `json:"mark_price"`
			Volume24hUSD  float64 `json:"volume_24h_usd"`
		} `json:"rates"`
		Error string `json:"error"`
	}
	if err := g.post(ctx, "/funding", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("funding query rejected: %s", resp.Error)
	}
	out := make([]FundingInfo, 0, len(resp.Rates))
	for _, r := range resp.Rates {
		out = append(out, FundingInfo{
			Instrument:    r.Instrument,
			Rate:          r.Rate,
			PredictedRate: r.PredictedRate,
			NextFunding:   r.NextFunding,
			MarkPrice:     r.MarkPrice,
			Volume24hUSD:  r.Volume24hUSD,
		})
	}
	return out, nil
}

func (g *RESTGateway) post(ctx context.Context, path string, req, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := g.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	if g.log != nil {
		g.log.Debug("gateway call", zap.String("path", path), zap.Duration("elapsed", time.Since(start)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Gateway = (*RESTGateway)(nil)
