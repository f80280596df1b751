package position

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Direction of the hedge. Positive funding is collected by holding spot long
// against a perp short; negative funding by the mirror pair.
type Direction string

const (
	LongSpotShortPerp Direction = "LONG_SPOT_SHORT_PERP"
	ShortSpotLongPerp Direction = "SHORT_SPOT_LONG_PERP"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Sign is +1 for buys and -1 for sells, so signed filled quantities of the two
// legs cancel when the hedge is matched.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegPartial   LegStatus = "PARTIALLY_FILLED"
	LegFilled    LegStatus = "FILLED"
	LegFailed    LegStatus = "FAILED"
	LegCancelled LegStatus = "CANCELLED"
)

func (s LegStatus) Terminal() bool {
	return s == LegFilled || s == LegFailed || s == LegCancelled
}

// Leg is one order/fill series on one instrument. It is mutated only by the
// execution coordinator, from gateway-confirmed events.
type Leg struct {
	Instrument   string    `json:"instrument"`
	Venue        string    `json:"venue"`
	Side         Side      `json:"side"`
	RequestedQty float64   `json:"requested_qty"`
	FilledQty    float64   `json:"filled_qty"`
	AvgPrice     float64   `json:"avg_price"`
	OrderIDs     []string  `json:"order_ids"`
	Submissions  int       `json:"submissions"`
	Status       LegStatus `json:"status"`
}

// RecordFill folds a confirmed fill into the leg, keeping the average price
// quantity-weighted across orders.
func (l *Leg) RecordFill(qty, price float64) {
	if qty <= 0 {
		return
	}
	total := l.FilledQty + qty
	if price > 0 {
		l.AvgPrice = (l.AvgPrice*l.FilledQty + price*qty) / total
	}
	l.FilledQty = total
	if l.FilledQty+1e-9 >= l.RequestedQty {
		l.Status = LegFilled
	} else {
		l.Status = LegPartial
	}
}

func (l *Leg) SignedQty() float64 {
	return l.FilledQty * l.Side.Sign()
}

func (l *Leg) NotionalUSD() float64 {
	return l.FilledQty * l.AvgPrice
}

// Pair names the two instruments of one hedge.
type Pair struct {
	Spot string `json:"spot"`
	Perp string `json:"perp"`
}

func (p Pair) String() string {
	return p.Spot + "|" + p.Perp
}

// Position is the persistent record of one hedged funding position.
type Position struct {
	ID                  string    `json:"id"`
	Pair                Pair      `json:"pair"`
	Direction           Direction `json:"direction"`
	TargetNotionalUSD   float64   `json:"target_notional_usd"`
	OpenedAt            time.Time `json:"opened_at"`
	ClosedAt            time.Time `json:"closed_at,omitempty"`
	EntryFundingRate    float64   `json:"entry_funding_rate"`
	SpotLeg             Leg       `json:"spot_leg"`
	PerpLeg             Leg       `json:"perp_leg"`
	Status              Status    `json:"status"`
	LastEvaluated       time.Time `json:"last_evaluated"`
	FundingCollectedUSD float64   `json:"funding_collected_usd"`
	RealizedPnLUSD      float64   `json:"realized_pnl_usd"`
	Corrections         int       `json:"corrections"`
	LastFundingSettled  time.Time `json:"last_funding_settled,omitempty"`
	FailureReason       string    `json:"failure_reason,omitempty"`
}

// New creates a position in StatusOpening for the given hedge direction.
// Spot and perp sides derive from the direction; both legs start pending.
func New(pair Pair, dir Direction, notionalUSD, qty, fundingRate float64, venue string) *Position {
	spotSide, perpSide := Buy, Sell
	if dir == ShortSpotLongPerp {
		spotSide, perpSide = Sell, Buy
	}
	now := time.Now().UTC()
	return &Position{
		ID:                uuid.NewString(),
		Pair:              pair,
		Direction:         dir,
		TargetNotionalUSD: notionalUSD,
		OpenedAt:          now,
		EntryFundingRate:  fundingRate,
		Status:            StatusOpening,
		LastEvaluated:     now,
		SpotLeg: Leg{
			Instrument:   pair.Spot,
			Venue:        venue,
			Side:         spotSide,
			RequestedQty: qty,
			Status:       LegPending,
		},
		PerpLeg: Leg{
			Instrument:   pair.Perp,
			Venue:        venue,
			Side:         perpSide,
			RequestedQty: qty,
			Status:       LegPending,
		},
	}
}

// DeltaQty is the net directional exposure in base units: the signed filled
// quantities of the two legs summed. Zero means perfectly hedged.
func (p *Position) DeltaQty() float64 {
	return p.SpotLeg.SignedQty() + p.PerpLeg.SignedQty()
}

// DeltaUSD converts the net exposure to quote units at the reference price.
func (p *Position) DeltaUSD(refPrice float64) float64 {
	return p.DeltaQty() * refPrice
}

// WithinTolerance reports whether the delta-neutrality invariant holds:
// absolute USD exposure within toleranceAbs, or within toleranceFrac of the
// target notional, whichever is looser. A zero tolerance is ignored.
func (p *Position) WithinTolerance(refPrice, toleranceAbs, toleranceFrac float64) bool {
	delta := math.Abs(p.DeltaUSD(refPrice))
	if toleranceAbs > 0 && delta <= toleranceAbs {
		return true
	}
	if toleranceFrac > 0 && p.TargetNotionalUSD > 0 && delta <= p.TargetNotionalUSD*toleranceFrac {
		return true
	}
	return toleranceAbs == 0 && toleranceFrac == 0
}

// MatchedQty is the hedged quantity: the smaller of the two filled legs.
func (p *Position) MatchedQty() float64 {
	return math.Min(p.SpotLeg.FilledQty, p.PerpLeg.FilledQty)
}

// HedgedNotionalUSD values the matched quantity at the perp entry price,
// falling back to the spot entry price.
func (p *Position) HedgedNotionalUSD() float64 {
	price := p.PerpLeg.AvgPrice
	if price == 0 {
		price = p.SpotLeg.AvgPrice
	}
	return p.MatchedQty() * price
}

// LaggingLeg returns the leg with the smaller fill, used by rebalancing to
// decide which side needs the corrective order. The boolean is false when the
// legs are matched within epsilon.
func (p *Position) LaggingLeg(epsilon float64) (*Leg, bool) {
	diff := p.SpotLeg.FilledQty - p.PerpLeg.FilledQty
	if math.Abs(diff) <= epsilon {
		return nil, false
	}
	if diff < 0 {
		return &p.SpotLeg, true
	}
	return &p.PerpLeg, true
}
