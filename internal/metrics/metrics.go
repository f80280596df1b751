package metrics

type Counter interface {
	Inc()
}

type Adder interface {
	Add(v float64)
}

type Metrics struct {
	OrdersPlaced      Counter
	OrdersFailed      Counter
	CorrectionsIssued Counter
	PositionsOpened   Counter
	PositionsClosed   Counter
	FailedOpens       Counter
	StuckPositions    Counter
	Rebalances        Counter
	RiskRejections    Counter
	FundingCollected  Adder
	RealizedPnL       Adder
}

type noopCounter struct{}

func (noopCounter) Inc()        {}
func (noopCounter) Add(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:      n,
		OrdersFailed:      n,
		CorrectionsIssued: n,
		PositionsOpened:   n,
		PositionsClosed:   n,
		FailedOpens:       n,
		StuckPositions:    n,
		Rebalances:        n,
		RiskRejections:    n,
		FundingCollected:  n,
		RealizedPnL:       n,
	}
}
