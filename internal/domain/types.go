// Package domain defines the core value types shared across the trading
// services: signals, instruments, orders and positions.
package domain

import "time"

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Action is the trade direction or command carried by an inbound signal.
type Action string

const (
	ActionLong           Action = "long"
	ActionShort          Action = "short"
	ActionCloseLong      Action = "close-long"
	ActionCloseShort     Action = "close-short"
	ActionClosePosition  Action = "close-position"
	ActionCheckPositions Action = "check_positions_on_saxo_api"
	ActionDailyStats     Action = "daily_stats"
)

// IsOpen reports whether the action opens a new position.
func (a Action) IsOpen() bool {
	return a == ActionLong || a == ActionShort
}

// BuySell is the order side understood by the broker.
type BuySell string

const (
	Buy  BuySell = "Buy"
	Sell BuySell = "Sell"
)

// Opposite returns the side that offsets b.
func (b BuySell) Opposite() BuySell {
	if b == Buy {
		return Sell
	}
	return Buy
}

// PositionStatus is the ledger status of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "Open"
	PositionClosed PositionStatus = "Closed"
)

// Order kinds.
const (
	KindMain = "main"
	KindSub  = "sub"
)

// Close reasons written to the ledger.
const (
	CloseReasonStoploss    = "Stoploss"
	CloseReasonTakeprofit  = "Takeprofit"
	CloseReasonDailyTarget = "DailyTarget"
	CloseReasonBrokerSync  = "BrokerSync"
	CloseReasonManual      = "Manual"
)

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// TradeSignal is an inbound request to act on an underlying index.
type TradeSignal struct {
	Action          Action    `json:"action" validate:"required"`
	Indice          string    `json:"indice"`
	SignalTimestamp time.Time `json:"signal_timestamp" validate:"required"`
	AlertTimestamp  time.Time `json:"alert_timestamp"`
}

// ---------------------------------------------------------------------------
// Instruments
// ---------------------------------------------------------------------------

// ParsedDescription is the structured form of a turbo's free-text
// description, e.g. "TURBO LONG ON NASDAQ-100 LONG BUY 17850.5 BNP".
type ParsedDescription struct {
	Name    string
	Kind    string
	BuySell string
	Price   float64
	From    string
}

// InstrumentCandidate is a tradable instrument selected by the instrument
// search. It is never persisted.
type InstrumentCandidate struct {
	Uic            int64
	AssetType      string
	Symbol         string
	Description    string
	Parsed         ParsedDescription
	Currency       string
	Decimals       int
	Bid            float64
	Ask            float64
	LatestBid      float64
	LatestAsk      float64
	MarketState    string
	CommissionBuy  float64
	CommissionSell float64
	// SubscriptionContextID is set only when a live snapshot was obtained.
	SubscriptionContextID string
}

// ---------------------------------------------------------------------------
// Orders and positions
// ---------------------------------------------------------------------------

// Order is a placed broker order as recorded in the ledger.
type Order struct {
	OrderID          string
	Action           Action
	BuySell          BuySell
	Amount           float64
	OrderType        string
	Kind             string
	SubmitTime       time.Time
	RelatedOrderIDs  []string
	PositionID       string
	InstrumentName   string
	InstrumentSymbol string
	InstrumentUic    int64
	InstrumentPrice  float64
	Currency         string
	Cost             float64
}

// Position is a confirmed broker position as recorded in the ledger.
type Position struct {
	PositionID              string
	Action                  Action
	Amount                  float64
	OpenPrice               float64
	ClosePrice              *float64
	CloseReason             *string
	ProfitLoss              *float64
	TotalOpenPrice          float64
	TotalClosePrice         *float64
	TotalPerformancePercent *float64
	MaxPerformancePercent   float64
	Status                  PositionStatus
	Kind                    string
	ExecutionTimeOpen       time.Time
	ExecutionTimeClose      *time.Time
	OrderID                 string
	RelatedOrderIDs         []string
	InstrumentName          string
	InstrumentSymbol        string
	InstrumentUic           int64
	Currency                string
}

// PositionClose holds the fields written exactly once when a position is
// closed in the ledger.
type PositionClose struct {
	ClosePrice              float64
	CloseReason             string
	ProfitLoss              float64
	TotalClosePrice         float64
	TotalPerformancePercent float64
	ExecutionTimeClose      time.Time
}

// PositionRef pairs a ledger position id with its action.
type PositionRef struct {
	PositionID string
	Action     Action
}

// DayStats summarises positions closed on one day.
type DayStats struct {
	Day            string
	Count          int
	AvgPerformance float64
	MaxPerformance float64
	MinPerformance float64
	SumProfitLoss  float64
}

// DayPercent is the compounded realized percent of one day.
type DayPercent struct {
	Day     string
	Percent float64
}

// PerformanceSample is one evaluation of an open position by the monitor.
type PerformanceSample struct {
	Time                  time.Time
	PositionID            string
	Action                Action
	Bid                   float64
	OpenPrice             float64
	PerformancePercent    float64
	MaxPerformancePercent float64
	DayPercent            float64
}
