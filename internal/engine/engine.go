// Package engine runs the trading flows: opening a position from a signal
// and monitoring, closing and reconciling the positions it opened.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wata/internal/broker"
	"wata/internal/config"
	"wata/internal/domain"
	"wata/internal/store"
	"wata/internal/tradeerr"
)

// InstrumentFinder selects the turbo to trade.
type InstrumentFinder interface {
	FindTurbo(ctx context.Context, exchangeID string, underlyingID int64, direction domain.Action) (*domain.InstrumentCandidate, error)
}

// OrderPlacer places and cancels market orders.
type OrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, uic int64, assetType string, amount int64, buySell domain.BuySell) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) bool
}

// PositionSource reads the broker's view of positions and funds.
type PositionSource interface {
	GetOpenPositions(ctx context.Context) ([]broker.Position, error)
	GetClosedPositions(ctx context.Context, top, skip int) ([]broker.ClosedPositionItem, error)
	GetSpendingPower(ctx context.Context) (float64, error)
	FindPositionByOrderID(ctx context.Context, orderID string) (*broker.Position, error)
}

// ExecutionResult describes a trade opened and recorded by ExecuteSignal.
type ExecutionResult struct {
	Message    string
	Order      *domain.Order
	Position   *domain.Position
	Instrument *domain.InstrumentCandidate
}

// Orchestrator opens positions from trade signals.
type Orchestrator struct {
	instruments InstrumentFinder
	orders      OrderPlacer
	positions   PositionSource
	ledger      store.Ledger
	cfg         config.TradeConfig
	opts        options
}

// NewOrchestrator creates an Orchestrator wired with the given services.
func NewOrchestrator(
	instruments InstrumentFinder,
	orders OrderPlacer,
	positions PositionSource,
	ledger store.Ledger,
	cfg config.TradeConfig,
	opts ...Option,
) *Orchestrator {
	return &Orchestrator{
		instruments: instruments,
		orders:      orders,
		positions:   positions,
		ledger:      ledger,
		cfg:         cfg,
		opts:        buildOptions(opts),
	}
}

// ExecuteSignal buys the best turbo on underlyingID in direction, waits for
// the broker to report the position and records order and position in the
// ledger.
//
// Once an order is placed, any failure before the position is recorded
// cancels the order, except PositionNotFound which has already tried. A
// ledger failure after the position exists is returned as a critical
// DatabaseOperation.
func (o *Orchestrator) ExecuteSignal(ctx context.Context, exchangeID string, underlyingID int64, direction domain.Action) (*ExecutionResult, error) {
	log := o.opts.logger.With("direction", direction, "underlying", underlyingID)

	inst, err := o.instruments.FindTurbo(ctx, exchangeID, underlyingID, direction)
	if err != nil {
		return nil, fmt.Errorf("find turbo: %w", err)
	}

	spendingPower, err := o.positions.GetSpendingPower(ctx)
	if err != nil {
		return nil, fmt.Errorf("get spending power: %w", err)
	}

	ask := inst.LatestAsk
	if ask <= 0 {
		ask = inst.Ask
	}
	amount, err := OrderAmount(spendingPower, o.cfg.BuyingPower.MaxFundsPercent, ask, o.cfg.BuyingPower.SafetyMarginUnits)
	if err != nil {
		return nil, err
	}
	log.Info("order sized",
		"uic", inst.Uic,
		"ask", ask,
		"spending_power", spendingPower,
		"amount", amount,
	)

	order, err := o.orders.PlaceMarketOrder(ctx, inst.Uic, inst.AssetType, amount, domain.Buy)
	if err != nil {
		return nil, err
	}
	o.opts.metrics.Order(string(domain.Buy))
	fillOrder(order, direction, inst, ask)

	bp, err := o.positions.FindPositionByOrderID(ctx, order.OrderID)
	if err != nil {
		if tradeerr.KindOf(err) != tradeerr.KindPositionNotFound {
			o.compensate(ctx, order.OrderID, err)
		}
		return nil, err
	}

	pos := o.positionRecord(bp, order, inst, amount, ask)
	order.PositionID = pos.PositionID

	if err := o.persist(ctx, order, pos); err != nil {
		o.compensate(ctx, order.OrderID, err)
		return nil, err
	}

	log.Info("trade executed and recorded",
		"order_id", order.OrderID,
		"position_id", pos.PositionID,
		"open_price", pos.OpenPrice,
	)
	return &ExecutionResult{
		Message:    fmt.Sprintf("Successfully executed and recorded trade for %s.", direction),
		Order:      order,
		Position:   pos,
		Instrument: inst,
	}, nil
}

// persist writes the order then the position. No transaction spans both.
func (o *Orchestrator) persist(ctx context.Context, order *domain.Order, pos *domain.Position) error {
	err := o.ledger.InsertOrder(ctx, order)
	if err == nil {
		err = o.ledger.InsertOpenPosition(ctx, pos)
	}
	if err == nil {
		return nil
	}
	o.opts.logger.Error("CRITICAL: executed trade not recorded",
		"order_id", order.OrderID,
		"position_id", pos.PositionID,
		"error", err,
	)
	return &tradeerr.DatabaseOperation{
		Operation: "insert_trade_data",
		EntityID:  order.OrderID,
		Critical:  true,
		Err:       fmt.Errorf("failed to persist executed trade: %w", err),
	}
}

func (o *Orchestrator) compensate(ctx context.Context, orderID string, cause error) {
	cancelled := o.orders.CancelOrder(ctx, orderID)
	o.opts.logger.Warn("compensating cancellation of placed order",
		"order_id", orderID,
		"cancelled", cancelled,
		"cause", cause,
	)
}

func fillOrder(order *domain.Order, direction domain.Action, inst *domain.InstrumentCandidate, ask float64) {
	order.Action = direction
	order.InstrumentName = inst.Description
	order.InstrumentSymbol = inst.Symbol
	order.InstrumentUic = inst.Uic
	order.InstrumentPrice = ask
	order.Currency = inst.Currency
	order.Cost = product(order.Amount, ask)
	if order.RelatedOrderIDs == nil {
		order.RelatedOrderIDs = []string{}
	}
}

// positionRecord builds the ledger position from the broker position,
// falling back to the order figures for fields the broker left out.
func (o *Orchestrator) positionRecord(bp *broker.Position, order *domain.Order, inst *domain.InstrumentCandidate, amount int64, ask float64) *domain.Position {
	openPrice := ask
	if bp.PositionBase.OpenPrice.Valid && bp.PositionBase.OpenPrice.Value > 0 {
		openPrice = bp.PositionBase.OpenPrice.Value
	}
	units := float64(amount)
	if bp.PositionBase.Amount.Valid && bp.PositionBase.Amount.Value != 0 {
		units = bp.PositionBase.Amount.Value
	}
	opened := o.opts.now().UTC()
	if t, err := parseBrokerTime(bp.PositionBase.ExecutionTimeOpen); err == nil {
		opened = t
	}

	return &domain.Position{
		PositionID:        bp.PositionID,
		Action:            order.Action,
		Amount:            units,
		OpenPrice:         openPrice,
		TotalOpenPrice:    product(units, openPrice),
		Status:            domain.PositionOpen,
		Kind:              domain.KindMain,
		ExecutionTimeOpen: opened,
		OrderID:           order.OrderID,
		RelatedOrderIDs:   []string{},
		InstrumentName:    inst.Description,
		InstrumentSymbol:  inst.Symbol,
		InstrumentUic:     inst.Uic,
		Currency:          inst.Currency,
	}
}

var errNoTime = errors.New("empty time")

// parseBrokerTime parses the broker's RFC 3339 execution times.
func parseBrokerTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errNoTime
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
