// Package position reads positions and balances from the broker and confirms
// the position opened by an order.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"wata/internal/broker"
	"wata/internal/config"
	"wata/internal/tradeerr"
	"wata/internal/util"
)

const (
	openFieldGroups   = "Costs,DisplayAndFormat,ExchangeInfo,PositionBase,PositionIdOnly,PositionView"
	closedFieldGroups = "ClosedPosition,ClosedPositionDetails,DisplayAndFormat,ExchangeInfo"
)

var errPositionPending = errors.New("position not yet visible")

// OrderCanceller cancels an order, reporting success.
type OrderCanceller interface {
	CancelOrder(ctx context.Context, orderID string) bool
}

// Service wraps the broker portfolio endpoints.
type Service struct {
	api    broker.Requester
	orders OrderCanceller
	acct   broker.Account
	cfg    config.TradeConfig
	logger *slog.Logger
}

// NewService creates a position Service.
func NewService(api broker.Requester, orders OrderCanceller, acct broker.Account, cfg config.TradeConfig, logger *slog.Logger) *Service {
	return &Service{api: api, orders: orders, acct: acct, cfg: cfg, logger: util.OrDefault(logger)}
}

// GetOpenPositions returns the account's open positions.
func (s *Service) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	list, err := broker.Fetch[broker.PositionList](ctx, s.api, broker.Endpoint{
		Method: http.MethodGet,
		Path:   broker.PathPositions,
		Params: map[string]string{
			"$top":        strconv.Itoa(s.cfg.APILimits.TopPositions),
			"FieldGroups": openFieldGroups,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	if list == nil {
		return nil, nil
	}
	return list.Data, nil
}

// GetClosedPositions returns one page of recently closed positions.
func (s *Service) GetClosedPositions(ctx context.Context, top, skip int) ([]broker.ClosedPositionItem, error) {
	list, err := broker.Fetch[broker.ClosedPositionList](ctx, s.api, broker.Endpoint{
		Method: http.MethodGet,
		Path:   broker.PathClosedPositions,
		Params: map[string]string{
			"$top":        strconv.Itoa(top),
			"$skip":       strconv.Itoa(skip),
			"FieldGroups": closedFieldGroups,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get closed positions: %w", err)
	}
	if list == nil {
		return nil, nil
	}
	return list.Data, nil
}

// GetSpendingPower returns the funds available for new trades.
func (s *Service) GetSpendingPower(ctx context.Context) (float64, error) {
	ep := broker.Endpoint{
		Method: http.MethodGet,
		Path:   broker.PathBalances,
		Params: map[string]string{"ClientKey": s.acct.ClientKey, "AccountKey": s.acct.AccountKey},
	}
	balance, err := broker.Fetch[broker.Balance](ctx, s.api, ep)
	if err != nil {
		return 0, fmt.Errorf("get spending power: %w", err)
	}
	if balance == nil || len(balance.SpendingPower) == 0 || string(balance.SpendingPower) == "null" {
		return 0, &tradeerr.BrokerAPI{
			Message:        "Invalid balance response received, missing SpendingPower",
			RequestDetails: ep.String(),
		}
	}

	var n broker.Number
	if err := n.UnmarshalJSON(balance.SpendingPower); err != nil || !n.Valid {
		return 0, &tradeerr.BrokerAPI{
			Message:        fmt.Sprintf("Invalid SpendingPower value received: %s", balance.SpendingPower),
			RequestDetails: ep.String(),
		}
	}
	return n.Value, nil
}

// FindPositionByOrderID polls the open positions for the one opened by
// orderID. When it never shows up the order is cancelled and a
// PositionNotFound error reports the cancellation outcome.
func (s *Service) FindPositionByOrderID(ctx context.Context, orderID string) (*broker.Position, error) {
	policy := util.FixedPolicy(s.cfg.Retry.MaxRetries, s.cfg.Retry.RetrySleep())
	policy.Retryable = func(err error) bool { return errors.Is(err, errPositionPending) }
	policy.OnRetry = func(attempt int, _ error) {
		s.logger.Info("position not visible yet", "order_id", orderID, "attempt", attempt)
	}

	pos, err := util.Do(ctx, policy, func(int) (*broker.Position, error) {
		positions, err := s.GetOpenPositions(ctx)
		if err != nil {
			return nil, err
		}
		for i := range positions {
			if positions[i].PositionBase.SourceOrderID == orderID {
				return &positions[i], nil
			}
		}
		return nil, errPositionPending
	})
	if err == nil {
		return pos, nil
	}
	if !errors.Is(err, errPositionPending) {
		return nil, err
	}

	s.logger.Error("position not found, cancelling potentially orphan order", "order_id", orderID)
	cancelled := s.orders.CancelOrder(ctx, orderID)
	return nil, &tradeerr.PositionNotFound{
		OrderID:               orderID,
		Retries:               s.cfg.Retry.MaxRetries,
		CancellationAttempted: true,
		CancellationSucceeded: cancelled,
	}
}
