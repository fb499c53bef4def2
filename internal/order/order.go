// Package order places and cancels market orders on the broker.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wata/internal/broker"
	"wata/internal/domain"
	"wata/internal/tradeerr"
	"wata/internal/util"
)

const (
	orderTypeMarket = "Market"
	durationDay     = "DayOrder"
)

// Service wraps the broker order endpoints.
type Service struct {
	api    broker.Requester
	acct   broker.Account
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an order Service.
func NewService(api broker.Requester, acct broker.Account, logger *slog.Logger) *Service {
	return &Service{api: api, acct: acct, logger: util.OrDefault(logger), now: time.Now}
}

// PlaceMarketOrder submits a day market order for amount units of uic. The
// returned Order carries the broker order id, side, amount and submit time;
// callers fill in the instrument and ledger fields.
func (s *Service) PlaceMarketOrder(ctx context.Context, uic int64, assetType string, amount int64, buySell domain.BuySell) (*domain.Order, error) {
	payload := map[string]any{
		"Uic":           uic,
		"AssetType":     assetType,
		"Amount":        amount,
		"BuySell":       string(buySell),
		"AccountKey":    s.acct.AccountKey,
		"OrderType":     orderTypeMarket,
		"ManualOrder":   false,
		"OrderDuration": map[string]any{"DurationType": durationDay},
	}
	ep := broker.Endpoint{Method: http.MethodPost, Path: broker.PathOrders, Body: payload}

	resp, err := broker.Fetch[broker.OrderResponse](ctx, s.api, ep)
	if err != nil {
		return nil, fmt.Errorf("place %s order on %d: %w", buySell, uic, err)
	}
	if resp == nil || resp.OrderID == "" {
		return nil, &tradeerr.OrderPlacement{
			Message:      "Order placement response missing OrderId",
			OrderPayload: payload,
		}
	}

	s.logger.Info("market order placed",
		"order_id", resp.OrderID,
		"uic", uic,
		"buy_sell", buySell,
		"amount", amount,
	)
	return &domain.Order{
		OrderID:    resp.OrderID,
		BuySell:    buySell,
		Amount:     float64(amount),
		OrderType:  orderTypeMarket,
		Kind:       domain.KindMain,
		SubmitTime: s.now().UTC(),
	}, nil
}

// CancelOrder asks the broker to cancel orderID. It never fails: the result
// only reports whether the broker accepted the cancellation.
func (s *Service) CancelOrder(ctx context.Context, orderID string) bool {
	_, err := s.api.Request(ctx, broker.Endpoint{
		Method: http.MethodDelete,
		Path:   broker.PathOrders + "/" + orderID,
		Params: map[string]string{"AccountKey": s.acct.AccountKey},
	})
	if err != nil {
		s.logger.Warn("order cancellation failed", "order_id", orderID, "error", err)
		return false
	}
	s.logger.Info("order cancelled", "order_id", orderID)
	return true
}
