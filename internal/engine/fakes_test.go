package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"wata/internal/broker"
	"wata/internal/config"
	"wata/internal/domain"
	"wata/internal/store"
)

func testConfig() config.TradeConfig {
	return config.TradeConfig{
		APILimits:   config.APILimits{TopClosedPositions: 500},
		PriceRange:  config.PriceRange{Min: 4, Max: 15},
		Retry:       config.RetryConfig{MaxRetries: 3},
		BuyingPower: config.BuyingPower{MaxFundsPercent: 100, SafetyMarginUnits: 1},
		Thresholds: config.Thresholds{
			StoplossPercent:          -20,
			MaxProfitPercent:         60,
			DailyProfitTargetPercent: 10,
		},
	}
}

type fakeInstruments struct {
	inst  *domain.InstrumentCandidate
	err   error
	calls int
}

func (f *fakeInstruments) FindTurbo(context.Context, string, int64, domain.Action) (*domain.InstrumentCandidate, error) {
	f.calls++
	return f.inst, f.err
}

type placedOrder struct {
	Uic     int64
	Amount  int64
	BuySell domain.BuySell
}

type fakeOrders struct {
	placed    []placedOrder
	cancelled []string
	err       error
	cancelOK  bool
}

func (f *fakeOrders) PlaceMarketOrder(_ context.Context, uic int64, _ string, amount int64, buySell domain.BuySell) (*domain.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.placed = append(f.placed, placedOrder{Uic: uic, Amount: amount, BuySell: buySell})
	return &domain.Order{
		OrderID:   fmt.Sprintf("ord-%d", len(f.placed)),
		BuySell:   buySell,
		Amount:    float64(amount),
		OrderType: "Market",
		Kind:      domain.KindMain,
	}, nil
}

func (f *fakeOrders) CancelOrder(_ context.Context, orderID string) bool {
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelOK
}

type fakePositions struct {
	open      []broker.Position
	closed    []broker.ClosedPositionItem
	spending  float64
	found     *broker.Position
	findErr   error
	closedErr error
}

func (f *fakePositions) GetOpenPositions(context.Context) ([]broker.Position, error) {
	return f.open, nil
}

func (f *fakePositions) GetClosedPositions(context.Context, int, int) ([]broker.ClosedPositionItem, error) {
	return f.closed, f.closedErr
}

func (f *fakePositions) GetSpendingPower(context.Context) (float64, error) {
	return f.spending, nil
}

func (f *fakePositions) FindPositionByOrderID(context.Context, string) (*broker.Position, error) {
	return f.found, f.findErr
}

// fakeLedger is an in-memory store.Ledger with error injection.
type fakeLedger struct {
	orders         map[string]*domain.Order
	positions      map[string]*domain.Position
	today          float64
	insertOrderErr error
	insertPosErr   error
	closeErr       error
	posInserts     int
}

var (
	_ store.Ledger      = (*fakeLedger)(nil)
	_ store.SampleStore = (*fakeSamples)(nil)
)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{orders: map[string]*domain.Order{}, positions: map[string]*domain.Position{}}
}

func (l *fakeLedger) InsertOrder(_ context.Context, o *domain.Order) error {
	if l.insertOrderErr != nil {
		return l.insertOrderErr
	}
	l.orders[o.OrderID] = o
	return nil
}

func (l *fakeLedger) InsertOpenPosition(_ context.Context, p *domain.Position) error {
	l.posInserts++
	if l.insertPosErr != nil {
		return l.insertPosErr
	}
	l.positions[p.PositionID] = p
	return nil
}

func (l *fakeLedger) UpdatePosition(_ context.Context, id string, upd store.PositionUpdate) error {
	p, ok := l.positions[id]
	if !ok || p.Status != domain.PositionOpen {
		if upd.Close != nil {
			return store.ErrPositionNotOpen
		}
		return nil
	}
	if upd.MaxPerformancePercent != nil && *upd.MaxPerformancePercent > p.MaxPerformancePercent {
		p.MaxPerformancePercent = *upd.MaxPerformancePercent
	}
	if c := upd.Close; c != nil {
		if l.closeErr != nil {
			return l.closeErr
		}
		p.Status = domain.PositionClosed
		p.ClosePrice = &c.ClosePrice
		p.CloseReason = &c.CloseReason
		p.ProfitLoss = &c.ProfitLoss
		p.TotalPerformancePercent = &c.TotalPerformancePercent
		p.ExecutionTimeClose = &c.ExecutionTimeClose
	}
	return nil
}

func (l *fakeLedger) GetOpenPositionIDs(ctx context.Context) ([]string, error) {
	refs, _ := l.GetOpenPositionIDsAndActions(ctx)
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.PositionID)
	}
	return ids, nil
}

func (l *fakeLedger) GetOpenPositionIDsAndActions(context.Context) ([]domain.PositionRef, error) {
	var refs []domain.PositionRef
	for _, p := range l.positions {
		if p.Status == domain.PositionOpen {
			refs = append(refs, domain.PositionRef{PositionID: p.PositionID, Action: p.Action})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].PositionID < refs[j].PositionID })
	return refs, nil
}

func (l *fakeLedger) CheckPositionIDsExist(_ context.Context, ids []string) ([]string, []string, error) {
	var found, notFound []string
	for _, id := range ids {
		if _, ok := l.positions[id]; ok {
			found = append(found, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return found, notFound, nil
}

func (l *fakeLedger) GetMaxPerformancePercent(_ context.Context, id string) (float64, error) {
	p, ok := l.positions[id]
	if !ok {
		return 0, store.ErrPositionNotFound
	}
	return p.MaxPerformancePercent, nil
}

func (l *fakeLedger) GetPercentOfDay(context.Context) (float64, error) {
	return l.today, nil
}

func (l *fakeLedger) addOpen(id string, action domain.Action, openPrice float64) {
	l.positions[id] = &domain.Position{
		PositionID: id,
		Action:     action,
		Amount:     100,
		OpenPrice:  openPrice,
		Status:     domain.PositionOpen,
		Kind:       domain.KindMain,
		OrderID:    "o-" + id,
	}
}

type fakeSamples struct {
	written []domain.PerformanceSample
}

func (s *fakeSamples) WriteSamples(_ context.Context, samples []domain.PerformanceSample) error {
	s.written = append(s.written, samples...)
	return nil
}

func (s *fakeSamples) ReadSamples(context.Context, time.Time) ([]domain.PerformanceSample, error) {
	return s.written, nil
}

func brokerPosition(id string, openPrice, bid float64, closable bool) broker.Position {
	return broker.Position{
		PositionID: id,
		PositionBase: broker.PositionBase{
			Amount:        broker.Num(100),
			AssetType:     "WarrantOpenEndKnockOut",
			CanBeClosed:   closable,
			OpenPrice:     broker.Num(openPrice),
			SourceOrderID: "o-" + id,
			Status:        "Open",
			Uic:           42,
		},
		PositionView: broker.PositionView{Bid: broker.Num(bid)},
	}
}

func closedItem(id string, openPrice, closePrice float64) broker.ClosedPositionItem {
	return broker.ClosedPositionItem{
		ClosedPositionUniqueID: "c-" + id,
		ClosedPosition: broker.ClosedPosition{
			OpeningPositionID:  id,
			Amount:             broker.Num(100),
			OpenPrice:          broker.Num(openPrice),
			ClosingPrice:       broker.Num(closePrice),
			ProfitLossOnTrade:  broker.Num((closePrice - openPrice) * 100),
			ExecutionTimeClose: "2026-03-10T14:00:00Z",
			BuyOrSell:          "Sell",
		},
		DisplayAndFormat: broker.DisplayAndFormat{Description: "TURBO LONG DAX 15000 CITI"},
	}
}
