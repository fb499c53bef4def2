package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wata/internal/broker"
	"wata/internal/domain"
	"wata/internal/tradeerr"
)

func TestOrderAmount(t *testing.T) {
	got, err := OrderAmount(1000, 100, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got)

	got, err = OrderAmount(1000, 50, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got)

	got, err = OrderAmount(1000, 100, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(333), got)

	_, err = OrderAmount(0, 100, 10, 1)
	var funds *tradeerr.InsufficientFunds
	require.ErrorAs(t, err, &funds)
	assert.Equal(t, int64(-1), funds.CalculatedAmount)
	assert.Equal(t, 10.0, funds.RequiredPrice)

	_, err = OrderAmount(1000, 100, 0, 1)
	assert.Equal(t, tradeerr.KindNoMarketAvailable, tradeerr.KindOf(err))
}

func TestPerformancePercent(t *testing.T) {
	assert.Equal(t, 10.0, PerformancePercent(11, 10))
	assert.Equal(t, -20.0, PerformancePercent(8, 10))
	assert.Equal(t, 1.23, PerformancePercent(10.123, 10))
	assert.Equal(t, 20.0, closePerformance(12, 10))
}

func TestCloseTrigger(t *testing.T) {
	th := testConfig().Thresholds
	th.DailyProfitTargetPercent = 1

	tests := []struct {
		name  string
		perf  float64
		today float64
		want  string
	}{
		{"at stoploss", -20, 0, domain.CloseReasonStoploss},
		{"below stoploss", -25, 3, domain.CloseReasonStoploss},
		{"at take profit", 60, 0, domain.CloseReasonTakeprofit},
		{"daily target reached", 0.5, 0.5, domain.CloseReasonDailyTarget},
		{"daily target missed", 0.4, 0.5, ""},
		{"inside band", 5, -5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, closeTrigger(th, tt.perf, tt.today))
		})
	}

	th.DailyProfitTargetPercent = 0
	assert.Equal(t, "", closeTrigger(th, 5, 10), "zero target disables the daily rule")
}

func turbo() *domain.InstrumentCandidate {
	return &domain.InstrumentCandidate{
		Uic:         42,
		AssetType:   "WarrantOpenEndKnockOut",
		Symbol:      "TL1",
		Description: "TURBO LONG DAX 15000 CITI",
		Currency:    "EUR",
		Ask:         10.1,
		LatestAsk:   10,
		LatestBid:   9.95,
	}
}

type orchestratorFixture struct {
	inst      *fakeInstruments
	orders    *fakeOrders
	positions *fakePositions
	ledger    *fakeLedger
	orch      *Orchestrator
}

func newOrchestratorFixture() *orchestratorFixture {
	f := &orchestratorFixture{
		inst:   &fakeInstruments{inst: turbo()},
		orders: &fakeOrders{cancelOK: true},
		positions: &fakePositions{
			spending: 1000,
			found: &broker.Position{
				PositionID: "pos-1",
				PositionBase: broker.PositionBase{
					Amount:            broker.Num(99),
					OpenPrice:         broker.Num(10.02),
					SourceOrderID:     "ord-1",
					ExecutionTimeOpen: "2026-03-10T09:00:00.123Z",
				},
			},
		},
		ledger: newFakeLedger(),
	}
	f.orch = NewOrchestrator(f.inst, f.orders, f.positions, f.ledger, testConfig())
	return f
}

func TestExecuteSignalRecordsTrade(t *testing.T) {
	f := newOrchestratorFixture()

	res, err := f.orch.ExecuteSignal(context.Background(), "CATS", 1909050, domain.ActionLong)
	require.NoError(t, err)

	assert.Equal(t, "Successfully executed and recorded trade for long.", res.Message)
	require.Len(t, f.orders.placed, 1)
	assert.Equal(t, placedOrder{Uic: 42, Amount: 99, BuySell: domain.Buy}, f.orders.placed[0])
	assert.Empty(t, f.orders.cancelled)

	order := f.ledger.orders["ord-1"]
	require.NotNil(t, order)
	assert.Equal(t, domain.ActionLong, order.Action)
	assert.Equal(t, "pos-1", order.PositionID)
	assert.Equal(t, 10.0, order.InstrumentPrice)
	assert.Equal(t, 990.0, order.Cost)

	pos := f.ledger.positions["pos-1"]
	require.NotNil(t, pos)
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Equal(t, 10.02, pos.OpenPrice)
	assert.Equal(t, 99.0, pos.Amount)
	assert.Equal(t, "ord-1", pos.OrderID)
	assert.True(t, pos.ExecutionTimeOpen.Equal(time.Date(2026, 3, 10, 9, 0, 0, 123e6, time.UTC)))
}

func TestExecuteSignalFallsBackToOrderFigures(t *testing.T) {
	f := newOrchestratorFixture()
	clock := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	f.orch = NewOrchestrator(f.inst, f.orders, f.positions, f.ledger, testConfig(), WithClock(func() time.Time { return clock }))
	f.positions.found = &broker.Position{PositionID: "pos-2", PositionBase: broker.PositionBase{SourceOrderID: "ord-1"}}

	_, err := f.orch.ExecuteSignal(context.Background(), "CATS", 1909050, domain.ActionLong)
	require.NoError(t, err)

	pos := f.ledger.positions["pos-2"]
	require.NotNil(t, pos)
	assert.Equal(t, 10.0, pos.OpenPrice)
	assert.Equal(t, 99.0, pos.Amount)
	assert.Equal(t, 990.0, pos.TotalOpenPrice)
	assert.True(t, pos.ExecutionTimeOpen.Equal(clock))
}

func TestExecuteSignalInsufficientFunds(t *testing.T) {
	f := newOrchestratorFixture()
	f.positions.spending = 0

	_, err := f.orch.ExecuteSignal(context.Background(), "CATS", 1, domain.ActionShort)
	assert.Equal(t, tradeerr.KindInsufficientFunds, tradeerr.KindOf(err))
	assert.Empty(t, f.orders.placed)
}

func TestExecuteSignalPositionNotFoundIsNotCompensatedTwice(t *testing.T) {
	f := newOrchestratorFixture()
	f.positions.found = nil
	f.positions.findErr = &tradeerr.PositionNotFound{OrderID: "ord-1", Retries: 3, CancellationAttempted: true, CancellationSucceeded: true}

	_, err := f.orch.ExecuteSignal(context.Background(), "CATS", 1, domain.ActionLong)
	assert.Equal(t, tradeerr.KindPositionNotFound, tradeerr.KindOf(err))
	assert.Empty(t, f.orders.cancelled)
	assert.Empty(t, f.ledger.orders)
}

func TestExecuteSignalCancelsOnLookupFailure(t *testing.T) {
	f := newOrchestratorFixture()
	f.positions.found = nil
	f.positions.findErr = &tradeerr.BrokerAPI{Message: "boom", StatusCode: 500}

	_, err := f.orch.ExecuteSignal(context.Background(), "CATS", 1, domain.ActionLong)
	assert.Equal(t, tradeerr.KindBrokerAPI, tradeerr.KindOf(err))
	assert.Equal(t, []string{"ord-1"}, f.orders.cancelled)
}

func TestExecuteSignalLedgerFailureIsCritical(t *testing.T) {
	f := newOrchestratorFixture()
	f.ledger.insertOrderErr = errors.New("DB Connection Error")

	_, err := f.orch.ExecuteSignal(context.Background(), "CATS", 1, domain.ActionLong)

	var dbErr *tradeerr.DatabaseOperation
	require.ErrorAs(t, err, &dbErr)
	assert.True(t, dbErr.Critical)
	assert.Equal(t, "insert_trade_data", dbErr.Operation)
	assert.Equal(t, "ord-1", dbErr.EntityID)
	assert.Contains(t, err.Error(), "CRITICAL")
	assert.Contains(t, err.Error(), "DB Connection Error")
	assert.Zero(t, f.ledger.posInserts, "position insert must not follow a failed order insert")
	assert.Equal(t, []string{"ord-1"}, f.orders.cancelled)
}

func TestExecuteSignalPropagatesSearchErrors(t *testing.T) {
	f := newOrchestratorFixture()
	f.inst.err = &tradeerr.NoTurbosAvailable{Reason: "No turbos found in price range"}

	_, err := f.orch.ExecuteSignal(context.Background(), "CATS", 1, domain.ActionLong)
	assert.Equal(t, tradeerr.KindNoTurbosAvailable, tradeerr.KindOf(err))
	assert.Empty(t, f.orders.placed)
}
