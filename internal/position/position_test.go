package position

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wata/internal/broker"
	"wata/internal/config"
	"wata/internal/tradeerr"
)

type stubCanceller struct {
	result bool
	calls  []string
}

func (s *stubCanceller) CancelOrder(_ context.Context, orderID string) bool {
	s.calls = append(s.calls, orderID)
	return s.result
}

func newService(sim *broker.Simulator, orders OrderCanceller) *Service {
	client := broker.NewClient(broker.StaticToken("tok"), sim.Factory())
	cfg := config.TradeConfig{
		APILimits: config.APILimits{TopPositions: 200},
		Retry:     config.RetryConfig{MaxRetries: 5},
	}
	return NewService(client, orders, broker.Account{AccountKey: "acc", ClientKey: "cli"}, cfg, nil)
}

func positionsJSON(ids ...string) map[string]any {
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		items = append(items, map[string]any{
			"PositionId": "pos-" + id,
			"PositionBase": map[string]any{
				"Amount":        10,
				"OpenPrice":     10.0,
				"SourceOrderId": id,
				"CanBeClosed":   true,
				"Status":        "Open",
			},
			"PositionView": map[string]any{"Bid": 11.0},
		})
	}
	return map[string]any{"Data": items}
}

func TestGetSpendingPower(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
		msg  string
	}{
		{"number", `{"SpendingPower":50000.0}`, 50000, ""},
		{"numeric string", `{"SpendingPower":"50000.0"}`, 50000, ""},
		{"missing", `{"CashBalance":1}`, 0, "missing SpendingPower"},
		{"null", `{"SpendingPower":null}`, 0, "missing SpendingPower"},
		{"not numeric", `{"SpendingPower":"lots"}`, 0, "Invalid SpendingPower value"},
		{"wrong type", `{"SpendingPower":{"x":1}}`, 0, "Invalid SpendingPower value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := broker.NewSimulator().On(http.MethodGet, broker.PathBalances, broker.Reply{Body: tt.body})

			got, err := newService(sim, &stubCanceller{}).GetSpendingPower(context.Background())
			if tt.msg == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			var apiErr *tradeerr.BrokerAPI
			require.ErrorAs(t, err, &apiErr)
			assert.Contains(t, apiErr.Message, tt.msg)
		})
	}
}

func TestFindPositionByOrderID(t *testing.T) {
	sim := broker.NewSimulator().On(http.MethodGet, broker.PathPositions,
		broker.Reply{Body: positionsJSON("other")},
		broker.Reply{Body: positionsJSON("other", "o1")},
	)
	orders := &stubCanceller{result: true}

	pos, err := newService(sim, orders).FindPositionByOrderID(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, "pos-o1", pos.PositionID)
	assert.Equal(t, 2, sim.Count(http.MethodGet, broker.PathPositions))
	assert.Empty(t, orders.calls)
}

func TestFindPositionByOrderIDExhausted(t *testing.T) {
	for _, cancelled := range []bool{true, false} {
		sim := broker.NewSimulator().On(http.MethodGet, broker.PathPositions, broker.Reply{Body: positionsJSON("other")})
		orders := &stubCanceller{result: cancelled}

		_, err := newService(sim, orders).FindPositionByOrderID(context.Background(), "o1")
		var pnf *tradeerr.PositionNotFound
		require.ErrorAs(t, err, &pnf)
		assert.Equal(t, "o1", pnf.OrderID)
		assert.True(t, pnf.CancellationAttempted)
		assert.Equal(t, cancelled, pnf.CancellationSucceeded)
		assert.Equal(t, []string{"o1"}, orders.calls)
		assert.Equal(t, 5, sim.Count(http.MethodGet, broker.PathPositions))
		assert.True(t, tradeerr.IsFatal(tradeerr.KindOf(err)))
		if cancelled {
			assert.Contains(t, err.Error(), "successfully cancelled potentially orphan order")
		} else {
			assert.Contains(t, err.Error(), "failed to cancel potentially orphan order")
		}
	}
}

func TestFindPositionByOrderIDBrokerError(t *testing.T) {
	sim := broker.NewSimulator().On(http.MethodGet, broker.PathPositions, broker.Reply{Status: 500})
	orders := &stubCanceller{}

	_, err := newService(sim, orders).FindPositionByOrderID(context.Background(), "o1")
	assert.Equal(t, tradeerr.KindBrokerAPI, tradeerr.KindOf(err))
	assert.Equal(t, 1, sim.Count(http.MethodGet, broker.PathPositions))
	assert.Empty(t, orders.calls)
}

func TestGetClosedPositions(t *testing.T) {
	sim := broker.NewSimulator().On(http.MethodGet, broker.PathClosedPositions, broker.Reply{Body: `{"Data":[
		{"ClosedPosition":{"OpeningPositionId":"p1","ClosingPrice":12.0,"OpenPrice":10.0,"Amount":10,"ProfitLossOnTrade":20,"ExecutionTimeClose":"2026-10-14T12:00:00Z"}}
	]}`})

	items, err := newService(sim, &stubCanceller{}).GetClosedPositions(context.Background(), 50, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p1", items[0].ClosedPosition.OpeningPositionID)
	assert.Equal(t, 12.0, items[0].ClosedPosition.ClosingPrice.Value)

	req := sim.Requests()[0]
	assert.Equal(t, "50", req.Params["$top"])
	assert.Equal(t, "10", req.Params["$skip"])
}
