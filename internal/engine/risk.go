package engine

import (
	"math"

	"github.com/shopspring/decimal"

	"wata/internal/config"
	"wata/internal/domain"
	"wata/internal/tradeerr"
)

var hundred = decimal.NewFromInt(100)

// OrderAmount returns the number of units to buy:
//
//	floor(spendingPower * maxFundsPercent/100 / ask) - safetyMargin
//
// A non-positive result fails with InsufficientFunds.
func OrderAmount(spendingPower, maxFundsPercent, ask float64, safetyMargin int64) (int64, error) {
	if ask <= 0 || math.IsNaN(ask) {
		return 0, &tradeerr.NoMarketAvailable{Reason: "No valid ask price for the selected instrument"}
	}

	funds := decimal.NewFromFloat(spendingPower).
		Mul(decimal.NewFromFloat(maxFundsPercent)).
		Div(hundred)
	amount := funds.Div(decimal.NewFromFloat(ask)).Floor().IntPart() - safetyMargin

	if amount <= 0 {
		return 0, &tradeerr.InsufficientFunds{
			AvailableFunds:   spendingPower,
			RequiredPrice:    ask,
			CalculatedAmount: amount,
		}
	}
	return amount, nil
}

// PerformancePercent returns (bid/open - 1) * 100 rounded to two decimals.
func PerformancePercent(bid, open float64) float64 {
	d := decimal.NewFromFloat(bid).
		Div(decimal.NewFromFloat(open)).
		Sub(decimal.NewFromInt(1)).
		Mul(hundred)
	f, _ := d.Round(2).Float64()
	return f
}

// closePerformance returns close*100/open - 100 rounded to two decimals, the
// realized percent stored on a closed position.
func closePerformance(closePrice, openPrice float64) float64 {
	if openPrice == 0 {
		return 0
	}
	d := decimal.NewFromFloat(closePrice).
		Mul(hundred).
		Div(decimal.NewFromFloat(openPrice)).
		Sub(hundred)
	f, _ := d.Round(2).Float64()
	return f
}

// product returns a*b without float drift on prices.
func product(a, b float64) float64 {
	f, _ := decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Float64()
	return f
}

// combinedDayPercent treats the position as if it were the whole account:
// (1+today/100)*(1+performance/100) - 1, in percent.
func combinedDayPercent(todayPercent, performance float64) float64 {
	factor := (1 + todayPercent/100) * (1 + performance/100)
	return math.Round((factor-1)*100*100) / 100
}

// closeTrigger returns the close reason for a position at performance, or ""
// when it should stay open. The first matching rule wins.
func closeTrigger(th config.Thresholds, performance, todayPercent float64) string {
	switch {
	case performance <= th.StoplossPercent:
		return domain.CloseReasonStoploss
	case performance >= th.MaxProfitPercent:
		return domain.CloseReasonTakeprofit
	case th.DailyProfitTargetPercent > 0 &&
		combinedDayPercent(todayPercent, performance) >= th.DailyProfitTargetPercent:
		return domain.CloseReasonDailyTarget
	}
	return ""
}
