// Package rules decides whether an inbound signal may be acted upon. Every
// check returns a *tradeerr.RuleViolation when the signal must be dropped.
package rules

import (
	"fmt"
	"time"

	"wata/internal/config"
	"wata/internal/domain"
	"wata/internal/tradeerr"
	"wata/internal/util"
)

// Rule names reported in violations.
const (
	RuleSignalFreshness   = "signal_freshness"
	RuleMarketWindow      = "market_window"
	RuleIndiceID          = "indice_id"
	RuleDuplicatePosition = "duplicate_position"
	RuleDailyProfitCap    = "daily_profit_cap"
)

// Engine evaluates signal admissibility. It holds no mutable state.
type Engine struct {
	cfg      config.RulesConfig
	calendar *util.TradingCalendar
}

// NewEngine creates a rule engine evaluating market hours in loc.
func NewEngine(cfg config.RulesConfig, loc *time.Location) *Engine {
	return &Engine{
		cfg: cfg,
		calendar: util.NewTradingCalendar(loc, cfg.ClosedDates,
			cfg.TradingStartHour, cfg.TradingEndHour,
			cfg.RiskyTradingStartHour, cfg.RiskyTradingStartMinute),
	}
}

// CheckSignalFreshness rejects signals older than the allowed age. The
// broker position check uses a short fixed bound; every other action uses
// max_signal_age_minutes.
func (e *Engine) CheckSignalFreshness(action domain.Action, signalTimestamp, now time.Time) error {
	maxAge := time.Duration(e.cfg.MaxSignalAgeMinutes * float64(time.Minute))
	if action == domain.ActionCheckPositions {
		maxAge = time.Duration(e.cfg.CheckSignalMaxAgeSeconds * float64(time.Second))
	}

	age := now.Sub(signalTimestamp)
	if age > maxAge {
		return &tradeerr.RuleViolation{
			Rule:   RuleSignalFreshness,
			Reason: fmt.Sprintf("signal for %s is %s old, max %s", action, age.Round(time.Second), maxAge),
		}
	}
	return nil
}

// CheckMarketWindow rejects signals on closed dates, outside trading hours
// and inside the risky tail window.
func (e *Engine) CheckMarketWindow(now time.Time) error {
	if reason := e.calendar.ClosedReason(now); reason != "" {
		return &tradeerr.RuleViolation{Rule: RuleMarketWindow, Reason: reason}
	}
	return nil
}

// ResolveIndiceID maps an indice name to its broker underlying id.
func (e *Engine) ResolveIndiceID(name string) (int64, error) {
	id, ok := e.cfg.IndiceIDs[name]
	if !ok {
		return 0, &tradeerr.RuleViolation{
			Rule:   RuleIndiceID,
			Reason: fmt.Sprintf("unknown indice %q", name),
		}
	}
	return id, nil
}

// CheckNoDuplicateDirection rejects an open signal when a position of the
// same action is already open.
func (e *Engine) CheckNoDuplicateDirection(action domain.Action, open []domain.PositionRef) error {
	for _, p := range open {
		if p.Action == action {
			return &tradeerr.RuleViolation{
				Rule:   RuleDuplicatePosition,
				Reason: fmt.Sprintf("a %s position is already open (%s)", action, p.PositionID),
			}
		}
	}
	return nil
}

// CheckDailyProfitCap rejects new trades once today's realized percent
// reaches the profit cap or falls to the loss cap.
func (e *Engine) CheckDailyProfitCap(todayPercent float64) error {
	if todayPercent >= e.cfg.DailyProfitCapPercent {
		return &tradeerr.RuleViolation{
			Rule:   RuleDailyProfitCap,
			Reason: fmt.Sprintf("day profit %.2f%% reached cap %.2f%%", todayPercent, e.cfg.DailyProfitCapPercent),
		}
	}
	if todayPercent <= e.cfg.DailyLossCapPercent {
		return &tradeerr.RuleViolation{
			Rule:   RuleDailyProfitCap,
			Reason: fmt.Sprintf("day loss %.2f%% reached cap %.2f%%", todayPercent, e.cfg.DailyLossCapPercent),
		}
	}
	return nil
}
