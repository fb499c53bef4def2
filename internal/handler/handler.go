// Package handler turns inbound signal messages into trading actions. It
// validates and gates each signal, dispatches it to the orchestrator or the
// monitor and decides whether the message may be acknowledged.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"wata/internal/domain"
	"wata/internal/engine"
	"wata/internal/metrics"
	"wata/internal/notify"
	"wata/internal/rules"
	"wata/internal/store"
	"wata/internal/tradeerr"
	"wata/internal/util"
)

// Signal outcomes reported in metrics.
const (
	OutcomeExecuted = "executed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeFatal    = "fatal"
	OutcomeInvalid  = "invalid"
)

// statsDays is the number of days summarised by the daily_stats action.
const statsDays = 7

// Trader opens positions.
type Trader interface {
	ExecuteSignal(ctx context.Context, exchangeID string, underlyingID int64, direction domain.Action) (*engine.ExecutionResult, error)
}

// PositionMonitor checks, reconciles and closes positions.
type PositionMonitor interface {
	CheckAllPositionsPerformance(ctx context.Context) (*engine.MonitorResult, error)
	SyncDBPositionsWithAPI(ctx context.Context) (*engine.SyncResult, error)
	CloseManagedPositionsByCriteria(ctx context.Context, directionFilter domain.Action) (*engine.CloseResult, error)
}

// HealthSetter receives the serving state of the handler.
type HealthSetter interface {
	SetServing(ok bool)
}

// FatalError is returned by Handle when the process must stop. The message
// that produced it may still be committed.
type FatalError struct {
	Kind tradeerr.Kind
	Err  error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal %s: %v", e.Kind, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// ExitCode returns the process exit code of the error's kind.
func (e *FatalError) ExitCode() int { return tradeerr.ExitCode(e.Kind) }

// Deps are the collaborators of a Handler. Notifier, Metrics, Health,
// Logger and Now are optional.
type Deps struct {
	Rules      *rules.Engine
	Trader     Trader
	Monitor    PositionMonitor
	Ledger     store.StatsLedger
	ExchangeID string

	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Health   HealthSetter
	Logger   *slog.Logger
	Now      func() time.Time
}

// Handler processes one signal at a time.
type Handler struct {
	mu       sync.Mutex
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Handler.
func New(deps Deps) *Handler {
	h := &Handler{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   util.OrDefault(deps.Logger),
		now:      deps.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.deps.Notifier == nil {
		h.deps.Notifier = notify.LogNotifier{Logger: h.logger}
	}
	return h
}

// Handle decodes and processes a signal message. It returns nil when the
// message may be acknowledged, including after a non-fatal failure that has
// been notified, and a *FatalError when the process must stop.
func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	var sig domain.TradeSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		h.logger.Warn("dropping undecodable signal", "error", err, "payload", string(payload))
		h.deps.Metrics.Signal("unknown", OutcomeInvalid)
		h.deps.Notifier.Send(ctx, fmt.Sprintf("ERROR: invalid signal payload: %v", err))
		return nil
	}
	return h.HandleSignal(ctx, sig)
}

// HandleSignal processes a decoded signal.
func (h *Handler) HandleSignal(ctx context.Context, sig domain.TradeSignal) error {
	if err := h.validate.Struct(sig); err != nil {
		h.logger.Warn("dropping invalid signal", "error", err, "action", sig.Action)
		h.deps.Metrics.Signal(string(sig.Action), OutcomeInvalid)
		h.deps.Notifier.Send(ctx, fmt.Sprintf("ERROR: invalid signal %q: %v", sig.Action, err))
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	log := h.logger.With("action", sig.Action, "indice", sig.Indice)
	log.Info("signal received", "signal_timestamp", sig.SignalTimestamp)

	err := h.dispatch(ctx, sig)
	return h.finish(ctx, log, sig, err)
}

// RunMonitor runs a performance check followed by a ledger sync under the
// handler's lock.
func (h *Handler) RunMonitor(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sig := domain.TradeSignal{Action: domain.ActionCheckPositions, SignalTimestamp: h.now()}
	return h.finish(ctx, h.logger.With("action", sig.Action), sig, h.checkPositions(ctx))
}

// RunSync reconciles the ledger with the broker under the handler's lock.
func (h *Handler) RunSync(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sig := domain.TradeSignal{Action: domain.ActionCheckPositions, SignalTimestamp: h.now()}
	_, err := h.sync(ctx)
	return h.finish(ctx, h.logger.With("action", "sync"), sig, err)
}

// RunClose closes the managed positions of direction (all when empty) under
// the handler's lock.
func (h *Handler) RunClose(ctx context.Context, direction domain.Action) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sig := domain.TradeSignal{Action: domain.ActionClosePosition, SignalTimestamp: h.now()}
	return h.finish(ctx, h.logger.With("action", "close", "direction", direction), sig, h.closePositions(ctx, direction))
}

func (h *Handler) dispatch(ctx context.Context, sig domain.TradeSignal) error {
	if err := h.deps.Rules.CheckSignalFreshness(sig.Action, sig.SignalTimestamp, h.now()); err != nil {
		return err
	}

	switch sig.Action {
	case domain.ActionLong, domain.ActionShort:
		return h.open(ctx, sig)
	case domain.ActionCloseLong:
		return h.closePositions(ctx, domain.ActionLong)
	case domain.ActionCloseShort:
		return h.closePositions(ctx, domain.ActionShort)
	case domain.ActionClosePosition:
		return h.closePositions(ctx, "")
	case domain.ActionCheckPositions:
		return h.checkPositions(ctx)
	case domain.ActionDailyStats:
		report, err := h.statsReport(ctx)
		if err != nil {
			return err
		}
		h.deps.Notifier.Send(ctx, report)
		return nil
	}
	return &tradeerr.RuleViolation{Rule: "action", Reason: fmt.Sprintf("unknown action %q", sig.Action)}
}

// open gates an open signal through the rules and executes it.
func (h *Handler) open(ctx context.Context, sig domain.TradeSignal) error {
	r := h.deps.Rules
	if err := r.CheckMarketWindow(h.now()); err != nil {
		return err
	}
	underlyingID, err := r.ResolveIndiceID(sig.Indice)
	if err != nil {
		return err
	}

	refs, err := h.deps.Ledger.GetOpenPositionIDsAndActions(ctx)
	if err != nil {
		return err
	}
	if err := r.CheckNoDuplicateDirection(sig.Action, refs); err != nil {
		return err
	}
	today, err := h.deps.Ledger.GetPercentOfDay(ctx)
	if err != nil {
		return err
	}
	if err := r.CheckDailyProfitCap(today); err != nil {
		return err
	}

	res, err := h.deps.Trader.ExecuteSignal(ctx, h.deps.ExchangeID, underlyingID, sig.Action)
	if err != nil {
		return err
	}
	h.deps.Notifier.Send(ctx, formatExecution(res))
	return nil
}

func (h *Handler) closePositions(ctx context.Context, direction domain.Action) error {
	res, err := h.deps.Monitor.CloseManagedPositionsByCriteria(ctx, direction)
	if res != nil && (res.Initiated > 0 || res.Errors > 0) {
		label := string(direction)
		if label == "" {
			label = "all"
		}
		h.deps.Notifier.Send(ctx, fmt.Sprintf("Close %s positions: %d initiated, %d updated, %d errors",
			label, res.Initiated, res.Updated, res.Errors))
	}
	return err
}

func (h *Handler) checkPositions(ctx context.Context) error {
	res, err := h.deps.Monitor.CheckAllPositionsPerformance(ctx)
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		h.deps.Notifier.Send(ctx, "Position check errors:\n"+strings.Join(res.Errors, "\n"))
	}
	_, err = h.sync(ctx)
	return err
}

func (h *Handler) sync(ctx context.Context) (*engine.SyncResult, error) {
	res, err := h.deps.Monitor.SyncDBPositionsWithAPI(ctx)
	if err != nil {
		return res, err
	}
	if len(res.Anomalies) > 0 {
		h.deps.Notifier.Send(ctx, "Ledger anomalies:\n"+strings.Join(res.Anomalies, "\n"))
	}
	return res, nil
}

func (h *Handler) statsReport(ctx context.Context) (string, error) {
	today, err := h.deps.Ledger.GetDayStats(ctx, h.now())
	if err != nil {
		return "", err
	}
	days, err := h.deps.Ledger.GetPercentOfLastNDays(ctx, statsDays)
	if err != nil {
		return "", err
	}
	return FormatDailyStats(today, days), nil
}

// finish classifies the outcome of a signal. Non-fatal errors are notified
// and swallowed. Fatal errors mark the handler unhealthy and, for a
// critical ledger failure, the ledger corrupted.
func (h *Handler) finish(ctx context.Context, log *slog.Logger, sig domain.TradeSignal, err error) error {
	action := string(sig.Action)
	if err == nil {
		log.Info("signal processed")
		h.deps.Metrics.Signal(action, OutcomeExecuted)
		return nil
	}

	kind := tradeerr.KindOf(err)
	if !tradeerr.IsFatal(kind) {
		outcome := OutcomeFailed
		if kind == tradeerr.KindRuleViolation {
			outcome = OutcomeRejected
		}
		log.Warn("signal not executed", "kind", kind, "error", err)
		h.deps.Metrics.Signal(action, outcome)
		h.deps.Notifier.Send(ctx, fmt.Sprintf("%s %s: %v", kind, action, err))
		return nil
	}

	log.Error("fatal error while processing signal", "kind", kind, "error", err)
	h.deps.Metrics.Signal(action, OutcomeFatal)

	var dbErr *tradeerr.DatabaseOperation
	if errors.As(err, &dbErr) && dbErr.Critical && h.deps.Ledger != nil {
		if markErr := h.deps.Ledger.MarkCorrupted(err.Error()); markErr != nil {
			log.Error("failed to mark ledger corrupted", "error", markErr)
		}
	}
	if h.deps.Health != nil {
		h.deps.Health.SetServing(false)
	}
	h.deps.Notifier.Send(ctx, fmt.Sprintf("FATAL %s while handling %s, stopping: %v", kind, action, err))
	return &FatalError{Kind: kind, Err: err}
}

func formatExecution(res *engine.ExecutionResult) string {
	var b strings.Builder
	b.WriteString(res.Message)
	if o := res.Order; o != nil {
		fmt.Fprintf(&b, "\nOrder %s: %s %.0f x %s @ %.4f %s", o.OrderID, o.BuySell, o.Amount, o.InstrumentName, o.InstrumentPrice, o.Currency)
	}
	if p := res.Position; p != nil {
		fmt.Fprintf(&b, "\nPosition %s opened at %.4f", p.PositionID, p.OpenPrice)
	}
	return b.String()
}

// FormatDailyStats renders today's statistics and the recent daily percents
// as plain text.
func FormatDailyStats(today domain.DayStats, days []domain.DayPercent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- DAILY STATS %s ---\n", today.Day)
	fmt.Fprintf(&b, "Closed positions : %d\n", today.Count)
	if today.Count > 0 {
		fmt.Fprintf(&b, "Avg performance  : %.2f%%\n", today.AvgPerformance)
		fmt.Fprintf(&b, "Best / worst     : %.2f%% / %.2f%%\n", today.MaxPerformance, today.MinPerformance)
		fmt.Fprintf(&b, "Profit/Loss      : %.2f\n", today.SumProfitLoss)
	}
	if len(days) > 0 {
		b.WriteString("Last days:\n")
		for _, d := range days {
			fmt.Fprintf(&b, "  %s : %.2f%%\n", d.Day, d.Percent)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
