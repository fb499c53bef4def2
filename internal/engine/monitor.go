package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"wata/internal/broker"
	"wata/internal/config"
	"wata/internal/domain"
	"wata/internal/store"
	"wata/internal/tradeerr"
	"wata/internal/util"
)

// Closure statuses reported in monitor results.
const (
	StatusClosed           = "Closed"
	StatusCloseOrderFailed = "Close Order Failed"
	StatusNotClosable      = "Not Closable"
)

// ClosureResult reports one closure attempt.
type ClosureResult struct {
	PositionID string
	Reason     string
	Status     string
	OrderID    string
	Error      string
}

// MonitorResult summarises a CheckAllPositionsPerformance run.
type MonitorResult struct {
	PositionsChecked         int
	ClosedPositionsProcessed []ClosureResult
	DBUpdates                int
	Errors                   []string
}

// SyncResult summarises a SyncDBPositionsWithAPI run.
type SyncResult struct {
	Checked   int
	Updated   int
	Anomalies []string
}

// CloseResult summarises a CloseManagedPositionsByCriteria run.
type CloseResult struct {
	Initiated int
	Updated   int
	Errors    int
}

// Monitor evaluates, closes and reconciles the positions in the ledger.
// Callers must not run it concurrently with ExecuteSignal.
type Monitor struct {
	positions PositionSource
	orders    OrderPlacer
	ledger    store.Ledger
	cfg       config.TradeConfig
	opts      options
}

// NewMonitor creates a Monitor.
func NewMonitor(positions PositionSource, orders OrderPlacer, ledger store.Ledger, cfg config.TradeConfig, opts ...Option) *Monitor {
	return &Monitor{
		positions: positions,
		orders:    orders,
		ledger:    ledger,
		cfg:       cfg,
		opts:      buildOptions(opts),
	}
}

// pendingClose is a position whose closing order was accepted but whose
// realized figures are not in the ledger yet.
type pendingClose struct {
	positionID string
	reason     string
}

// CheckAllPositionsPerformance evaluates every ledger-open position the
// broker still reports, records its performance and closes it when a
// threshold is crossed. Closed positions are then confirmed against the
// broker's closed list; those not visible yet stay open for the sync pass.
func (m *Monitor) CheckAllPositionsPerformance(ctx context.Context) (*MonitorResult, error) {
	res := &MonitorResult{}
	log := m.opts.logger

	refs, err := m.ledger.GetOpenPositionIDsAndActions(ctx)
	if err != nil {
		return res, err
	}
	if len(refs) == 0 {
		log.Info("no open position in ledger to check")
		m.snapshot(ctx, 0)
		return res, nil
	}

	byID, err := m.openOnBroker(ctx)
	if err != nil {
		return res, err
	}
	today, err := m.ledger.GetPercentOfDay(ctx)
	if err != nil {
		return res, err
	}

	now := m.opts.now()
	var (
		samples []domain.PerformanceSample
		pending []pendingClose
	)
	for _, ref := range refs {
		bp, ok := byID[ref.PositionID]
		if !ok {
			log.Warn("ledger position not open on broker, waiting for sync", "position_id", ref.PositionID)
			continue
		}
		open, bid := bp.PositionBase.OpenPrice, bp.PositionView.Bid
		if !open.Valid || open.Value <= 0 || !bid.Valid {
			res.Errors = append(res.Errors, fmt.Sprintf("position %s has no usable open price or bid", ref.PositionID))
			continue
		}
		res.PositionsChecked++

		perf := PerformancePercent(bid.Value, open.Value)
		best := m.recordMax(ctx, ref.PositionID, perf, res)
		m.opts.metrics.Performance(ref.PositionID, perf)
		samples = append(samples, domain.PerformanceSample{
			Time:                  now,
			PositionID:            ref.PositionID,
			Action:                ref.Action,
			Bid:                   bid.Value,
			OpenPrice:             open.Value,
			PerformancePercent:    perf,
			MaxPerformancePercent: best,
			DayPercent:            today,
		})

		reason := closeTrigger(m.cfg.Thresholds, perf, today)
		log.Info("position performance",
			"position_id", ref.PositionID,
			"bid", bid.Value,
			"open_price", open.Value,
			"performance_percent", perf,
			"max_performance_percent", best,
			"today_percent", today,
			"close_reason", reason,
		)
		if reason == "" {
			continue
		}

		closure, err := m.closeOnBroker(ctx, bp, reason)
		res.ClosedPositionsProcessed = append(res.ClosedPositionsProcessed, closure)
		if err != nil {
			if tradeerr.IsFatal(tradeerr.KindOf(err)) {
				return res, err
			}
			res.Errors = append(res.Errors, closure.Error)
			continue
		}
		switch closure.Status {
		case StatusClosed:
			pending = append(pending, pendingClose{positionID: ref.PositionID, reason: reason})
		case StatusCloseOrderFailed:
			res.Errors = append(res.Errors, closure.Error)
		}
	}

	m.writeSamples(ctx, samples)

	updated, unconfirmed, err := m.confirmClosures(ctx, pending)
	res.DBUpdates += updated
	res.Errors = append(res.Errors, unconfirmed...)
	if err != nil {
		return res, err
	}

	m.snapshot(ctx, len(refs)-updated)
	return res, nil
}

// SyncDBPositionsWithAPI closes in the ledger the positions the broker no
// longer reports as open, using the realized figures of its closed list.
// Positions found in neither list are reported as anomalies and left alone.
func (m *Monitor) SyncDBPositionsWithAPI(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}
	log := m.opts.logger

	ids, err := m.ledger.GetOpenPositionIDs(ctx)
	if err != nil {
		return res, err
	}
	res.Checked = len(ids)
	if len(ids) == 0 {
		return res, nil
	}

	byID, err := m.openOnBroker(ctx)
	if err != nil {
		return res, err
	}
	var missing []string
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		log.Info("ledger and broker agree on open positions", "count", len(ids))
		return res, nil
	}

	closed, err := m.closedOnBroker(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range missing {
		item, ok := closed[id]
		if !ok {
			msg := fmt.Sprintf("position %s is open in ledger but neither open nor closed on broker", id)
			log.Warn("abnormal position state", "position_id", id)
			res.Anomalies = append(res.Anomalies, msg)
			continue
		}
		if err := closedFigures(item); err != nil {
			log.Warn("closed position incomplete, left open", "position_id", id, "error", err)
			res.Anomalies = append(res.Anomalies, fmt.Sprintf("position %s closed on broker without usable figures: %v", id, err))
			continue
		}
		applied, err := m.applyClose(ctx, id, item, domain.CloseReasonBrokerSync)
		if err != nil {
			return res, err
		}
		if applied {
			res.Updated++
		}
	}

	m.snapshot(ctx, len(ids)-res.Updated)
	return res, nil
}

// CloseManagedPositionsByCriteria closes every ledger-open position whose
// action matches directionFilter (all when empty) and that the broker still
// reports as open and closable.
func (m *Monitor) CloseManagedPositionsByCriteria(ctx context.Context, directionFilter domain.Action) (*CloseResult, error) {
	res := &CloseResult{}
	log := m.opts.logger.With("direction_filter", directionFilter)

	refs, err := m.ledger.GetOpenPositionIDsAndActions(ctx)
	if err != nil {
		return res, err
	}
	byID, err := m.openOnBroker(ctx)
	if err != nil {
		return res, err
	}

	var pending []pendingClose
	for _, ref := range refs {
		if directionFilter != "" && ref.Action != directionFilter {
			continue
		}
		bp, ok := byID[ref.PositionID]
		if !ok {
			log.Warn("managed position not open on broker, skipping", "position_id", ref.PositionID)
			continue
		}

		closure, err := m.closeOnBroker(ctx, bp, domain.CloseReasonManual)
		if err != nil {
			if tradeerr.IsFatal(tradeerr.KindOf(err)) {
				return res, err
			}
			res.Errors++
			continue
		}
		if closure.Status != StatusClosed {
			res.Errors++
			continue
		}
		res.Initiated++
		pending = append(pending, pendingClose{positionID: ref.PositionID, reason: domain.CloseReasonManual})
	}

	updated, unconfirmed, err := m.confirmClosures(ctx, pending)
	res.Updated = updated
	res.Errors += len(unconfirmed)
	log.Info("managed positions close finished",
		"initiated", res.Initiated,
		"updated", res.Updated,
		"errors", res.Errors,
	)
	return res, err
}

// closeOnBroker places the order offsetting bp. Non-fatal failures are
// reported in the result and notified.
func (m *Monitor) closeOnBroker(ctx context.Context, bp broker.Position, reason string) (ClosureResult, error) {
	res := ClosureResult{PositionID: bp.PositionID, Reason: reason}
	if !bp.PositionBase.CanBeClosed {
		res.Status = StatusNotClosable
		res.Error = fmt.Sprintf("position %s cannot be closed on broker", bp.PositionID)
		m.opts.logger.Warn("position not closable", "position_id", bp.PositionID, "reason", reason)
		m.opts.metrics.Closure(reason, StatusNotClosable)
		return res, nil
	}

	if n := bp.PositionBase.Amount; !n.Valid || n.Value == 0 {
		err := &tradeerr.Parse{Endpoint: broker.PathPositions, Field: "Amount", Reason: "missing or zero"}
		res.Status = StatusCloseOrderFailed
		res.Error = fmt.Sprintf("ERROR: Failed closing %s: %v", bp.PositionID, err)
		m.opts.logger.Error("position amount unusable", "position_id", bp.PositionID, "reason", reason, "error", err)
		m.opts.notifier.Send(ctx, res.Error)
		m.opts.metrics.Closure(reason, StatusCloseOrderFailed)
		return res, nil
	}

	amount := bp.PositionBase.Amount.Value
	side := domain.Buy
	if amount < 0 {
		side = domain.Sell
	}
	order, err := m.orders.PlaceMarketOrder(ctx, bp.PositionBase.Uic, bp.PositionBase.AssetType, int64(math.Abs(amount)), side.Opposite())
	if err != nil {
		res.Status = StatusCloseOrderFailed
		res.Error = fmt.Sprintf("ERROR: Failed closing %s: %v", bp.PositionID, err)
		m.opts.logger.Error("close order failed", "position_id", bp.PositionID, "reason", reason, "error", err)
		m.opts.notifier.Send(ctx, res.Error)
		m.opts.metrics.Closure(reason, StatusCloseOrderFailed)
		return res, err
	}

	m.opts.metrics.Order(string(side.Opposite()))
	res.Status = StatusClosed
	res.OrderID = order.OrderID
	m.opts.logger.Info("close order placed", "position_id", bp.PositionID, "order_id", order.OrderID, "reason", reason)
	return res, nil
}

// confirmClosures waits briefly and then moves the pending closures found
// in the broker's closed list into the ledger. Closures not found yet are
// returned as error messages.
func (m *Monitor) confirmClosures(ctx context.Context, pending []pendingClose) (int, []string, error) {
	if len(pending) == 0 {
		return 0, nil, nil
	}
	delay := time.Duration(m.cfg.CloseConfirmDelaySeconds * float64(time.Second))
	if err := util.Sleep(ctx, delay); err != nil {
		return 0, nil, err
	}

	closed, err := m.closedOnBroker(ctx)
	if err != nil {
		if tradeerr.IsFatal(tradeerr.KindOf(err)) {
			return 0, nil, err
		}
		return 0, []string{fmt.Sprintf("closed positions unavailable: %v", err)}, nil
	}

	var (
		updated     int
		unconfirmed []string
	)
	for _, p := range pending {
		item, ok := closed[p.positionID]
		if !ok {
			m.opts.logger.Warn("closed position not visible yet, left open for sync", "position_id", p.positionID)
			unconfirmed = append(unconfirmed, fmt.Sprintf("position %s not yet in broker closed positions", p.positionID))
			continue
		}
		if err := closedFigures(item); err != nil {
			m.opts.logger.Warn("closed position incomplete, left open for sync", "position_id", p.positionID, "error", err)
			unconfirmed = append(unconfirmed, fmt.Sprintf("position %s closed on broker without usable figures: %v", p.positionID, err))
			continue
		}
		applied, err := m.applyClose(ctx, p.positionID, item, p.reason)
		if err != nil {
			return updated, unconfirmed, err
		}
		if applied {
			updated++
		}
	}
	return updated, unconfirmed, nil
}

// closedFigures reports the first realized figure of item that the ledger
// close cannot do without.
func closedFigures(item broker.ClosedPositionItem) error {
	cp := item.ClosedPosition
	fields := []struct {
		name string
		n    broker.Number
	}{
		{"ClosingPrice", cp.ClosingPrice},
		{"OpenPrice", cp.OpenPrice},
		{"Amount", cp.Amount},
	}
	for _, f := range fields {
		if !f.n.Valid {
			return &tradeerr.Parse{Endpoint: broker.PathClosedPositions, Field: f.name, Reason: "missing"}
		}
	}
	return nil
}

// applyClose writes the realized figures of item to the ledger and sends the
// closure notification. It reports false when the ledger no longer holds the
// position as open. A ledger failure is critical: the broker position is
// closed but the ledger still says open.
func (m *Monitor) applyClose(ctx context.Context, positionID string, item broker.ClosedPositionItem, reason string) (bool, error) {
	cp := item.ClosedPosition
	closedAt := m.opts.now().UTC()
	if t, err := parseBrokerTime(cp.ExecutionTimeClose); err == nil {
		closedAt = t
	}
	upd := &domain.PositionClose{
		ClosePrice:              cp.ClosingPrice.Value,
		CloseReason:             reason,
		ProfitLoss:              cp.ProfitLossOnTrade.Value,
		TotalClosePrice:         product(cp.ClosingPrice.Value, cp.Amount.Value),
		TotalPerformancePercent: closePerformance(cp.ClosingPrice.Value, cp.OpenPrice.Value),
		ExecutionTimeClose:      closedAt,
	}

	err := m.ledger.UpdatePosition(ctx, positionID, store.PositionUpdate{Close: upd})
	if errors.Is(err, store.ErrPositionNotOpen) {
		m.opts.logger.Warn("position already closed in ledger", "position_id", positionID, "reason", reason)
		return false, nil
	}
	if err != nil {
		m.opts.logger.Error("CRITICAL: failed to record closed position", "position_id", positionID, "error", err)
		m.opts.notifier.Send(ctx, fmt.Sprintf("CRITICAL : Failed to update closed position %s on database: %v", positionID, err))
		return false, &tradeerr.DatabaseOperation{
			Operation: "update_position_close",
			EntityID:  positionID,
			Critical:  true,
			Err:       err,
		}
	}
	m.opts.metrics.Closure(reason, StatusClosed)
	m.opts.metrics.PositionClosed(positionID)

	best, err := m.ledger.GetMaxPerformancePercent(ctx, positionID)
	if err != nil {
		m.opts.logger.Warn("max performance unavailable", "position_id", positionID, "error", err)
	}
	today, err := m.ledger.GetPercentOfDay(ctx)
	if err != nil {
		m.opts.logger.Warn("day percent unavailable", "error", err)
	}

	m.opts.logger.Info("position closed in ledger",
		"position_id", positionID,
		"reason", reason,
		"performance_percent", upd.TotalPerformancePercent,
		"profit_loss", upd.ProfitLoss,
	)
	m.opts.notifier.Send(ctx, FormatClosure(item, upd, best, today))
	return true, nil
}

// FormatClosure renders the closure notification text.
func FormatClosure(item broker.ClosedPositionItem, c *domain.PositionClose, maxPercent, todayPercent float64) string {
	cp := item.ClosedPosition
	var b strings.Builder
	b.WriteString("--- CLOSED POSITION ---\n")
	fmt.Fprintf(&b, "Instrument : %s\n", item.DisplayAndFormat.Description)
	fmt.Fprintf(&b, "Open Price : %g\n", cp.OpenPrice.Value)
	fmt.Fprintf(&b, "Close Price : %g\n", c.ClosePrice)
	fmt.Fprintf(&b, "Amount : %g\n", cp.Amount.Value)
	fmt.Fprintf(&b, "Total price : %g\n", c.TotalClosePrice)
	fmt.Fprintf(&b, "Profit/Loss : %g\n", c.ProfitLoss)
	fmt.Fprintf(&b, "Performance %% : %g\n", c.TotalPerformancePercent)
	fmt.Fprintf(&b, "Close Time : %s\n", c.ExecutionTimeClose.Format(time.RFC3339))
	fmt.Fprintf(&b, "Closed from ? %s\n", c.CloseReason)
	fmt.Fprintf(&b, "Opening Position ID : %s\n", cp.OpeningPositionID)
	fmt.Fprintf(&b, "Max position %% : %g\n", maxPercent)
	b.WriteString("-------\n")
	fmt.Fprintf(&b, "Current today profit : %g%%\n", todayPercent)
	return b.String()
}

// recordMax raises the stored max performance when perf beats it and
// returns the resulting max. Ledger failures here are reported, not fatal.
func (m *Monitor) recordMax(ctx context.Context, positionID string, perf float64, res *MonitorResult) float64 {
	best, err := m.ledger.GetMaxPerformancePercent(ctx, positionID)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return perf
	}
	if perf <= best {
		return best
	}
	if err := m.ledger.UpdatePosition(ctx, positionID, store.PositionUpdate{MaxPerformancePercent: &perf}); err != nil {
		msg := fmt.Sprintf("Failed to update performance for position %s on database: %v", positionID, err)
		m.opts.logger.Error(msg)
		m.opts.notifier.Send(ctx, "CRITICAL : "+msg)
		res.Errors = append(res.Errors, msg)
		return best
	}
	res.DBUpdates++
	return perf
}

func (m *Monitor) openOnBroker(ctx context.Context) (map[string]broker.Position, error) {
	open, err := m.positions.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	byID := make(map[string]broker.Position, len(open))
	for _, p := range open {
		byID[p.PositionID] = p
	}
	return byID, nil
}

func (m *Monitor) closedOnBroker(ctx context.Context) (map[string]broker.ClosedPositionItem, error) {
	closed, err := m.positions.GetClosedPositions(ctx, m.cfg.APILimits.TopClosedPositions, 0)
	if err != nil {
		return nil, fmt.Errorf("get closed positions: %w", err)
	}
	byID := make(map[string]broker.ClosedPositionItem, len(closed))
	for _, c := range closed {
		byID[c.ClosedPosition.OpeningPositionID] = c
	}
	return byID, nil
}

func (m *Monitor) writeSamples(ctx context.Context, samples []domain.PerformanceSample) {
	if m.opts.samples == nil || len(samples) == 0 {
		return
	}
	if err := m.opts.samples.WriteSamples(ctx, samples); err != nil {
		m.opts.logger.Warn("failed to write performance samples", "count", len(samples), "error", err)
	}
}

func (m *Monitor) snapshot(ctx context.Context, open int) {
	if m.opts.metrics == nil {
		return
	}
	today, err := m.ledger.GetPercentOfDay(ctx)
	if err != nil {
		return
	}
	m.opts.metrics.Snapshot(open, today)
}
