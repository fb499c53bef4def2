package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wata/internal/domain"
	"wata/internal/tradeerr"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// CorruptionMarker is the file written next to the database when the ledger
// is known to disagree with the broker.
const CorruptionMarker = "database_corrupted.txt"

// timeLayout is fixed width so stored UTC timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrLedgerCorrupted is wrapped by OpenSQLiteLedger when the corruption
// marker is present.
var ErrLedgerCorrupted = errors.New("ledger marked as corrupted")

// ErrPositionNotFound is returned for lookups of unknown positions.
var ErrPositionNotFound = errors.New("position not found in ledger")

// ErrPositionNotOpen is returned when a close targets a position the ledger
// does not hold as open.
var ErrPositionNotOpen = errors.New("position not open in ledger")

// Compile-time interface checks.
var _ Ledger = (*SQLiteLedger)(nil)
var _ StatsLedger = (*SQLiteLedger)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS turbo_orders (
	order_id          TEXT PRIMARY KEY,
	action            TEXT NOT NULL,
	buy_sell          TEXT NOT NULL,
	amount            REAL NOT NULL,
	order_type        TEXT NOT NULL,
	kind              TEXT NOT NULL,
	submit_time       TEXT NOT NULL,
	related_order_ids TEXT NOT NULL DEFAULT '[]',
	position_id       TEXT,
	instrument_name   TEXT,
	instrument_symbol TEXT,
	instrument_uic    INTEGER,
	instrument_price  REAL,
	currency          TEXT,
	cost              REAL
);

CREATE TABLE IF NOT EXISTS turbo_positions (
	position_id               TEXT PRIMARY KEY,
	action                    TEXT NOT NULL,
	amount                    REAL NOT NULL,
	open_price                REAL NOT NULL,
	close_price               REAL,
	close_reason              TEXT,
	profit_loss               REAL,
	total_open_price          REAL NOT NULL,
	total_close_price         REAL,
	total_performance_percent REAL,
	max_performance_percent   REAL NOT NULL DEFAULT 0,
	status                    TEXT NOT NULL,
	kind                      TEXT NOT NULL,
	execution_time_open       TEXT NOT NULL,
	execution_time_close      TEXT,
	order_id                  TEXT NOT NULL,
	related_order_ids         TEXT NOT NULL DEFAULT '[]',
	instrument_name           TEXT,
	instrument_symbol         TEXT,
	instrument_uic            INTEGER,
	currency                  TEXT
);

CREATE INDEX IF NOT EXISTS idx_turbo_positions_status ON turbo_positions(status);
CREATE INDEX IF NOT EXISTS idx_turbo_positions_close ON turbo_positions(execution_time_close);
`

// SQLiteLedger implements StatsLedger on a SQLite database. Day boundaries
// are computed in loc.
type SQLiteLedger struct {
	db   *sql.DB
	path string
	loc  *time.Location
	now  func() time.Time
}

// OpenSQLiteLedger opens (or creates) the ledger at dbPath. It refuses to
// open while the corruption marker exists next to the database.
func OpenSQLiteLedger(dbPath string, loc *time.Location) (*SQLiteLedger, error) {
	if loc == nil {
		loc = time.UTC
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, &tradeerr.DatabaseOperation{Operation: "open", Err: err}
	}

	marker := filepath.Join(filepath.Dir(dbPath), CorruptionMarker)
	if reason, err := os.ReadFile(marker); err == nil {
		return nil, &tradeerr.DatabaseOperation{
			Operation: "open",
			Critical:  true,
			Err:       fmt.Errorf("%w (%s): %s", ErrLedgerCorrupted, marker, strings.TrimSpace(string(reason))),
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, &tradeerr.DatabaseOperation{Operation: "open", Err: err}
	}
	// One writer; the handler and monitor are serialised anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &tradeerr.DatabaseOperation{Operation: "migrate", Err: err}
	}
	return &SQLiteLedger{db: db, path: dbPath, loc: loc, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// MarkCorrupted writes the corruption marker with reason.
func (s *SQLiteLedger) MarkCorrupted(reason string) error {
	marker := filepath.Join(filepath.Dir(s.path), CorruptionMarker)
	content := fmt.Sprintf("%s\n%s\n", s.now().UTC().Format(time.RFC3339), reason)
	return os.WriteFile(marker, []byte(content), 0o644)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// InsertOrder records a placed order.
func (s *SQLiteLedger) InsertOrder(ctx context.Context, o *domain.Order) error {
	related, err := encodeIDs(o.RelatedOrderIDs)
	if err != nil {
		return dbErr("insert_order", o.OrderID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turbo_orders (
			order_id, action, buy_sell, amount, order_type, kind, submit_time,
			related_order_ids, position_id, instrument_name, instrument_symbol,
			instrument_uic, instrument_price, currency, cost
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, string(o.Action), string(o.BuySell), o.Amount, o.OrderType, o.Kind,
		formatTime(o.SubmitTime), related, nullString(o.PositionID), o.InstrumentName,
		o.InstrumentSymbol, o.InstrumentUic, o.InstrumentPrice, o.Currency, o.Cost,
	)
	if err != nil {
		return dbErr("insert_order", o.OrderID, err)
	}
	return nil
}

// GetOrder returns a single order.
func (s *SQLiteLedger) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var (
		o          domain.Order
		action     string
		buySell    string
		submit     string
		related    string
		positionID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, action, buy_sell, amount, order_type, kind, submit_time,
		       related_order_ids, position_id, instrument_name, instrument_symbol,
		       instrument_uic, instrument_price, currency, cost
		FROM turbo_orders WHERE order_id = ?`, orderID,
	).Scan(&o.OrderID, &action, &buySell, &o.Amount, &o.OrderType, &o.Kind, &submit,
		&related, &positionID, &o.InstrumentName, &o.InstrumentSymbol,
		&o.InstrumentUic, &o.InstrumentPrice, &o.Currency, &o.Cost)
	if err != nil {
		return nil, dbErr("get_order", orderID, err)
	}
	o.Action = domain.Action(action)
	o.BuySell = domain.BuySell(buySell)
	o.PositionID = positionID.String
	if o.SubmitTime, err = parseTime(submit); err != nil {
		return nil, dbErr("get_order", orderID, err)
	}
	if o.RelatedOrderIDs, err = decodeIDs(related); err != nil {
		return nil, dbErr("get_order", orderID, err)
	}
	return &o, nil
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// InsertOpenPosition records a confirmed position with status Open.
func (s *SQLiteLedger) InsertOpenPosition(ctx context.Context, p *domain.Position) error {
	related, err := encodeIDs(p.RelatedOrderIDs)
	if err != nil {
		return dbErr("insert_position", p.PositionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turbo_positions (
			position_id, action, amount, open_price, total_open_price,
			max_performance_percent, status, kind, execution_time_open, order_id,
			related_order_ids, instrument_name, instrument_symbol, instrument_uic, currency
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PositionID, string(p.Action), p.Amount, p.OpenPrice, p.TotalOpenPrice,
		p.MaxPerformancePercent, string(domain.PositionOpen), p.Kind,
		formatTime(p.ExecutionTimeOpen), p.OrderID, related, p.InstrumentName,
		p.InstrumentSymbol, p.InstrumentUic, p.Currency,
	)
	if err != nil {
		return dbErr("insert_position", p.PositionID, err)
	}
	return nil
}

// UpdatePosition applies upd. Closed positions are never modified again; a
// close of a position that is not open returns ErrPositionNotOpen.
func (s *SQLiteLedger) UpdatePosition(ctx context.Context, positionID string, upd PositionUpdate) error {
	if upd.MaxPerformancePercent != nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE turbo_positions SET max_performance_percent = ?
			WHERE position_id = ? AND status = ? AND max_performance_percent < ?`,
			*upd.MaxPerformancePercent, positionID, string(domain.PositionOpen), *upd.MaxPerformancePercent,
		)
		if err != nil {
			return dbErr("update_max_performance", positionID, err)
		}
	}

	if c := upd.Close; c != nil {
		r, err := s.db.ExecContext(ctx, `
			UPDATE turbo_positions SET
				status = ?, close_price = ?, close_reason = ?, profit_loss = ?,
				total_close_price = ?, total_performance_percent = ?, execution_time_close = ?
			WHERE position_id = ? AND status = ?`,
			string(domain.PositionClosed), c.ClosePrice, c.CloseReason, c.ProfitLoss,
			c.TotalClosePrice, c.TotalPerformancePercent, formatTime(c.ExecutionTimeClose),
			positionID, string(domain.PositionOpen),
		)
		if err != nil {
			return dbErr("close_position", positionID, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return dbErr("close_position", positionID, err)
		}
		if n == 0 {
			return fmt.Errorf("close %s: %w", positionID, ErrPositionNotOpen)
		}
	}
	return nil
}

// GetPosition returns a single position.
func (s *SQLiteLedger) GetPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	var (
		p           domain.Position
		action      string
		status      string
		openTime    string
		closeTime   sql.NullString
		related     string
		closePrice  sql.NullFloat64
		closeReason sql.NullString
		profitLoss  sql.NullFloat64
		totalClose  sql.NullFloat64
		totalPerf   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT position_id, action, amount, open_price, close_price, close_reason,
		       profit_loss, total_open_price, total_close_price, total_performance_percent,
		       max_performance_percent, status, kind, execution_time_open,
		       execution_time_close, order_id, related_order_ids, instrument_name,
		       instrument_symbol, instrument_uic, currency
		FROM turbo_positions WHERE position_id = ?`, positionID,
	).Scan(&p.PositionID, &action, &p.Amount, &p.OpenPrice, &closePrice, &closeReason,
		&profitLoss, &p.TotalOpenPrice, &totalClose, &totalPerf,
		&p.MaxPerformancePercent, &status, &p.Kind, &openTime,
		&closeTime, &p.OrderID, &related, &p.InstrumentName,
		&p.InstrumentSymbol, &p.InstrumentUic, &p.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dbErr("get_position", positionID, ErrPositionNotFound)
	}
	if err != nil {
		return nil, dbErr("get_position", positionID, err)
	}

	p.Action = domain.Action(action)
	p.Status = domain.PositionStatus(status)
	p.ClosePrice = floatPtr(closePrice)
	p.ProfitLoss = floatPtr(profitLoss)
	p.TotalClosePrice = floatPtr(totalClose)
	p.TotalPerformancePercent = floatPtr(totalPerf)
	if closeReason.Valid {
		p.CloseReason = &closeReason.String
	}
	if p.ExecutionTimeOpen, err = parseTime(openTime); err != nil {
		return nil, dbErr("get_position", positionID, err)
	}
	if closeTime.Valid {
		t, err := parseTime(closeTime.String)
		if err != nil {
			return nil, dbErr("get_position", positionID, err)
		}
		p.ExecutionTimeClose = &t
	}
	if p.RelatedOrderIDs, err = decodeIDs(related); err != nil {
		return nil, dbErr("get_position", positionID, err)
	}
	return &p, nil
}

// GetOpenPositionIDs returns the ids of all open positions.
func (s *SQLiteLedger) GetOpenPositionIDs(ctx context.Context) ([]string, error) {
	refs, err := s.GetOpenPositionIDsAndActions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.PositionID
	}
	return ids, nil
}

// GetOpenPositionIDsAndActions returns open positions with their actions,
// oldest first.
func (s *SQLiteLedger) GetOpenPositionIDsAndActions(ctx context.Context) ([]domain.PositionRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, action FROM turbo_positions
		WHERE status = ? ORDER BY execution_time_open`, string(domain.PositionOpen))
	if err != nil {
		return nil, dbErr("get_open_positions", "", err)
	}
	defer rows.Close()

	var refs []domain.PositionRef
	for rows.Next() {
		var r domain.PositionRef
		var action string
		if err := rows.Scan(&r.PositionID, &action); err != nil {
			return nil, dbErr("get_open_positions", "", err)
		}
		r.Action = domain.Action(action)
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("get_open_positions", "", err)
	}
	return refs, nil
}

// CheckPositionIDsExist splits ids into known and unknown positions,
// preserving input order.
func (s *SQLiteLedger) CheckPositionIDsExist(ctx context.Context, ids []string) ([]string, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT position_id FROM turbo_positions WHERE position_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, nil, dbErr("check_positions_exist", "", err)
	}
	defer rows.Close()

	known := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, nil, dbErr("check_positions_exist", "", err)
		}
		known[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, dbErr("check_positions_exist", "", err)
	}

	var found, notFound []string
	for _, id := range ids {
		if _, ok := known[id]; ok {
			found = append(found, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return found, notFound, nil
}

// GetMaxPerformancePercent returns the best performance recorded for the
// position.
func (s *SQLiteLedger) GetMaxPerformancePercent(ctx context.Context, positionID string) (float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx,
		`SELECT max_performance_percent FROM turbo_positions WHERE position_id = ?`, positionID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dbErr("get_max_performance", positionID, ErrPositionNotFound)
	}
	if err != nil {
		return 0, dbErr("get_max_performance", positionID, err)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Daily figures
// ---------------------------------------------------------------------------

// GetPercentOfDay returns today's compounded realized percent, rounded to two
// decimals.
func (s *SQLiteLedger) GetPercentOfDay(ctx context.Context) (float64, error) {
	return s.percentOfDay(ctx, s.now())
}

// GetPercentOfLastNDays returns the compounded percent of each of the last n
// days, today first.
func (s *SQLiteLedger) GetPercentOfLastNDays(ctx context.Context, n int) ([]domain.DayPercent, error) {
	today := s.now().In(s.loc)
	out := make([]domain.DayPercent, 0, n)
	for i := 0; i < n; i++ {
		day := today.AddDate(0, 0, -i)
		pct, err := s.percentOfDay(ctx, day)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.DayPercent{Day: day.Format(time.DateOnly), Percent: pct})
	}
	return out, nil
}

// GetDayStats summarises positions closed on day.
func (s *SQLiteLedger) GetDayStats(ctx context.Context, day time.Time) (domain.DayStats, error) {
	start, end := s.dayBounds(day)
	stats := domain.DayStats{Day: day.In(s.loc).Format(time.DateOnly)}

	var avg, maxP, minP, sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(total_performance_percent), MAX(total_performance_percent),
		       MIN(total_performance_percent), SUM(profit_loss)
		FROM turbo_positions
		WHERE status = ? AND execution_time_close >= ? AND execution_time_close < ?`,
		string(domain.PositionClosed), start, end,
	).Scan(&stats.Count, &avg, &maxP, &minP, &sum)
	if err != nil {
		return stats, dbErr("day_stats", stats.Day, err)
	}
	stats.AvgPerformance = round2(avg.Float64)
	stats.MaxPerformance = round2(maxP.Float64)
	stats.MinPerformance = round2(minP.Float64)
	stats.SumProfitLoss = round2(sum.Float64)
	return stats, nil
}

func (s *SQLiteLedger) percentOfDay(ctx context.Context, day time.Time) (float64, error) {
	start, end := s.dayBounds(day)
	rows, err := s.db.QueryContext(ctx, `
		SELECT total_performance_percent FROM turbo_positions
		WHERE status = ? AND total_performance_percent IS NOT NULL
		  AND execution_time_close >= ? AND execution_time_close < ?
		ORDER BY execution_time_close`,
		string(domain.PositionClosed), start, end)
	if err != nil {
		return 0, dbErr("percent_of_day", "", err)
	}
	defer rows.Close()

	factor := 1.0
	for rows.Next() {
		var pct float64
		if err := rows.Scan(&pct); err != nil {
			return 0, dbErr("percent_of_day", "", err)
		}
		factor *= 1 + pct/100
	}
	if err := rows.Err(); err != nil {
		return 0, dbErr("percent_of_day", "", err)
	}
	return round2((factor - 1) * 100), nil
}

// dayBounds returns the stored-time range [start, end) of day in s.loc.
func (s *SQLiteLedger) dayBounds(day time.Time) (string, string) {
	local := day.In(s.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	return formatTime(start), formatTime(start.AddDate(0, 0, 1))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func dbErr(op, id string, err error) error {
	return &tradeerr.DatabaseOperation{Operation: op, EntityID: id, Err: err}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

func decodeIDs(s string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
