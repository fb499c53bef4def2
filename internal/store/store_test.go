package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wata/internal/domain"
	"wata/internal/tradeerr"
)

var paris = mustLoad("Europe/Paris")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func openTestLedger(t *testing.T, now time.Time) *SQLiteLedger {
	t.Helper()
	l, err := OpenSQLiteLedger(filepath.Join(t.TempDir(), "wata.db"), paris)
	if err != nil {
		t.Fatalf("OpenSQLiteLedger returned error: %v", err)
	}
	l.now = func() time.Time { return now }
	t.Cleanup(func() { l.Close() })
	return l
}

func openPosition(id string, action domain.Action, openPrice float64, at time.Time) *domain.Position {
	return &domain.Position{
		PositionID:        id,
		Action:            action,
		Amount:            100,
		OpenPrice:         openPrice,
		TotalOpenPrice:    openPrice * 100,
		Status:            domain.PositionOpen,
		Kind:              domain.KindMain,
		ExecutionTimeOpen: at,
		OrderID:           "o-" + id,
		InstrumentName:    "TURBO LONG NASDAQ",
		InstrumentSymbol:  "TL1",
		InstrumentUic:     42,
		Currency:          "EUR",
	}
}

func closeAt(price, open float64, at time.Time) *domain.PositionClose {
	return &domain.PositionClose{
		ClosePrice:              price,
		CloseReason:             domain.CloseReasonTakeprofit,
		ProfitLoss:              (price - open) * 100,
		TotalClosePrice:         price * 100,
		TotalPerformancePercent: round2(price*100/open - 100),
		ExecutionTimeClose:      at,
	}
}

func TestSQLiteLedgerOrderRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, paris)
	l := openTestLedger(t, now)
	ctx := context.Background()

	o := &domain.Order{
		OrderID:         "5001",
		Action:          domain.ActionLong,
		BuySell:         domain.Buy,
		Amount:          250,
		OrderType:       "Market",
		Kind:            domain.KindMain,
		SubmitTime:      now,
		RelatedOrderIDs: []string{"4999"},
		InstrumentUic:   42,
		InstrumentPrice: 7.5,
		Currency:        "EUR",
		Cost:            1875,
	}
	if err := l.InsertOrder(ctx, o); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	got, err := l.GetOrder(ctx, "5001")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !got.SubmitTime.Equal(now) {
		t.Errorf("SubmitTime = %v, want %v", got.SubmitTime, now)
	}
	if len(got.RelatedOrderIDs) != 1 || got.RelatedOrderIDs[0] != "4999" {
		t.Errorf("RelatedOrderIDs = %v, want [4999]", got.RelatedOrderIDs)
	}
	if got.BuySell != domain.Buy || got.Cost != 1875 {
		t.Errorf("order = %+v", got)
	}

	// Duplicate ids are a database error.
	err = l.InsertOrder(ctx, o)
	if tradeerr.KindOf(err) != tradeerr.KindDatabaseOperation {
		t.Errorf("duplicate InsertOrder kind = %s, want %s", tradeerr.KindOf(err), tradeerr.KindDatabaseOperation)
	}
}

func TestSQLiteLedgerMaxPerformanceOnlyRises(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, paris)
	l := openTestLedger(t, now)
	ctx := context.Background()

	if err := l.InsertOpenPosition(ctx, openPosition("p1", domain.ActionLong, 10, now)); err != nil {
		t.Fatalf("InsertOpenPosition: %v", err)
	}

	for _, v := range []float64{5, 3, 12.5, -4} {
		v := v
		if err := l.UpdatePosition(ctx, "p1", PositionUpdate{MaxPerformancePercent: &v}); err != nil {
			t.Fatalf("UpdatePosition(%v): %v", v, err)
		}
	}
	got, err := l.GetMaxPerformancePercent(ctx, "p1")
	if err != nil {
		t.Fatalf("GetMaxPerformancePercent: %v", err)
	}
	if got != 12.5 {
		t.Errorf("max performance = %v, want 12.5", got)
	}

	_, err = l.GetMaxPerformancePercent(ctx, "missing")
	if !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("missing position err = %v, want ErrPositionNotFound", err)
	}
}

func TestSQLiteLedgerCloseIsFinal(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, paris)
	l := openTestLedger(t, now)
	ctx := context.Background()

	if err := l.InsertOpenPosition(ctx, openPosition("p1", domain.ActionShort, 10, now)); err != nil {
		t.Fatalf("InsertOpenPosition: %v", err)
	}
	if err := l.UpdatePosition(ctx, "p1", PositionUpdate{Close: closeAt(12, 10, now.Add(time.Hour))}); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A second close and a later max update must not change anything.
	second := closeAt(5, 10, now.Add(2*time.Hour))
	second.CloseReason = domain.CloseReasonBrokerSync
	hi := 99.0
	if err := l.UpdatePosition(ctx, "p1", PositionUpdate{Close: second, MaxPerformancePercent: &hi}); !errors.Is(err, ErrPositionNotOpen) {
		t.Fatalf("second close err = %v, want ErrPositionNotOpen", err)
	}
	if err := l.UpdatePosition(ctx, "p9", PositionUpdate{Close: second}); !errors.Is(err, ErrPositionNotOpen) {
		t.Fatalf("unknown close err = %v, want ErrPositionNotOpen", err)
	}

	p, err := l.GetPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if p.Status != domain.PositionClosed {
		t.Fatalf("Status = %s, want Closed", p.Status)
	}
	if p.ClosePrice == nil || *p.ClosePrice != 12 {
		t.Errorf("ClosePrice = %v, want 12", p.ClosePrice)
	}
	if p.CloseReason == nil || *p.CloseReason != domain.CloseReasonTakeprofit {
		t.Errorf("CloseReason = %v, want Takeprofit", p.CloseReason)
	}
	if p.TotalPerformancePercent == nil || *p.TotalPerformancePercent != 20 {
		t.Errorf("TotalPerformancePercent = %v, want 20", p.TotalPerformancePercent)
	}
	if p.MaxPerformancePercent != 0 {
		t.Errorf("MaxPerformancePercent = %v, want 0", p.MaxPerformancePercent)
	}
	if p.ExecutionTimeClose == nil || !p.ExecutionTimeClose.Equal(now.Add(time.Hour)) {
		t.Errorf("ExecutionTimeClose = %v", p.ExecutionTimeClose)
	}

	ids, err := l.GetOpenPositionIDs(ctx)
	if err != nil {
		t.Fatalf("GetOpenPositionIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("open ids = %v, want none", ids)
	}
}

func TestSQLiteLedgerOpenPositionsAndExistence(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, paris)
	l := openTestLedger(t, now)
	ctx := context.Background()

	for i, p := range []*domain.Position{
		openPosition("p1", domain.ActionLong, 10, now),
		openPosition("p2", domain.ActionShort, 8, now.Add(time.Minute)),
	} {
		if err := l.InsertOpenPosition(ctx, p); err != nil {
			t.Fatalf("InsertOpenPosition[%d]: %v", i, err)
		}
	}

	refs, err := l.GetOpenPositionIDsAndActions(ctx)
	if err != nil {
		t.Fatalf("GetOpenPositionIDsAndActions: %v", err)
	}
	if len(refs) != 2 || refs[0].PositionID != "p1" || refs[1].Action != domain.ActionShort {
		t.Errorf("refs = %+v", refs)
	}

	found, notFound, err := l.CheckPositionIDsExist(ctx, []string{"p2", "x", "p1"})
	if err != nil {
		t.Fatalf("CheckPositionIDsExist: %v", err)
	}
	if len(found) != 2 || found[0] != "p2" || found[1] != "p1" {
		t.Errorf("found = %v, want [p2 p1]", found)
	}
	if len(notFound) != 1 || notFound[0] != "x" {
		t.Errorf("notFound = %v, want [x]", notFound)
	}
}

func TestSQLiteLedgerPercentOfDayCompounds(t *testing.T) {
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, paris)
	l := openTestLedger(t, now)
	ctx := context.Background()

	pct, err := l.GetPercentOfDay(ctx)
	if err != nil {
		t.Fatalf("GetPercentOfDay (empty): %v", err)
	}
	if pct != 0 {
		t.Errorf("empty day percent = %v, want 0", pct)
	}

	// +10% then -10% compounds to -1%.
	insertClosed := func(id string, open, close float64, at time.Time) {
		t.Helper()
		if err := l.InsertOpenPosition(ctx, openPosition(id, domain.ActionLong, open, at.Add(-time.Hour))); err != nil {
			t.Fatalf("InsertOpenPosition(%s): %v", id, err)
		}
		if err := l.UpdatePosition(ctx, id, PositionUpdate{Close: closeAt(close, open, at)}); err != nil {
			t.Fatalf("close(%s): %v", id, err)
		}
	}
	insertClosed("p1", 10, 11, now.Add(-4*time.Hour))
	insertClosed("p2", 10, 9, now.Add(-2*time.Hour))
	// Closed yesterday in local time, so excluded from today.
	insertClosed("p3", 10, 15, time.Date(2026, 3, 9, 23, 30, 0, 0, paris))

	pct, err = l.GetPercentOfDay(ctx)
	if err != nil {
		t.Fatalf("GetPercentOfDay: %v", err)
	}
	if pct != -1 {
		t.Errorf("percent of day = %v, want -1", pct)
	}

	days, err := l.GetPercentOfLastNDays(ctx, 2)
	if err != nil {
		t.Fatalf("GetPercentOfLastNDays: %v", err)
	}
	if len(days) != 2 || days[0].Day != "2026-03-10" || days[1].Day != "2026-03-09" || days[1].Percent != 50 {
		t.Errorf("last days = %+v", days)
	}

	stats, err := l.GetDayStats(ctx, now)
	if err != nil {
		t.Fatalf("GetDayStats: %v", err)
	}
	if stats.Count != 2 || stats.MaxPerformance != 10 || stats.MinPerformance != -10 || stats.AvgPerformance != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SumProfitLoss != 0 {
		t.Errorf("SumProfitLoss = %v, want 0", stats.SumProfitLoss)
	}
}

func TestSQLiteLedgerCorruptionMarker(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "wata.db")

	l, err := OpenSQLiteLedger(dbPath, paris)
	if err != nil {
		t.Fatalf("OpenSQLiteLedger: %v", err)
	}
	if err := l.MarkCorrupted("insert_trade_data failed for order 77"); err != nil {
		t.Fatalf("MarkCorrupted: %v", err)
	}
	l.Close()

	if _, err := os.Stat(filepath.Join(dir, CorruptionMarker)); err != nil {
		t.Fatalf("marker not written: %v", err)
	}

	_, err = OpenSQLiteLedger(dbPath, paris)
	if !errors.Is(err, ErrLedgerCorrupted) {
		t.Fatalf("reopen err = %v, want ErrLedgerCorrupted", err)
	}
	var dbErr *tradeerr.DatabaseOperation
	if !errors.As(err, &dbErr) || !dbErr.Critical {
		t.Errorf("reopen err = %#v, want critical DatabaseOperation", err)
	}
}

func TestParquetStoreSamples(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir, paris)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 10, 9, 30, 0, 0, paris)
	samples := []domain.PerformanceSample{
		{Time: t0, PositionID: "p1", Action: domain.ActionLong, Bid: 10.5, OpenPrice: 10, PerformancePercent: 5, MaxPerformancePercent: 5},
		{Time: t0.Add(10 * time.Second), PositionID: "p1", Action: domain.ActionLong, Bid: 10.2, OpenPrice: 10, PerformancePercent: 2, MaxPerformancePercent: 5},
	}
	if err := ps.WriteSamples(ctx, samples); err != nil {
		t.Fatalf("WriteSamples: %v", err)
	}

	// Rewriting an existing sample replaces it rather than duplicating it.
	replaced := samples[1]
	replaced.Bid = 10.3
	if err := ps.WriteSamples(ctx, []domain.PerformanceSample{replaced}); err != nil {
		t.Fatalf("WriteSamples (merge): %v", err)
	}

	want := filepath.Join(dir, "performance", "2026-03-10.parquet")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("sample file %s missing: %v", want, err)
	}

	got, err := ps.ReadSamples(ctx, t0)
	if err != nil {
		t.Fatalf("ReadSamples: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadSamples returned %d samples, want 2", len(got))
	}
	if got[1].Bid != 10.3 {
		t.Errorf("merged Bid = %v, want 10.3", got[1].Bid)
	}
	if !got[0].Time.Equal(t0) {
		t.Errorf("first sample time = %v, want %v", got[0].Time, t0)
	}

	none, err := ps.ReadSamples(ctx, t0.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ReadSamples (empty day): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("empty day returned %d samples", len(none))
	}
}
