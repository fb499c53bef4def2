// Package store persists the local trading ledger (orders and positions in
// SQLite) and the monitor's performance samples (Parquet).
package store

import (
	"context"
	"time"

	"wata/internal/domain"
)

// PositionUpdate lists the position fields to change. Nil fields are left
// untouched. MaxPerformancePercent is applied only when it raises the stored
// value of an open position; Close is applied only to an open position.
type PositionUpdate struct {
	MaxPerformancePercent *float64
	Close                 *domain.PositionClose
}

// Ledger is the local record of orders and positions.
type Ledger interface {
	// InsertOrder records a placed order.
	InsertOrder(ctx context.Context, order *domain.Order) error

	// InsertOpenPosition records a confirmed position with status Open.
	InsertOpenPosition(ctx context.Context, pos *domain.Position) error

	// UpdatePosition applies upd to the position.
	UpdatePosition(ctx context.Context, positionID string, upd PositionUpdate) error

	// GetOpenPositionIDs returns the ids of all open positions.
	GetOpenPositionIDs(ctx context.Context) ([]string, error)

	// GetOpenPositionIDsAndActions returns the open positions with their
	// actions.
	GetOpenPositionIDsAndActions(ctx context.Context) ([]domain.PositionRef, error)

	// CheckPositionIDsExist splits ids into those present in the ledger and
	// those absent.
	CheckPositionIDsExist(ctx context.Context, ids []string) (found, notFound []string, err error)

	// GetMaxPerformancePercent returns the best performance recorded for the
	// position.
	GetMaxPerformancePercent(ctx context.Context, positionID string) (float64, error)

	// GetPercentOfDay returns today's compounded realized percent.
	GetPercentOfDay(ctx context.Context) (float64, error)
}

// StatsLedger adds reporting queries over closed positions.
type StatsLedger interface {
	Ledger

	// GetPosition returns a single position.
	GetPosition(ctx context.Context, positionID string) (*domain.Position, error)

	// GetDayStats summarises positions closed on day.
	GetDayStats(ctx context.Context, day time.Time) (domain.DayStats, error)

	// GetPercentOfLastNDays returns the compounded percent of each of the
	// last n days, most recent first.
	GetPercentOfLastNDays(ctx context.Context, n int) ([]domain.DayPercent, error)

	// MarkCorrupted flags the ledger as inconsistent with the broker.
	MarkCorrupted(reason string) error
}

// SampleStore persists monitor performance samples.
type SampleStore interface {
	// WriteSamples appends samples to storage.
	WriteSamples(ctx context.Context, samples []domain.PerformanceSample) error

	// ReadSamples returns the samples recorded on day.
	ReadSamples(ctx context.Context, day time.Time) ([]domain.PerformanceSample, error)
}
