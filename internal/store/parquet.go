package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"wata/internal/domain"
)

// Compile-time interface check.
var _ SampleStore = (*ParquetStore)(nil)

// ParquetStore implements SampleStore using one Parquet file per day.
type ParquetStore struct {
	DataDir string
	loc     *time.Location
}

// NewParquetStore creates a ParquetStore rooted at dataDir. Samples are
// grouped by their calendar day in loc.
func NewParquetStore(dataDir string, loc *time.Location) *ParquetStore {
	if loc == nil {
		loc = time.UTC
	}
	return &ParquetStore{DataDir: dataDir, loc: loc}
}

// SampleRecord is the Parquet schema for a performance sample.
type SampleRecord struct {
	Timestamp             int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	PositionID            string  `parquet:"position_id"`
	Action                string  `parquet:"action"`
	Bid                   float64 `parquet:"bid"`
	OpenPrice             float64 `parquet:"open_price"`
	PerformancePercent    float64 `parquet:"performance_percent"`
	MaxPerformancePercent float64 `parquet:"max_performance_percent"`
	DayPercent            float64 `parquet:"day_percent"`
}

// WriteSamples merges samples into their day files. A sample with the same
// position and timestamp as a stored one replaces it.
func (s *ParquetStore) WriteSamples(_ context.Context, samples []domain.PerformanceSample) error {
	if len(samples) == 0 {
		return nil
	}

	groups := make(map[string][]SampleRecord)
	for _, smp := range samples {
		day := smp.Time.In(s.loc).Format(time.DateOnly)
		groups[day] = append(groups[day], SampleRecord{
			Timestamp:             smp.Time.UnixMilli(),
			PositionID:            smp.PositionID,
			Action:                string(smp.Action),
			Bid:                   smp.Bid,
			OpenPrice:             smp.OpenPrice,
			PerformancePercent:    smp.PerformancePercent,
			MaxPerformancePercent: smp.MaxPerformancePercent,
			DayPercent:            smp.DayPercent,
		})
	}

	for day, records := range groups {
		path := s.samplePath(day)

		existing, _ := readParquetFile[SampleRecord](path)
		merged := mergeSampleRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing performance samples for %s: %w", day, err)
		}
	}
	return nil
}

// ReadSamples returns the samples recorded on day, oldest first. A day
// without a file yields no samples.
func (s *ParquetStore) ReadSamples(_ context.Context, day time.Time) ([]domain.PerformanceSample, error) {
	path := s.samplePath(day.In(s.loc).Format(time.DateOnly))
	records, err := readParquetFile[SampleRecord](path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading performance samples %s: %w", path, err)
	}

	out := make([]domain.PerformanceSample, 0, len(records))
	for _, r := range records {
		out = append(out, domain.PerformanceSample{
			Time:                  time.UnixMilli(r.Timestamp).In(s.loc),
			PositionID:            r.PositionID,
			Action:                domain.Action(r.Action),
			Bid:                   r.Bid,
			OpenPrice:             r.OpenPrice,
			PerformancePercent:    r.PerformancePercent,
			MaxPerformancePercent: r.MaxPerformancePercent,
			DayPercent:            r.DayPercent,
		})
	}
	return out, nil
}

// samplePath returns the file for a day.
// Layout: <dataDir>/performance/<YYYY-MM-DD>.parquet
func (s *ParquetStore) samplePath(day string) string {
	return filepath.Join(s.DataDir, "performance", day+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeSampleRecords deduplicates by (position, timestamp), preferring
// incoming records. Results are sorted by timestamp.
func mergeSampleRecords(existing, incoming []SampleRecord) []SampleRecord {
	type key struct {
		position string
		ts       int64
	}
	seen := make(map[key]SampleRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.PositionID, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.PositionID, r.Timestamp}] = r
	}

	merged := make([]SampleRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].PositionID < merged[j].PositionID
	})
	return merged
}
