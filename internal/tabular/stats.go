// Package tabular implements the partitioned store for streaming writes.
//
// This file maintains per-partition numeric column statistics. Counts,
// min/max and sums persist in tabular_partition_stats inside the append
// transaction; quantiles come from in-process DDSketches and cover values
// appended during this process's lifetime.
package tabular

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// ColumnStats summarizes one numeric column of one partition.
type ColumnStats struct {
	Column string
	Count  int64
	Min    float64
	Max    float64
	Sum    float64

	// Quantiles are present only while the writing process is alive and
	// sketches are enabled.
	P50 float64
	P90 float64
	P99 float64
}

type statsKey struct {
	schemaID    string
	datasetID   string
	partitionID int
	column      string
}

type statsTracker struct {
	mu       sync.Mutex
	accuracy float64
	sketches map[statsKey]*ddsketch.DDSketch
}

func newStatsTracker(accuracy float64) *statsTracker {
	return &statsTracker{
		accuracy: accuracy,
		sketches: make(map[statsKey]*ddsketch.DDSketch),
	}
}

// record upserts persisted statistics for the numeric columns of a write
// batch and feeds the in-process sketches. Runs inside the append
// transaction so stats never drift from committed rows.
func (t *statsTracker) record(tx *sql.Tx, schemaID string, req WriteRequest) error {
	for col, c := range req.Schema {
		if c.Type != TypeInt64 && c.Type != TypeFloat64 {
			continue
		}

		var (
			count    int64
			sum      float64
			min, max float64
			first    = true
		)
		values := make([]float64, 0, len(req.Rows))
		for _, row := range req.Rows {
			v, ok := numericValue(row[col])
			if !ok {
				continue
			}
			count++
			sum += v
			if first || v < min {
				min = v
			}
			if first || v > max {
				max = v
			}
			first = false
			values = append(values, v)
		}
		if count == 0 {
			continue
		}

		_, err := tx.Exec(`
			INSERT INTO tabular_partition_stats
				(schema_id, dataset_id, partition_id, column_name, row_count, min_value, max_value, sum_value)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (schema_id, dataset_id, partition_id, column_name) DO UPDATE SET
				row_count = tabular_partition_stats.row_count + excluded.row_count,
				min_value = LEAST(tabular_partition_stats.min_value, excluded.min_value),
				max_value = GREATEST(tabular_partition_stats.max_value, excluded.max_value),
				sum_value = tabular_partition_stats.sum_value + excluded.sum_value
		`, schemaID, req.DatasetID, req.PartitionID, c.Name, count, min, max, sum)
		if err != nil {
			return fmt.Errorf("record stats for %s: %w", c.Name, err)
		}

		t.feedSketch(statsKey{schemaID, req.DatasetID, req.PartitionID, c.Name}, values)
	}
	return nil
}

func (t *statsTracker) feedSketch(key statsKey, values []float64) {
	if t.accuracy <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, ok := t.sketches[key]
	if !ok {
		s, err := ddsketch.NewDefaultDDSketch(t.accuracy)
		if err != nil {
			return
		}
		sketch = s
		t.sketches[key] = sketch
	}
	for _, v := range values {
		sketch.Add(v)
	}
}

func (t *statsTracker) forget(schemaID, datasetID string, partitionID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.sketches {
		if key.schemaID == schemaID && key.datasetID == datasetID && key.partitionID == partitionID {
			delete(t.sketches, key)
		}
	}
}

func (t *statsTracker) quantiles(key statsKey) (p50, p90, p99 float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, found := t.sketches[key]
	if !found {
		return 0, 0, 0, false
	}
	p50, _ = sketch.GetValueAtQuantile(0.50)
	p90, _ = sketch.GetValueAtQuantile(0.90)
	p99, _ = sketch.GetValueAtQuantile(0.99)
	return p50, p90, p99, true
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// PartitionStats returns the persisted statistics for one partition,
// augmented with in-process quantiles where available.
func (s *Store) PartitionStats(ctx context.Context, schema Schema, datasetID string, partitionID int) ([]ColumnStats, error) {
	schemaID, err := SchemaID(schema)
	if err != nil {
		return nil, err
	}

	rows, err := s.st.QueryContext(ctx, `
		SELECT column_name, row_count, min_value, max_value, sum_value
		FROM tabular_partition_stats
		WHERE schema_id = ? AND dataset_id = ? AND partition_id = ?
		ORDER BY column_name
	`, schemaID, datasetID, partitionID)
	if err != nil {
		return nil, fmt.Errorf("query partition stats: %w", err)
	}
	defer rows.Close()

	var stats []ColumnStats
	for rows.Next() {
		var cs ColumnStats
		var min, max, sum sql.NullFloat64
		if err := rows.Scan(&cs.Column, &cs.Count, &min, &max, &sum); err != nil {
			return nil, fmt.Errorf("scan partition stats: %w", err)
		}
		cs.Min = min.Float64
		cs.Max = max.Float64
		cs.Sum = sum.Float64

		if p50, p90, p99, ok := s.stats.quantiles(statsKey{schemaID, datasetID, partitionID, cs.Column}); ok {
			cs.P50, cs.P90, cs.P99 = p50, p90, p99
		}
		stats = append(stats, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, fmt.Errorf("partition %d of dataset %s: %w", partitionID, datasetID, cerr.ErrNotFound)
	}
	return stats, nil
}
