package tabular

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	cerr "github.com/bluesky/tiled/internal/errors"
	"github.com/bluesky/tiled/internal/store"
)

func newTestTabular(t *testing.T) *Store {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.DSN = "" // in-memory
	st, err := store.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return New(st, 0.01)
}

var testSchema = Schema{
	{Name: "temperature", Type: TypeFloat64},
	{Name: "step", Type: TypeInt64},
	{Name: "label", Type: TypeText},
}

func TestSchema_Validate(t *testing.T) {
	cases := []struct {
		name   string
		schema Schema
	}{
		{"empty", Schema{}},
		{"bad name", Schema{{Name: "1bad", Type: TypeInt64}}},
		{"injection", Schema{{Name: "x; DROP TABLE nodes", Type: TypeInt64}}},
		{"reserved", Schema{{Name: "dataset_id", Type: TypeText}}},
		{"duplicate", Schema{{Name: "x", Type: TypeInt64}, {Name: "x", Type: TypeInt64}}},
		{"unknown type", Schema{{Name: "x", Type: "decimal"}}},
	}
	for _, tc := range cases {
		if err := tc.schema.Validate(); !cerr.IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}

	if err := testSchema.Validate(); err != nil {
		t.Errorf("valid schema rejected: %v", err)
	}
}

func TestSchemaID_OrderSensitive(t *testing.T) {
	a := Schema{{Name: "x", Type: TypeInt64}, {Name: "y", Type: TypeFloat64}}
	b := Schema{{Name: "y", Type: TypeFloat64}, {Name: "x", Type: TypeInt64}}

	ida, err := SchemaID(a)
	if err != nil {
		t.Fatalf("SchemaID: %v", err)
	}
	idb, err := SchemaID(b)
	if err != nil {
		t.Fatalf("SchemaID: %v", err)
	}

	// Column order is positional, so reordering is a different schema.
	if ida == idb {
		t.Error("reordered schemas share an id")
	}
}

func TestTableName(t *testing.T) {
	id, err := SchemaID(testSchema)
	if err != nil {
		t.Fatalf("SchemaID: %v", err)
	}
	name := TableName(id)
	if len(name) != len("partitioned_")+16 {
		t.Errorf("table name %s", name)
	}
}

func TestAppendRead_RoundTrip(t *testing.T) {
	ts := newTestTabular(t)
	ctx := context.Background()

	err := ts.Append(ctx, WriteRequest{
		Schema:    testSchema,
		DatasetID: "run1",
		Rows: []Row{
			{21.5, int64(0), "start"},
			{22.0, int64(1), "ramp"},
			{22.5, int64(2), "hold"},
		},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	result, err := ts.Read(ctx, ReadRequest{Schema: testSchema, DatasetID: "run1"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(result.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(result.Rows))
	}
	if result.Columns[0] != "temperature" || result.Columns[2] != "label" {
		t.Errorf("columns: %v", result.Columns)
	}
	// Insertion order within the partition.
	if result.Rows[0][2] != "start" || result.Rows[2][2] != "hold" {
		t.Errorf("row order: %v", result.Rows)
	}
}

func TestAppend_SharedSchemaOneTable(t *testing.T) {
	ts := newTestTabular(t)
	ctx := context.Background()

	// Two datasets with one schema share one physical table.
	for _, dataset := range []string{"run1", "run2"} {
		rows := make([]Row, 250)
		for i := range rows {
			rows[i] = Row{float64(i), int64(i), dataset}
		}
		if err := ts.Append(ctx, WriteRequest{
			Schema:    testSchema,
			DatasetID: dataset,
			Rows:      rows,
		}); err != nil {
			t.Fatalf("Append %s: %v", dataset, err)
		}
	}

	count, err := ts.TableCount(ctx)
	if err != nil {
		t.Fatalf("TableCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected one physical table, got %d", count)
	}

	// Reads stay isolated by dataset.
	result, err := ts.Read(ctx, ReadRequest{Schema: testSchema, DatasetID: "run1"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(result.Rows) != 250 {
		t.Fatalf("expected 250 rows, got %d", len(result.Rows))
	}
	for i, row := range result.Rows {
		if row[2] != "run1" {
			t.Fatalf("row %d leaked from another dataset: %v", i, row)
		}
	}
}

func TestAppend_PartitionFilter(t *testing.T) {
	ts := newTestTabular(t)
	ctx := context.Background()

	for partition := 0; partition < 3; partition++ {
		err := ts.Append(ctx, WriteRequest{
			Schema:      testSchema,
			DatasetID:   "run1",
			PartitionID: partition,
			Rows:        []Row{{float64(partition), int64(partition), "p"}},
		})
		if err != nil {
			t.Fatalf("Append partition %d: %v", partition, err)
		}
	}

	partition := 1
	result, err := ts.Read(ctx, ReadRequest{
		Schema: testSchema, DatasetID: "run1", PartitionID: &partition,
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != 1.0 {
		t.Errorf("partition filter returned %v", result.Rows)
	}

	partitions, err := ts.ListPartitions(ctx, testSchema, "run1")
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if len(partitions) != 3 || partitions[0] != 0 || partitions[2] != 2 {
		t.Errorf("partitions: %v", partitions)
	}
}

func TestAppend_SequenceContinuesAcrossBatches(t *testing.T) {
	ts := newTestTabular(t)
	ctx := context.Background()

	for batch := 0; batch < 3; batch++ {
		err := ts.Append(ctx, WriteRequest{
			Schema:    testSchema,
			DatasetID: "run1",
			Rows:      []Row{{1.0, int64(batch), "b"}, {2.0, int64(batch), "b"}},
		})
		if err != nil {
			t.Fatalf("Append batch %d: %v", batch, err)
		}
	}

	id, err := SchemaID(testSchema)
	if err != nil {
		t.Fatalf("SchemaID: %v", err)
	}
	var maxSeq int64
	err = ts.st.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM "+TableName(id)+" WHERE dataset_id = ?", "run1").Scan(&maxSeq)
	if err != nil {
		t.Fatalf("max seq: %v", err)
	}
	if maxSeq != 5 {
		t.Errorf("expected max seq 5, got %d", maxSeq)
	}
}

func TestAppend_ConcurrentWritersKeepSequenceUnique(t *testing.T) {
	ts := newTestTabular(t)
	ctx := context.Background()

	// A text-only schema writes no statistics row, so the sequence counter
	// is the only thing forcing concurrent appenders to conflict.
	schema := Schema{{Name: "event", Type: TypeText}}
	const writers = 2
	const rowsPerWriter = 50

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rows := make([]Row, rowsPerWriter)
			for i := range rows {
				rows[i] = Row{fmt.Sprintf("w%d-%d", w, i)}
			}
			for {
				err := ts.Append(ctx, WriteRequest{Schema: schema, DatasetID: "run1", Rows: rows})
				if cerr.IsConflict(err) {
					// Lost the counter race; retry the whole batch.
					continue
				}
				errs <- err
				return
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	id, err := SchemaID(schema)
	if err != nil {
		t.Fatalf("SchemaID: %v", err)
	}
	var dupes int
	err = ts.st.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT seq FROM `+TableName(id)+`
			WHERE dataset_id = ? AND partition_id = 0
			GROUP BY seq HAVING COUNT(*) > 1
		)
	`, "run1").Scan(&dupes)
	if err != nil {
		t.Fatalf("count duplicate seq values: %v", err)
	}
	if dupes != 0 {
		t.Fatalf("found %d duplicated seq values", dupes)
	}

	result, err := ts.Read(ctx, ReadRequest{Schema: schema, DatasetID: "run1"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(result.Rows) != writers*rowsPerWriter {
		t.Fatalf("expected %d rows, got %d", writers*rowsPerWriter, len(result.Rows))
	}
	// Each committed batch reads back contiguously, never interleaved.
	for i := 0; i < len(result.Rows); i += rowsPerWriter {
		first, _ := result.Rows[i][0].(string)
		prefix := first[:strings.Index(first, "-")+1]
		for j := 1; j < rowsPerWriter; j++ {
			v, _ := result.Rows[i+j][0].(string)
			if !strings.HasPrefix(v, prefix) {
				t.Fatalf("batches interleaved at row %d: %q after %q", i+j, v, first)
			}
		}
	}
}

func TestAppend_RowWidthMismatch(t *testing.T) {
	ts := newTestTabular(t)

	err := ts.Append(context.Background(), WriteRequest{
		Schema:    testSchema,
		DatasetID: "run1",
		Rows:      []Row{{1.0, int64(0)}},
	})
	if !cerr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAppend_MissingDataset(t *testing.T) {
	ts := newTestTabular(t)

	err := ts.Append(context.Background(), WriteRequest{Schema: testSchema, Rows: []Row{{1.0, int64(0), "x"}}})
	if !cerr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPartitionStats(t *testing.T) {
	ts := newTestTabular(t)
	ctx := context.Background()

	rows := make([]Row, 100)
	for i := range rows {
		rows[i] = Row{float64(i), int64(i * 2), "s"}
	}
	if err := ts.Append(ctx, WriteRequest{Schema: testSchema, DatasetID: "run1", Rows: rows}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	stats, err := ts.PartitionStats(ctx, testSchema, "run1", 0)
	if err != nil {
		t.Fatalf("PartitionStats: %v", err)
	}
	// Only the two numeric columns are tracked, ordered by name.
	if len(stats) != 2 {
		t.Fatalf("expected 2 numeric columns, got %d: %v", len(stats), stats)
	}

	byColumn := make(map[string]ColumnStats)
	for _, cs := range stats {
		byColumn[cs.Column] = cs
	}

	temp := byColumn["temperature"]
	if temp.Count != 100 || temp.Min != 0 || temp.Max != 99 {
		t.Errorf("temperature stats: %+v", temp)
	}
	step := byColumn["step"]
	if step.Count != 100 || step.Max != 198 {
		t.Errorf("step stats: %+v", step)
	}
	// Sketch quantiles are live for this process; the median of 0..99 sits
	// near 50 within the configured relative accuracy.
	if temp.P50 < 40 || temp.P50 > 60 {
		t.Errorf("temperature p50: %f", temp.P50)
	}
	if temp.P99 < temp.P90 || temp.P90 < temp.P50 {
		t.Errorf("quantiles not monotone: %+v", temp)
	}
}

func TestPartitionStats_AccumulateAcrossBatches(t *testing.T) {
	ts := newTestTabular(t)
	ctx := context.Background()

	for _, batch := range [][]Row{
		{{5.0, int64(1), "a"}},
		{{-3.0, int64(2), "b"}},
	} {
		if err := ts.Append(ctx, WriteRequest{Schema: testSchema, DatasetID: "run1", Rows: batch}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	stats, err := ts.PartitionStats(ctx, testSchema, "run1", 0)
	if err != nil {
		t.Fatalf("PartitionStats: %v", err)
	}
	byColumn := make(map[string]ColumnStats)
	for _, cs := range stats {
		byColumn[cs.Column] = cs
	}
	temp := byColumn["temperature"]
	if temp.Count != 2 || temp.Min != -3.0 || temp.Max != 5.0 || temp.Sum != 2.0 {
		t.Errorf("accumulated stats: %+v", temp)
	}
}

func TestPartitionStats_Missing(t *testing.T) {
	ts := newTestTabular(t)

	_, err := ts.PartitionStats(context.Background(), testSchema, "nothing", 0)
	if !cerr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeletePartition(t *testing.T) {
	ts := newTestTabular(t)
	ctx := context.Background()

	for partition := 0; partition < 2; partition++ {
		err := ts.Append(ctx, WriteRequest{
			Schema:      testSchema,
			DatasetID:   "run1",
			PartitionID: partition,
			Rows:        []Row{{1.0, int64(partition), "p"}},
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := ts.DeletePartition(ctx, testSchema, "run1", 0); err != nil {
		t.Fatalf("DeletePartition: %v", err)
	}

	partitions, err := ts.ListPartitions(ctx, testSchema, "run1")
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if len(partitions) != 1 || partitions[0] != 1 {
		t.Errorf("partitions after delete: %v", partitions)
	}

	if _, err := ts.PartitionStats(ctx, testSchema, "run1", 0); !cerr.IsNotFound(err) {
		t.Errorf("stats survived partition delete: %v", err)
	}
}
