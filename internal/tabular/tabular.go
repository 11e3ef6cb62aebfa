// Package tabular implements the partitioned store for streaming,
// append-only tabular writes.
//
// A writer declares a column schema; the store content-addresses the schema
// and maps it to one physical table created on first use. Rows carry a
// caller-supplied dataset_id (the logical dataset) and partition_id (a
// caller-chosen chunk within the dataset). Physical table count scales with
// the number of distinct schemas observed, not with the number of datasets.
package tabular

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cerr "github.com/bluesky/tiled/internal/errors"
	"github.com/bluesky/tiled/internal/logging"
	"github.com/bluesky/tiled/internal/store"
)

// Column types supported by the tabular store.
const (
	TypeInt64     = "int64"
	TypeFloat64   = "float64"
	TypeText      = "text"
	TypeBool      = "bool"
	TypeTimestamp = "timestamp"
)

// Column is one schema column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is an ordered column list. Order is significant: rows are
// positional.
type Schema []Column

// DefaultPartition is the partition used when a writer does not choose one.
const DefaultPartition = 0

var columnNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reserved column names used by the store's own bookkeeping columns.
var reservedColumns = map[string]bool{
	"dataset_id":   true,
	"partition_id": true,
	"seq":          true,
}

// Validate checks the schema for emptiness, bad names and unknown types.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schema has no columns: %w", cerr.ErrInvalidStructure)
	}
	seen := make(map[string]bool, len(s))
	for _, c := range s {
		if !columnNamePattern.MatchString(c.Name) {
			return fmt.Errorf("column name %q: %w", c.Name, cerr.ErrInvalidStructure)
		}
		if reservedColumns[strings.ToLower(c.Name)] {
			return fmt.Errorf("column name %q is reserved: %w", c.Name, cerr.ErrInvalidStructure)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q: %w", c.Name, cerr.ErrInvalidStructure)
		}
		seen[c.Name] = true

		switch c.Type {
		case TypeInt64, TypeFloat64, TypeText, TypeBool, TypeTimestamp:
		default:
			return fmt.Errorf("column %q type %q: %w", c.Name, c.Type, cerr.ErrInvalidStructure)
		}
	}
	return nil
}

// body returns the canonicalizable form of the schema.
func (s Schema) body() map[string]interface{} {
	columns := make([]interface{}, len(s))
	for i, c := range s {
		columns[i] = map[string]interface{}{"name": c.Name, "type": c.Type}
	}
	return map[string]interface{}{"columns": columns}
}

// SchemaID returns the content address of a schema, using the same
// canonicalization as the structure store.
func SchemaID(s Schema) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	return store.Digest(s.body())
}

// TableName derives the physical table name from a schema id.
func TableName(schemaID string) string {
	hex := strings.TrimPrefix(schemaID, store.DigestPrefix)
	if len(hex) > 16 {
		hex = hex[:16]
	}
	return "partitioned_" + hex
}

func sqlType(columnType string) string {
	switch columnType {
	case TypeInt64:
		return "BIGINT"
	case TypeFloat64:
		return "DOUBLE"
	case TypeText:
		return "VARCHAR"
	case TypeBool:
		return "BOOLEAN"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

// =============================================================================
// Store
// =============================================================================

// Row is one positional row matching the schema's column order.
type Row []interface{}

// WriteRequest is the writer-side wire shape.
type WriteRequest struct {
	Schema      Schema
	DatasetID   string
	PartitionID int
	Rows        []Row

	// DataSourceID, when set, is the writable data source whose
	// time_updated is bumped so external caches detect the change.
	DataSourceID string
}

// ReadRequest is the reader-side wire shape. A nil PartitionID reads the
// whole dataset.
type ReadRequest struct {
	Schema      Schema
	DatasetID   string
	PartitionID *int
}

// Result is a positional result set.
type Result struct {
	Columns []string
	Rows    []Row
}

// Store provides partitioned tabular reads and writes over the catalog's
// database handle.
type Store struct {
	st    *store.Store
	stats *statsTracker
	log   *slog.Logger
}

// New creates a tabular store. sketchAccuracy is the DDSketch relative
// accuracy for partition statistics; <= 0 disables sketches.
func New(st *store.Store, sketchAccuracy float64) *Store {
	return &Store{
		st:    st,
		stats: newStatsTracker(sketchAccuracy),
		log:   logging.Component("tabular"),
	}
}

// EnsureTable creates the physical table for a schema on first use and
// records it in the bookkeeping table. Concurrent declarers of the same
// schema race harmlessly: both the CREATE and the bookkeeping insert are
// idempotent.
func (s *Store) EnsureTable(ctx context.Context, schema Schema) (schemaID, tableName string, err error) {
	schemaID, err = SchemaID(schema)
	if err != nil {
		return "", "", err
	}
	tableName = TableName(schemaID)

	var ddl strings.Builder
	fmt.Fprintf(&ddl, "CREATE TABLE IF NOT EXISTS %s (\n", tableName)
	ddl.WriteString("\tdataset_id VARCHAR NOT NULL,\n")
	ddl.WriteString("\tpartition_id INTEGER NOT NULL,\n")
	ddl.WriteString("\tseq BIGINT NOT NULL")
	for _, c := range schema {
		fmt.Fprintf(&ddl, ",\n\t%s %s", c.Name, sqlType(c.Type))
	}
	ddl.WriteString("\n)")

	if _, err := s.st.ExecContext(ctx, ddl.String()); err != nil {
		return "", "", fmt.Errorf("create table %s: %w", tableName, err)
	}

	canonical, err := store.CanonicalJSON(schema.body())
	if err != nil {
		return "", "", err
	}
	if _, err := s.st.ExecContext(ctx, `
		INSERT OR IGNORE INTO tabular_schemas (schema_id, table_name, body) VALUES (?, ?, ?)
	`, schemaID, tableName, string(canonical)); err != nil {
		return "", "", fmt.Errorf("record schema: %w", err)
	}

	return schemaID, tableName, nil
}

// Append writes a batch of rows in one transaction. Rows are tagged with
// the request's dataset and partition and sequenced in insertion order
// within the partition. No ordering is promised across partitions.
//
// Concurrent appenders to the same partition conflict on the partition's
// sequence counter row; the loser returns ErrConflict and may retry, so
// committed batches never interleave sequence values.
func (s *Store) Append(ctx context.Context, req WriteRequest) error {
	if req.DatasetID == "" {
		return fmt.Errorf("dataset_id: %w", cerr.ErrMissingField)
	}
	if len(req.Rows) == 0 {
		return nil
	}

	schemaID, tableName, err := s.EnsureTable(ctx, req.Schema)
	if err != nil {
		return err
	}

	for i, row := range req.Rows {
		if len(row) != len(req.Schema) {
			return fmt.Errorf("row %d has %d values, schema has %d columns: %w",
				i, len(row), len(req.Schema), cerr.ErrInvalidStructure)
		}
	}

	colNames := make([]string, len(req.Schema))
	for i, c := range req.Schema {
		colNames[i] = c.Name
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(req.Schema)+3), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (dataset_id, partition_id, seq, %s) VALUES (%s)",
		tableName, strings.Join(colNames, ", "), placeholders)

	err = s.st.TransactionContext(ctx, func(tx *sql.Tx) error {
		base, err := reserveSeqTx(tx, schemaID, req.DatasetID, req.PartitionID, int64(len(req.Rows)))
		if err != nil {
			return err
		}

		stmt, err := tx.Prepare(insert)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for i, row := range req.Rows {
			args := make([]interface{}, 0, len(row)+3)
			args = append(args, req.DatasetID, req.PartitionID, base+int64(i))
			args = append(args, row...)
			if _, err := stmt.Exec(args...); err != nil {
				return fmt.Errorf("insert row %d: %w", i, err)
			}
		}

		return s.stats.record(tx, schemaID, req)
	})
	if err != nil {
		if store.IsWriteConflict(err) {
			return fmt.Errorf("concurrent append to dataset %s partition %d: %w",
				req.DatasetID, req.PartitionID, cerr.ErrConflict)
		}
		return err
	}

	if req.DataSourceID != "" {
		if err := s.st.TouchDataSource(ctx, req.DataSourceID); err != nil {
			s.log.Warn("touch data source after append", "data_source", req.DataSourceID, "error", err)
		}
	}
	return nil
}

// reserveSeqTx claims the next n sequence values for a partition by
// advancing its counter row. The counter update is the write-write conflict
// point for concurrent appenders to the same partition: the engine aborts
// one of two overlapping transactions, so committed batches hold disjoint
// sequence ranges. Reading MAX(seq) instead would let both writers see the
// same base and commit duplicated values.
func reserveSeqTx(tx *sql.Tx, schemaID, datasetID string, partitionID int, n int64) (int64, error) {
	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO tabular_partition_seq (schema_id, dataset_id, partition_id, next_seq)
		VALUES (?, ?, ?, 0)
	`, schemaID, datasetID, partitionID); err != nil {
		return 0, fmt.Errorf("init sequence counter: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE tabular_partition_seq SET next_seq = next_seq + ?
		WHERE schema_id = ? AND dataset_id = ? AND partition_id = ?
	`, n, schemaID, datasetID, partitionID); err != nil {
		return 0, fmt.Errorf("advance sequence counter: %w", err)
	}

	var end int64
	if err := tx.QueryRow(`
		SELECT next_seq FROM tabular_partition_seq
		WHERE schema_id = ? AND dataset_id = ? AND partition_id = ?
	`, schemaID, datasetID, partitionID).Scan(&end); err != nil {
		return 0, fmt.Errorf("read sequence counter: %w", err)
	}
	return end - n, nil
}

// Read returns a dataset's rows, optionally narrowed to one partition, in
// insertion order within each partition.
func (s *Store) Read(ctx context.Context, req ReadRequest) (*Result, error) {
	if req.DatasetID == "" {
		return nil, fmt.Errorf("dataset_id: %w", cerr.ErrMissingField)
	}
	schemaID, err := SchemaID(req.Schema)
	if err != nil {
		return nil, err
	}
	tableName := TableName(schemaID)

	colNames := make([]string, len(req.Schema))
	for i, c := range req.Schema {
		colNames[i] = c.Name
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE dataset_id = ?`,
		strings.Join(colNames, ", "), tableName)
	args := []interface{}{req.DatasetID}
	if req.PartitionID != nil {
		query += " AND partition_id = ?"
		args = append(args, *req.PartitionID)
	}
	query += " ORDER BY partition_id, seq"

	rows, err := s.st.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", tableName, err)
	}
	defer rows.Close()

	result := &Result{Columns: colNames}
	for rows.Next() {
		values := make(Row, len(colNames))
		dests := make([]interface{}, len(colNames))
		for i := range values {
			dests[i] = &values[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}

// ListPartitions returns the partition ids present for a dataset, ascending.
func (s *Store) ListPartitions(ctx context.Context, schema Schema, datasetID string) ([]int, error) {
	schemaID, err := SchemaID(schema)
	if err != nil {
		return nil, err
	}

	rows, err := s.st.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT partition_id FROM %s WHERE dataset_id = ? ORDER BY partition_id`,
		TableName(schemaID)), datasetID)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var partitions []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

// DeletePartition removes one partition's rows and statistics. Only
// writable datasets mutate; the caller is responsible for checking the
// owning data source's management mode.
func (s *Store) DeletePartition(ctx context.Context, schema Schema, datasetID string, partitionID int) error {
	schemaID, err := SchemaID(schema)
	if err != nil {
		return err
	}
	tableName := TableName(schemaID)

	return s.st.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(fmt.Sprintf(
			`DELETE FROM %s WHERE dataset_id = ? AND partition_id = ?`, tableName),
			datasetID, partitionID); err != nil {
			return fmt.Errorf("delete partition rows: %w", err)
		}
		if _, err := tx.Exec(`
			DELETE FROM tabular_partition_stats
			WHERE schema_id = ? AND dataset_id = ? AND partition_id = ?
		`, schemaID, datasetID, partitionID); err != nil {
			return fmt.Errorf("delete partition stats: %w", err)
		}
		if _, err := tx.Exec(`
			DELETE FROM tabular_partition_seq
			WHERE schema_id = ? AND dataset_id = ? AND partition_id = ?
		`, schemaID, datasetID, partitionID); err != nil {
			return fmt.Errorf("delete partition sequence counter: %w", err)
		}
		s.stats.forget(schemaID, datasetID, partitionID)
		return nil
	})
}

// TableCount returns the number of physical tables, which tracks distinct
// schemas, not datasets.
func (s *Store) TableCount(ctx context.Context) (int, error) {
	var count int
	err := s.st.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tabular_schemas`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count schemas: %w", err)
	}
	return count, nil
}
