// Package store provides database operations for the catalog.
//
// This file defines the relational schema and the schema-version marker
// checked at startup.
package store

import (
	"context"
	"database/sql"
	"fmt"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// SchemaVersion is the current catalog schema version. Bump on any
// incompatible DDL change; the store refuses to open a database written by
// a different version.
const SchemaVersion = 1

// rootParentID is the parent value for root nodes. An empty string rather
// than NULL so the (parent_id, key) uniqueness constraint covers roots:
// NULL values never compare equal in SQL unique indexes.
const rootParentID = ""

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS catalog_version (
		version INTEGER PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id               VARCHAR PRIMARY KEY,
		parent_id        VARCHAR NOT NULL,
		key              VARCHAR NOT NULL,
		metadata         VARCHAR NOT NULL,
		structure_family VARCHAR NOT NULL,
		specs            VARCHAR NOT NULL,
		time_created     TIMESTAMP NOT NULL,
		time_updated     TIMESTAMP NOT NULL,
		UNIQUE (parent_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS structures (
		id   VARCHAR PRIMARY KEY,
		body VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS data_sources (
		id               VARCHAR PRIMARY KEY,
		node_id          VARCHAR NOT NULL,
		mimetype         VARCHAR NOT NULL,
		parameters       VARCHAR NOT NULL,
		management       VARCHAR NOT NULL,
		structure_family VARCHAR NOT NULL,
		structure_id     VARCHAR NOT NULL,
		time_created     TIMESTAMP NOT NULL,
		time_updated     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS assets (
		id           VARCHAR PRIMARY KEY,
		data_uri     VARCHAR NOT NULL UNIQUE,
		is_directory BOOLEAN NOT NULL,
		hash_type    VARCHAR,
		hash_content VARCHAR,
		size         BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS data_source_asset_association (
		data_source_id VARCHAR NOT NULL,
		asset_id       VARCHAR NOT NULL,
		parameter      VARCHAR,
		num            INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS revisions (
		id                VARCHAR PRIMARY KEY,
		node_id           VARCHAR NOT NULL,
		revision_number   INTEGER NOT NULL,
		metadata          VARCHAR NOT NULL,
		specs             VARCHAR NOT NULL,
		time_created      TIMESTAMP NOT NULL,
		UNIQUE (node_id, revision_number)
	)`,
	`CREATE TABLE IF NOT EXISTS tabular_schemas (
		schema_id  VARCHAR PRIMARY KEY,
		table_name VARCHAR NOT NULL,
		body       VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tabular_partition_stats (
		schema_id    VARCHAR NOT NULL,
		dataset_id   VARCHAR NOT NULL,
		partition_id INTEGER NOT NULL,
		column_name  VARCHAR NOT NULL,
		row_count    BIGINT NOT NULL,
		min_value    DOUBLE,
		max_value    DOUBLE,
		sum_value    DOUBLE,
		UNIQUE (schema_id, dataset_id, partition_id, column_name)
	)`,
	`CREATE TABLE IF NOT EXISTS tabular_partition_seq (
		schema_id    VARCHAR NOT NULL,
		dataset_id   VARCHAR NOT NULL,
		partition_id INTEGER NOT NULL,
		next_seq     BIGINT NOT NULL,
		UNIQUE (schema_id, dataset_id, partition_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes (parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_data_sources_node ON data_sources (node_id)`,
	`CREATE INDEX IF NOT EXISTS idx_association_ds ON data_source_asset_association (data_source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_revisions_node ON revisions (node_id)`,
}

// initSchema creates the catalog tables idempotently and verifies the
// schema version marker.
func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return s.checkVersion(ctx)
}

// checkVersion reads the schema version marker, writing it on a fresh
// database and refusing to serve on a mismatch.
func (s *Store) checkVersion(ctx context.Context) error {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM catalog_version`).Scan(&version)

	switch {
	case err == sql.ErrNoRows:
		// Insert-or-ignore then re-read: a concurrent bootstrapper may have
		// written the marker between our read and our insert.
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO catalog_version (version) VALUES (?)`, SchemaVersion); err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
		if err := s.db.QueryRowContext(ctx,
			`SELECT version FROM catalog_version`).Scan(&version); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if version != SchemaVersion {
			return fmt.Errorf("database has schema version %d, this build requires %d: %w",
				version, SchemaVersion, cerr.ErrIncompatibleSchema)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != SchemaVersion:
		return fmt.Errorf("database has schema version %d, this build requires %d: %w",
			version, SchemaVersion, cerr.ErrIncompatibleSchema)
	default:
		return nil
	}
}
