// Package store provides database operations for the catalog.
//
// This file handles data sources: one row per physical representation of a
// node's content. A node may own zero or more data sources under different
// formats or layouts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// Management modes for a data source's bytes.
const (
	// ManagementExternal marks bytes owned outside the catalog; read-only.
	ManagementExternal = "external"

	// ManagementWritable marks bytes written through the catalog itself.
	ManagementWritable = "writable"
)

// DataSource is one physical representation of a node's content.
type DataSource struct {
	ID              string
	NodeID          string
	Mimetype        string
	Parameters      map[string]interface{}
	Management      string
	StructureFamily string
	StructureID     string
	TimeCreated     time.Time
	TimeUpdated     time.Time
}

// InsertDataSource inserts a data source for a node. The data source's
// family must match the owning node's family, and the structure must exist.
func (s *Store) InsertDataSource(ctx context.Context, ds *DataSource) (*DataSource, error) {
	var inserted *DataSource
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		out, err := insertDataSourceTx(tx, ds)
		if err != nil {
			return err
		}
		inserted = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func insertDataSourceTx(tx *sql.Tx, ds *DataSource) (*DataSource, error) {
	if ds.Management != ManagementExternal && ds.Management != ManagementWritable {
		return nil, fmt.Errorf("management %q: %w", ds.Management, cerr.ErrInvalidConfig)
	}

	var nodeFamily string
	err := tx.QueryRow(
		`SELECT structure_family FROM nodes WHERE id = ?`, ds.NodeID).Scan(&nodeFamily)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s: %w", ds.NodeID, cerr.ErrNodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query node: %w", err)
	}
	if nodeFamily != ds.StructureFamily {
		return nil, fmt.Errorf("data source family %q, node family %q: %w",
			ds.StructureFamily, nodeFamily, cerr.ErrFamilyMismatch)
	}

	var structureID string
	err = tx.QueryRow(
		`SELECT id FROM structures WHERE id = ?`, ds.StructureID).Scan(&structureID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("structure %s: %w", ds.StructureID, cerr.ErrStructureNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query structure: %w", err)
	}

	params := ds.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	now := time.Now().UTC()
	out := &DataSource{
		ID:              uuid.NewString(),
		NodeID:          ds.NodeID,
		Mimetype:        ds.Mimetype,
		Parameters:      params,
		Management:      ds.Management,
		StructureFamily: ds.StructureFamily,
		StructureID:     ds.StructureID,
		TimeCreated:     now,
		TimeUpdated:     now,
	}

	_, err = tx.Exec(`
		INSERT INTO data_sources (id, node_id, mimetype, parameters, management, structure_family, structure_id, time_created, time_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, out.ID, out.NodeID, out.Mimetype, string(paramsJSON), out.Management,
		out.StructureFamily, out.StructureID, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert data source: %w", err)
	}

	return out, nil
}

// GetDataSource retrieves a data source by id.
func (s *Store) GetDataSource(ctx context.Context, id string) (*DataSource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, mimetype, parameters, management, structure_family, structure_id, time_created, time_updated
		FROM data_sources WHERE id = ?
	`, id)
	return scanDataSource(row)
}

// ListDataSources returns all data sources of a node.
func (s *Store) ListDataSources(ctx context.Context, nodeID string) ([]*DataSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, mimetype, parameters, management, structure_family, structure_id, time_created, time_updated
		FROM data_sources WHERE node_id = ? ORDER BY time_created
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query data sources: %w", err)
	}
	defer rows.Close()

	var sources []*DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ds)
	}
	return sources, rows.Err()
}

// DeleteDataSource deletes a data source and its association entries. The
// associated assets must be deletable too (no other data source referencing
// them keeps them alive; shared assets stay).
func (s *Store) DeleteDataSource(ctx context.Context, id string) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		var exists string
		err := tx.QueryRow(`SELECT id FROM data_sources WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("data source %s: %w", id, cerr.ErrDataSourceNotFound)
		}
		if err != nil {
			return fmt.Errorf("query data source: %w", err)
		}

		// Collect this source's assets before dropping the associations,
		// then remove any left orphaned. Orphan assets are a consistency
		// violation, never a silent leftover.
		rows, err := tx.Query(`
			SELECT DISTINCT asset_id FROM data_source_asset_association WHERE data_source_id = ?
		`, id)
		if err != nil {
			return fmt.Errorf("query associations: %w", err)
		}
		var assetIDs []string
		for rows.Next() {
			var aid string
			if err := rows.Scan(&aid); err != nil {
				rows.Close()
				return fmt.Errorf("scan association: %w", err)
			}
			assetIDs = append(assetIDs, aid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec(
			`DELETE FROM data_source_asset_association WHERE data_source_id = ?`, id); err != nil {
			return fmt.Errorf("delete associations: %w", err)
		}

		for _, aid := range assetIDs {
			var refs int
			if err := tx.QueryRow(
				`SELECT COUNT(*) FROM data_source_asset_association WHERE asset_id = ?`,
				aid).Scan(&refs); err != nil {
				return fmt.Errorf("count asset references: %w", err)
			}
			if refs == 0 {
				if _, err := tx.Exec(`DELETE FROM assets WHERE id = ?`, aid); err != nil {
					return fmt.Errorf("delete orphaned asset: %w", err)
				}
			}
		}

		if _, err := tx.Exec(`DELETE FROM data_sources WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete data source: %w", err)
		}
		return nil
	})
}

// TouchDataSource bumps a data source's time_updated so external caches can
// detect staleness. Used by the tabular store on partition changes.
func (s *Store) TouchDataSource(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE data_sources SET time_updated = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch data source: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("data source %s: %w", id, cerr.ErrDataSourceNotFound)
	}
	return nil
}

func scanDataSource(row rowScanner) (*DataSource, error) {
	ds := &DataSource{}
	var paramsJSON string

	err := row.Scan(&ds.ID, &ds.NodeID, &ds.Mimetype, &paramsJSON, &ds.Management,
		&ds.StructureFamily, &ds.StructureID, &ds.TimeCreated, &ds.TimeUpdated)
	if err == sql.ErrNoRows {
		return nil, cerr.ErrDataSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan data source: %w", err)
	}

	if err := json.Unmarshal([]byte(paramsJSON), &ds.Parameters); err != nil {
		return nil, fmt.Errorf("decode data source parameters: %w", err)
	}
	return ds, nil
}
