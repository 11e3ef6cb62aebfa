// Package store provides database operations for the catalog.
//
// This file implements the persist step of the registration pipeline: one
// transaction covering structure intern, node creation, data source insert,
// and asset attachment. Each registered entry gets its own transaction, so
// a failure for one entry never corrupts entries already committed.
package store

import (
	"context"
	"database/sql"
	"fmt"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// PersistRequest describes one catalog entry to persist atomically.
type PersistRequest struct {
	// ParentID is the owning container; empty for a root entry.
	ParentID string

	// Key is the sibling-unique name of the new node.
	Key string

	// Family is the structure family of node, data source and structure.
	Family string

	// Metadata and Specs form the node's mutable payload.
	Metadata map[string]interface{}
	Specs    []Spec

	// Mimetype, Parameters and Management describe the data source.
	Mimetype   string
	Parameters map[string]interface{}
	Management string

	// StructureBody is interned into the content-addressed structure store.
	StructureBody map[string]interface{}

	// Assets are attached in order under their parameter slots.
	Assets []AssetRef

	// Overwrite reuses an existing node of the same key instead of
	// failing with a conflict. The node's existing data sources are
	// replaced; its metadata history is preserved via the revision log.
	Overwrite bool
}

// PersistEntry runs the full persist step in one transaction and returns
// the node and data source created. Without Overwrite, an existing sibling
// key fails with a conflict — two workers racing to register the same path
// cannot both create a node, the uniqueness constraint picks one winner.
func (s *Store) PersistEntry(ctx context.Context, req PersistRequest) (*Node, *DataSource, error) {
	var (
		node *Node
		ds   *DataSource
	)

	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		structureID, err := internStructureTx(tx, req.StructureBody)
		if err != nil {
			return err
		}

		node, err = createNodeTx(tx, req.ParentID, req.Key, req.Family, req.Metadata, req.Specs)
		if cerr.Is(err, cerr.ErrKeyExists) && req.Overwrite {
			node, err = reuseNodeTx(tx, req)
		}
		if err != nil {
			return err
		}

		ds, err = insertDataSourceTx(tx, &DataSource{
			NodeID:          node.ID,
			Mimetype:        req.Mimetype,
			Parameters:      req.Parameters,
			Management:      req.Management,
			StructureFamily: req.Family,
			StructureID:     structureID,
		})
		if err != nil {
			return err
		}

		return attachAssetsTx(tx, ds.ID, req.Assets)
	})
	if err != nil {
		return nil, nil, err
	}
	return node, ds, nil
}

// reuseNodeTx takes over an existing node for an overwriting registration:
// the family must match, a revision snapshots the old payload, the metadata
// is replaced, and the node's previous data sources are removed (shared
// assets survive, orphaned ones are cleaned up).
func reuseNodeTx(tx *sql.Tx, req PersistRequest) (*Node, error) {
	row := tx.QueryRow(`
		SELECT id, parent_id, key, metadata, structure_family, specs, time_created, time_updated
		FROM nodes WHERE parent_id = ? AND key = ?
	`, req.ParentID, req.Key)
	existing, err := scanNode(row)
	if err != nil {
		return nil, err
	}

	if existing.StructureFamily != req.Family {
		return nil, fmt.Errorf("existing node %s has family %q, registration has %q: %w",
			existing.ID, existing.StructureFamily, req.Family, cerr.ErrFamilyMismatch)
	}

	if err := insertRevisionTx(tx, existing); err != nil {
		return nil, err
	}

	metaJSON, specsJSON, err := encodeNodePayload(req.Metadata, req.Specs)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		UPDATE nodes SET metadata = ?, specs = ?, time_updated = CURRENT_TIMESTAMP WHERE id = ?
	`, metaJSON, specsJSON, existing.ID); err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}

	if err := dropNodeDataSourcesTx(tx, existing.ID); err != nil {
		return nil, err
	}

	existing.Metadata = req.Metadata
	existing.Specs = req.Specs
	return existing, nil
}

// dropNodeDataSourcesTx removes a node's data sources and associations,
// deleting any assets left unreferenced.
func dropNodeDataSourcesTx(tx *sql.Tx, nodeID string) error {
	rows, err := tx.Query(`
		SELECT DISTINCT a.asset_id
		FROM data_source_asset_association a
		JOIN data_sources d ON d.id = a.data_source_id
		WHERE d.node_id = ?
	`, nodeID)
	if err != nil {
		return fmt.Errorf("query node assets: %w", err)
	}
	var assetIDs []string
	for rows.Next() {
		var aid string
		if err := rows.Scan(&aid); err != nil {
			rows.Close()
			return fmt.Errorf("scan asset id: %w", err)
		}
		assetIDs = append(assetIDs, aid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		DELETE FROM data_source_asset_association
		WHERE data_source_id IN (SELECT id FROM data_sources WHERE node_id = ?)
	`, nodeID); err != nil {
		return fmt.Errorf("delete associations: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM data_sources WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("delete data sources: %w", err)
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
	return nil
}
