// Package store provides database operations for the catalog.
//
// This file handles the revision log: append-only snapshots of a node's
// metadata and specs taken before each mutation. Rows are never updated or
// deleted while their node lives.
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

// Revision is one immutable snapshot of a node's mutable payload.
type Revision struct {
	ID             string
	NodeID         string
	RevisionNumber int
	Metadata       map[string]interface{}
	Specs          []Spec
	TimeCreated    time.Time
}

// insertRevisionTx snapshots node's current payload as the next revision.
// Called inside the same transaction as the node update, so the revision
// counter is contiguous in commit order: the UNIQUE (node_id,
// revision_number) constraint makes concurrent updaters of one node
// serialize rather than share a number.
func insertRevisionTx(tx *sql.Tx, node *Node) error {
	var next int
	err := tx.QueryRow(
		`SELECT COALESCE(MAX(revision_number), 0) + 1 FROM revisions WHERE node_id = ?`,
		node.ID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next revision number: %w", err)
	}

	metaJSON, specsJSON, err := encodeNodePayload(node.Metadata, node.Specs)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO revisions (id, node_id, revision_number, metadata, specs, time_created)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), node.ID, next, metaJSON, specsJSON, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("revision %d for node %s: %w", next, node.ID, cerr.ErrConflict)
		}
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

// ListRevisions returns a node's revisions ordered by revision number.
func (s *Store) ListRevisions(ctx context.Context, nodeID string, limit, offset int) ([]*Revision, error) {
	query := `
		SELECT id, node_id, revision_number, metadata, specs, time_created
		FROM revisions WHERE node_id = ? ORDER BY revision_number`
	args := []interface{}{nodeID}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var revisions []*Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revisions = append(revisions, r)
	}
	return revisions, rows.Err()
}

// GetRevision retrieves one revision of a node by number.
func (s *Store) GetRevision(ctx context.Context, nodeID string, number int) (*Revision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, revision_number, metadata, specs, time_created
		FROM revisions WHERE node_id = ? AND revision_number = ?
	`, nodeID, number)

	r, err := scanRevision(row)
	if err == sql.ErrNoRows || cerr.Is(err, cerr.ErrRevisionNotFound) {
		return nil, fmt.Errorf("node %s revision %d: %w", nodeID, number, cerr.ErrRevisionNotFound)
	}
	return r, err
}

func scanRevision(row rowScanner) (*Revision, error) {
	r := &Revision{}
	var metaJSON, specsJSON string

	err := row.Scan(&r.ID, &r.NodeID, &r.RevisionNumber, &metaJSON, &specsJSON, &r.TimeCreated)
	if err == sql.ErrNoRows {
		return nil, cerr.ErrRevisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan revision: %w", err)
	}

	if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
		return nil, fmt.Errorf("decode revision metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(specsJSON), &r.Specs); err != nil {
		return nil, fmt.Errorf("decode revision specs: %w", err)
	}
	return r, nil
}
