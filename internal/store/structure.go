// Package store provides database operations for the catalog.
//
// This file handles the content-addressed structure store. Structures are
// deduplicated by digest: many data sources may share one structure row, so
// rows are immutable and never deleted while referenced.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// Structure is one content-addressed structure description.
type Structure struct {
	ID   string
	Body map[string]interface{}
}

// InternStructure canonicalizes body, computes its digest, and returns the
// id of the matching structure row, inserting it on first use.
//
// Safe under concurrent callers racing to intern the same body: the insert
// is insert-or-ignore followed by a read, so two concurrent interners of
// the same content both succeed. Equal ids imply byte-identical canonical
// bodies, so read paths compare ids instead of bodies.
func (s *Store) InternStructure(ctx context.Context, body map[string]interface{}) (string, error) {
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return "", err
	}
	id, err := Digest(body)
	if err != nil {
		return "", err
	}

	// A write conflict means an overlapping interner committed the row
	// first; the read below confirms it either way.
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO structures (id, body) VALUES (?, ?)`,
		id, string(canonical))
	if err != nil && !IsWriteConflict(err) {
		return "", fmt.Errorf("intern structure: %w", err)
	}

	// Read back to confirm the row exists regardless of which racer
	// inserted it.
	var stored string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM structures WHERE id = ?`, id).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("read interned structure: %w", err)
	}

	return id, nil
}

// internStructureTx is InternStructure inside an existing transaction, used
// by the registration pipeline's persist step.
func internStructureTx(tx *sql.Tx, body map[string]interface{}) (string, error) {
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return "", err
	}
	id, err := Digest(body)
	if err != nil {
		return "", err
	}

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO structures (id, body) VALUES (?, ?)`,
		id, string(canonical)); err != nil {
		return "", fmt.Errorf("intern structure: %w", err)
	}
	return id, nil
}

// GetStructure retrieves a structure by id.
func (s *Store) GetStructure(ctx context.Context, id string) (*Structure, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM structures WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("structure %s: %w", id, cerr.ErrStructureNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query structure: %w", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, fmt.Errorf("decode structure body: %w", err)
	}

	return &Structure{ID: id, Body: body}, nil
}

// DeleteStructure removes an unreferenced structure row. Deleting a
// structure still referenced by any data source is an integrity violation.
func (s *Store) DeleteStructure(ctx context.Context, id string) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		var refs int
		err := tx.QueryRow(
			`SELECT COUNT(*) FROM data_sources WHERE structure_id = ?`, id).Scan(&refs)
		if err != nil {
			return fmt.Errorf("count structure references: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("structure %s referenced by %d data sources: %w",
				id, refs, cerr.ErrInUse)
		}

		result, err := tx.Exec(`DELETE FROM structures WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete structure: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("structure %s: %w", id, cerr.ErrStructureNotFound)
		}
		return nil
	})
}
