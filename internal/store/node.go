// Package store provides database operations for the catalog.
//
// This file handles the logical dataset tree: one row per dataset or
// container, linked by parent pointers. The (parent_id, key) uniqueness
// constraint is the mutual-exclusion mechanism preventing duplicate sibling
// creation; no application-level locking is involved.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// Structure families. A node's family is immutable after creation.
const (
	FamilyContainer = "container"
	FamilyArray     = "array"
	FamilyTable     = "table"
	FamilyAwkward   = "awkward"
	FamilySparse    = "sparse"
)

// ValidFamily reports whether family is a known structure family.
func ValidFamily(family string) bool {
	switch family {
	case FamilyContainer, FamilyArray, FamilyTable, FamilyAwkward, FamilySparse:
		return true
	}
	return false
}

// Spec names a behavior or layout hint attached to a node, with an optional
// version.
type Spec struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Node is one entry in the logical dataset tree.
type Node struct {
	ID              string
	ParentID        string // empty for roots
	Key             string
	Metadata        map[string]interface{}
	StructureFamily string
	Specs           []Spec
	TimeCreated     time.Time
	TimeUpdated     time.Time
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool {
	return n.ParentID == rootParentID
}

// =============================================================================
// Key Validation
// =============================================================================

// ValidateKey validates that a node key is safe for use as a path segment.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty: %w", cerr.ErrInvalidKey)
	}
	if strings.Contains(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("key cannot contain path separators: %q: %w", key, cerr.ErrInvalidKey)
	}
	if key == "." || key == ".." {
		return fmt.Errorf("key cannot be '.' or '..': %w", cerr.ErrInvalidKey)
	}
	for _, c := range key {
		if c < 32 || c == 127 {
			return fmt.Errorf("key cannot contain control characters: %q: %w", key, cerr.ErrInvalidKey)
		}
	}
	return nil
}

// =============================================================================
// Create / Get
// =============================================================================

// CreateNode inserts a node. Returns ErrKeyExists if a sibling with the
// same key already exists, and ErrNodeNotFound if the parent is missing.
// Only container nodes may have children.
func (s *Store) CreateNode(ctx context.Context, parentID, key, family string, metadata map[string]interface{}, specs []Spec) (*Node, error) {
	var node *Node
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		n, err := createNodeTx(tx, parentID, key, family, metadata, specs)
		if err != nil {
			return err
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func createNodeTx(tx *sql.Tx, parentID, key, family string, metadata map[string]interface{}, specs []Spec) (*Node, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if !ValidFamily(family) {
		return nil, fmt.Errorf("family %q: %w", family, cerr.ErrInvalidFamily)
	}

	if parentID != rootParentID {
		var parentFamily string
		err := tx.QueryRow(
			`SELECT structure_family FROM nodes WHERE id = ?`, parentID).Scan(&parentFamily)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("parent %s: %w", parentID, cerr.ErrNodeNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("query parent: %w", err)
		}
		if parentFamily != FamilyContainer {
			return nil, fmt.Errorf("parent %s has family %q, only containers hold children: %w",
				parentID, parentFamily, cerr.ErrIntegrityViolation)
		}
	}

	metaJSON, specsJSON, err := encodeNodePayload(metadata, specs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	node := &Node{
		ID:              uuid.NewString(),
		ParentID:        parentID,
		Key:             key,
		Metadata:        metadata,
		StructureFamily: family,
		Specs:           specs,
		TimeCreated:     now,
		TimeUpdated:     now,
	}

	_, err = tx.Exec(`
		INSERT INTO nodes (id, parent_id, key, metadata, structure_family, specs, time_created, time_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, node.ID, node.ParentID, node.Key, metaJSON, node.StructureFamily, specsJSON, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("key %q under parent %q: %w", key, parentID, cerr.ErrKeyExists)
		}
		return nil, fmt.Errorf("insert node: %w", err)
	}

	return node, nil
}

// GetNode retrieves a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, key, metadata, structure_family, specs, time_created, time_updated
		FROM nodes WHERE id = ?
	`, id)
	return scanNode(row)
}

// GetChild retrieves a node by parent and key.
func (s *Store) GetChild(ctx context.Context, parentID, key string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, key, metadata, structure_family, specs, time_created, time_updated
		FROM nodes WHERE parent_id = ? AND key = ?
	`, parentID, key)
	return scanNode(row)
}

// GetNodeByPath walks key segments from the root. An empty segment list is
// invalid; paths resolve one uniqueness-indexed lookup per segment.
func (s *Store) GetNodeByPath(ctx context.Context, segments ...string) (*Node, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty path: %w", cerr.ErrInvalidKey)
	}

	parentID := rootParentID
	var node *Node
	for _, seg := range segments {
		n, err := s.GetChild(ctx, parentID, seg)
		if err != nil {
			return nil, err
		}
		node = n
		parentID = n.ID
	}
	return node, nil
}

// =============================================================================
// Update (with revision)
// =============================================================================

// UpdateNodeMetadata replaces a node's metadata and specs. Within one
// transaction it snapshots the current payload into the revision log with
// revision_number = previous max + 1, then updates the node row. Metadata
// is never observably updated without its revision existing.
func (s *Store) UpdateNodeMetadata(ctx context.Context, id string, metadata map[string]interface{}, specs []Spec) (*Node, error) {
	metaJSON, specsJSON, err := encodeNodePayload(metadata, specs)
	if err != nil {
		return nil, err
	}

	var updated *Node
	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT id, parent_id, key, metadata, structure_family, specs, time_created, time_updated
			FROM nodes WHERE id = ?
		`, id)
		current, err := scanNode(row)
		if err != nil {
			return err
		}

		if err := insertRevisionTx(tx, current); err != nil {
			return err
		}

		now := time.Now().UTC()
		result, err := tx.Exec(`
			UPDATE nodes SET metadata = ?, specs = ?, time_updated = ? WHERE id = ?
		`, metaJSON, specsJSON, now, id)
		if err != nil {
			return fmt.Errorf("update node: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			// Concurrently deleted after the read; abort so no revision
			// outlives its node update.
			return fmt.Errorf("node %s: %w", id, cerr.ErrNodeNotFound)
		}

		updated = &Node{
			ID:              current.ID,
			ParentID:        current.ParentID,
			Key:             current.Key,
			Metadata:        metadata,
			StructureFamily: current.StructureFamily,
			Specs:           specs,
			TimeCreated:     current.TimeCreated,
			TimeUpdated:     now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// Children Listing
// =============================================================================

// Filter is a caller-supplied predicate fragment ANDed into a children
// listing. This is how the access-control layer narrows listings without
// the catalog knowing policy semantics.
type Filter struct {
	// Where is a SQL boolean expression over the nodes columns, with ?
	// placeholders.
	Where string

	// Args are the placeholder values for Where.
	Args []interface{}
}

// ListOptions controls pagination, ordering and filtering of a children
// listing.
type ListOptions struct {
	// OrderBy is one of: key, time_created, time_updated. Defaults to key.
	OrderBy string

	// Descending reverses the sort order.
	Descending bool

	// Limit bounds the page size; 0 means no limit.
	Limit int

	// Offset skips rows for offset pagination.
	Offset int

	// Filters are ANDed predicate fragments.
	Filters []Filter
}

// orderColumn whitelists sortable columns so caller input never reaches
// the SQL text unchecked.
func orderColumn(name string) (string, error) {
	switch name {
	case "", "key":
		return "key", nil
	case "time_created":
		return "time_created", nil
	case "time_updated":
		return "time_updated", nil
	}
	return "", fmt.Errorf("order column %q: %w", name, cerr.ErrInvalidConfig)
}

// ListChildren returns the children of a node one page at a time, ordered
// by key unless the caller chooses otherwise. Use parentID = "" for roots.
func (s *Store) ListChildren(ctx context.Context, parentID string, opts ListOptions) ([]*Node, error) {
	col, err := orderColumn(opts.OrderBy)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, parent_id, key, metadata, structure_family, specs, time_created, time_updated
		FROM nodes WHERE parent_id = ?`)
	args := []interface{}{parentID}

	for _, f := range opts.Filters {
		sb.WriteString(" AND (")
		sb.WriteString(f.Where)
		sb.WriteString(")")
		args = append(args, f.Args...)
	}

	sb.WriteString(" ORDER BY ")
	sb.WriteString(col)
	if opts.Descending {
		sb.WriteString(" DESC")
	}
	if opts.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", opts.Limit))
	}
	if opts.Offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", opts.Offset))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// CountChildren returns the number of children of a node.
func (s *Store) CountChildren(ctx context.Context, parentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE parent_id = ?`, parentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return count, nil
}

// =============================================================================
// Delete
// =============================================================================

// DeleteNode deletes a node. The node must be childless and must have no
// data sources; there is no implicit cascade, so destructive operations
// stay auditable. Revisions are removed with their node.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		var children int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM nodes WHERE parent_id = ?`, id).Scan(&children); err != nil {
			return fmt.Errorf("count children: %w", err)
		}
		if children > 0 {
			return fmt.Errorf("node %s has %d children: %w", id, children, cerr.ErrNotEmpty)
		}

		var sources int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM data_sources WHERE node_id = ?`, id).Scan(&sources); err != nil {
			return fmt.Errorf("count data sources: %w", err)
		}
		if sources > 0 {
			return fmt.Errorf("node %s has %d data sources, delete them first: %w",
				id, sources, cerr.ErrInUse)
		}

		if _, err := tx.Exec(`DELETE FROM revisions WHERE node_id = ?`, id); err != nil {
			return fmt.Errorf("delete revisions: %w", err)
		}

		result, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete node: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("node %s: %w", id, cerr.ErrNodeNotFound)
		}
		return nil
	})
}

// =============================================================================
// Scan / Encode Helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*Node, error) {
	n := &Node{}
	var metaJSON, specsJSON string

	err := row.Scan(&n.ID, &n.ParentID, &n.Key, &metaJSON, &n.StructureFamily,
		&specsJSON, &n.TimeCreated, &n.TimeUpdated)
	if err == sql.ErrNoRows {
		return nil, cerr.ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}

	if err := json.Unmarshal([]byte(metaJSON), &n.Metadata); err != nil {
		return nil, fmt.Errorf("decode node metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(specsJSON), &n.Specs); err != nil {
		return nil, fmt.Errorf("decode node specs: %w", err)
	}
	return n, nil
}

func scanNodeRows(rows *sql.Rows) (*Node, error) {
	return scanNode(rows)
}

func encodeNodePayload(metadata map[string]interface{}, specs []Spec) (string, string, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if specs == nil {
		specs = []Spec{}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	specsJSON, err := json.Marshal(specs)
	if err != nil {
		return "", "", fmt.Errorf("encode specs: %w", err)
	}
	return string(metaJSON), string(specsJSON), nil
}
