// Package store provides database operations for the catalog.
//
// This file handles assets (physical files or opaque directories) and the
// ordered association entries linking them to data sources. The association
// table is how one data source is backed by an arbitrary number of files
// without per-format schema changes.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// Asset is one physical file or one opaque directory tree whose internal
// layout is not individually tracked.
type Asset struct {
	ID          string
	DataURI     string
	IsDirectory bool
	HashType    string
	HashContent string
	Size        int64
}

// AssetRef pairs an asset with the parameter slot it is handed to the
// reader under. An empty Parameter marks a supporting file not passed
// directly to the reader.
type AssetRef struct {
	Parameter string
	Asset     Asset
}

// AssetGroup is the resolved form of one parameter's assets: either a
// single scalar asset (num was NULL) or an ordered list.
type AssetGroup struct {
	Scalar *Asset
	List   []Asset
}

// IsScalar reports whether the group resolves to a single scalar value.
func (g AssetGroup) IsScalar() bool {
	return g.Scalar != nil
}

// Resolved is everything an external format adapter needs to open a data
// source's bytes. The catalog itself never opens data files.
type Resolved struct {
	DataSourceID    string
	Mimetype        string
	Parameters      map[string]interface{}
	Management      string
	StructureFamily string
	StructureID     string
	StructureBody   map[string]interface{}

	// Assets maps parameter name to its scalar or ordered asset group.
	Assets map[string]AssetGroup

	// Supporting lists assets attached without a parameter.
	Supporting []Asset
}

// =============================================================================
// Attach
// =============================================================================

// AttachAssets inserts asset rows for any not-yet-known data_uri and the
// association entries for one data source, in one transaction. Within each
// parameter group num is assigned by position; a single-entry group gets
// num = NULL and later resolves to a scalar.
//
// Reusing a data_uri already associated to a data source under a different
// management mode is rejected: assets are never silently shared across
// conflicting ownership semantics.
func (s *Store) AttachAssets(ctx context.Context, dataSourceID string, refs []AssetRef) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		return attachAssetsTx(tx, dataSourceID, refs)
	})
}

func attachAssetsTx(tx *sql.Tx, dataSourceID string, refs []AssetRef) error {
	if len(refs) == 0 {
		return nil
	}

	var management string
	err := tx.QueryRow(
		`SELECT management FROM data_sources WHERE id = ?`, dataSourceID).Scan(&management)
	if err == sql.ErrNoRows {
		return fmt.Errorf("data source %s: %w", dataSourceID, cerr.ErrDataSourceNotFound)
	}
	if err != nil {
		return fmt.Errorf("query data source: %w", err)
	}

	// Group sizes decide scalar vs list semantics, preserving input order.
	groupSize := make(map[string]int)
	for _, ref := range refs {
		groupSize[ref.Parameter]++
	}
	groupPos := make(map[string]int)

	for _, ref := range refs {
		assetID, err := upsertAssetTx(tx, dataSourceID, management, ref.Asset)
		if err != nil {
			return err
		}

		var parameter interface{}
		if ref.Parameter != "" {
			parameter = ref.Parameter
		}

		var num interface{}
		if ref.Parameter != "" && groupSize[ref.Parameter] > 1 {
			num = groupPos[ref.Parameter]
			groupPos[ref.Parameter]++
		}

		if _, err := tx.Exec(`
			INSERT INTO data_source_asset_association (data_source_id, asset_id, parameter, num)
			VALUES (?, ?, ?, ?)
		`, dataSourceID, assetID, parameter, num); err != nil {
			return fmt.Errorf("insert association: %w", err)
		}
	}
	return nil
}

// upsertAssetTx inserts an asset idempotently on data_uri and enforces the
// management-mode ownership rule against existing associations.
func upsertAssetTx(tx *sql.Tx, dataSourceID, management string, asset Asset) (string, error) {
	if asset.DataURI == "" {
		return "", fmt.Errorf("asset data_uri: %w", cerr.ErrMissingField)
	}

	var existingID string
	err := tx.QueryRow(
		`SELECT id FROM assets WHERE data_uri = ?`, asset.DataURI).Scan(&existingID)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("query asset: %w", err)
	}

	if err == sql.ErrNoRows {
		id := uuid.NewString()
		var hashType, hashContent interface{}
		if asset.HashType != "" {
			hashType = asset.HashType
			hashContent = asset.HashContent
		}
		var size interface{}
		if asset.Size > 0 {
			size = asset.Size
		}

		_, err = tx.Exec(`
			INSERT OR IGNORE INTO assets (id, data_uri, is_directory, hash_type, hash_content, size)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, asset.DataURI, asset.IsDirectory, hashType, hashContent, size)
		if err != nil {
			return "", fmt.Errorf("insert asset: %w", err)
		}

		// Re-read: a concurrent registrar may have won the insert race.
		if err := tx.QueryRow(
			`SELECT id FROM assets WHERE data_uri = ?`, asset.DataURI).Scan(&existingID); err != nil {
			return "", fmt.Errorf("read asset: %w", err)
		}
		if existingID == id {
			return id, nil
		}
	}

	// The URI is already known: refuse to claim it under a conflicting
	// management mode.
	var conflicts int
	err = tx.QueryRow(`
		SELECT COUNT(*)
		FROM data_source_asset_association a
		JOIN data_sources d ON d.id = a.data_source_id
		WHERE a.asset_id = ? AND d.management != ? AND d.id != ?
	`, existingID, management, dataSourceID).Scan(&conflicts)
	if err != nil {
		return "", fmt.Errorf("check asset ownership: %w", err)
	}
	if conflicts > 0 {
		return "", fmt.Errorf("asset %s: %w", asset.DataURI, cerr.ErrAssetOwnership)
	}

	return existingID, nil
}

// =============================================================================
// Resolve
// =============================================================================

// ResolveDataSource returns everything an adapter needs to open a data
// source: mimetype, open parameters, structure body, and assets grouped by
// parameter with scalar collapse for single entries.
func (s *Store) ResolveDataSource(ctx context.Context, dataSourceID string) (*Resolved, error) {
	ds, err := s.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}

	structure, err := s.GetStructure(ctx, ds.StructureID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.data_uri, a.is_directory, a.hash_type, a.hash_content, a.size,
		       assoc.parameter, assoc.num
		FROM data_source_asset_association assoc
		JOIN assets a ON a.id = assoc.asset_id
		WHERE assoc.data_source_id = ?
		ORDER BY assoc.parameter, assoc.num
	`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("query associations: %w", err)
	}
	defer rows.Close()

	resolved := &Resolved{
		DataSourceID:    ds.ID,
		Mimetype:        ds.Mimetype,
		Parameters:      ds.Parameters,
		Management:      ds.Management,
		StructureFamily: ds.StructureFamily,
		StructureID:     ds.StructureID,
		StructureBody:   structure.Body,
		Assets:          make(map[string]AssetGroup),
	}

	type entry struct {
		asset Asset
		num   *int
	}
	grouped := make(map[string][]entry)
	var order []string

	for rows.Next() {
		var a Asset
		var hashType, hashContent sql.NullString
		var size sql.NullInt64
		var parameter sql.NullString
		var num sql.NullInt32

		if err := rows.Scan(&a.ID, &a.DataURI, &a.IsDirectory,
			&hashType, &hashContent, &size, &parameter, &num); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		if hashType.Valid {
			a.HashType = hashType.String
		}
		if hashContent.Valid {
			a.HashContent = hashContent.String
		}
		if size.Valid {
			a.Size = size.Int64
		}

		if !parameter.Valid {
			resolved.Supporting = append(resolved.Supporting, a)
			continue
		}

		e := entry{asset: a}
		if num.Valid {
			n := int(num.Int32)
			e.num = &n
		}
		if _, seen := grouped[parameter.String]; !seen {
			order = append(order, parameter.String)
		}
		grouped[parameter.String] = append(grouped[parameter.String], e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, param := range order {
		entries := grouped[param]
		if len(entries) == 1 && entries[0].num == nil {
			a := entries[0].asset
			resolved.Assets[param] = AssetGroup{Scalar: &a}
			continue
		}
		list := make([]Asset, len(entries))
		for i, e := range entries {
			list[i] = e.asset
		}
		resolved.Assets[param] = AssetGroup{List: list}
	}

	return resolved, nil
}

// GetAssetByURI retrieves an asset by its data_uri.
func (s *Store) GetAssetByURI(ctx context.Context, dataURI string) (*Asset, error) {
	a := &Asset{}
	var hashType, hashContent sql.NullString
	var size sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, data_uri, is_directory, hash_type, hash_content, size
		FROM assets WHERE data_uri = ?
	`, dataURI).Scan(&a.ID, &a.DataURI, &a.IsDirectory, &hashType, &hashContent, &size)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("asset %s: %w", dataURI, cerr.ErrAssetNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query asset: %w", err)
	}

	if hashType.Valid {
		a.HashType = hashType.String
	}
	if hashContent.Valid {
		a.HashContent = hashContent.String
	}
	if size.Valid {
		a.Size = size.Int64
	}
	return a, nil
}
