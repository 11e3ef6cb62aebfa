// Package registry maps mimetypes to format capabilities.
//
// This file provides the built-in capabilities: CSV and Parquet tables,
// single and sequenced TIFF arrays, and a zarr-style chunked-array
// directory format. The embedding service may register more.
package registry

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// Built-in mimetypes.
const (
	MimetypeCSV          = "text/csv"
	MimetypeParquet      = "application/x-parquet"
	MimetypeTIFF         = "image/tiff"
	MimetypeTIFFSequence = "multipart/related;type=image/tiff"
	MimetypeZarr         = "application/x-zarr"
)

// Default registers the built-in extensions, markers and capabilities.
func Default() *Registry {
	r := New()

	r.RegisterExtension(".csv", MimetypeCSV)
	r.RegisterExtension(".parquet", MimetypeParquet)
	r.RegisterExtension(".tif", MimetypeTIFF)
	r.RegisterExtension(".tiff", MimetypeTIFF)

	r.RegisterDirectoryMarker(".zattrs", MimetypeZarr)
	r.RegisterDirectoryMarker(".zgroup", MimetypeZarr)
	r.RegisterDirectoryMarker("zarr.json", MimetypeZarr)

	r.RegisterCapability(MimetypeCSV, CSVCapability{})
	r.RegisterCapability(MimetypeParquet, ParquetCapability{})
	r.RegisterCapability(MimetypeTIFF, TIFFCapability{})
	r.RegisterCapability(MimetypeTIFFSequence, TIFFCapability{})
	r.RegisterCapability(MimetypeZarr, ZarrCapability{})

	return r
}

// =============================================================================
// CSV
// =============================================================================

// CSVCapability reads a CSV header row to produce a table structure.
type CSVCapability struct{}

// Family implements Capability.
func (CSVCapability) Family() string { return "table" }

// Structure reads only the header row; column types are resolved by the
// adapter at read time.
func (CSVCapability) Structure(ctx context.Context, path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err != nil {
		return nil, fmt.Errorf("csv %s has no header: %v: %w", path, err, cerr.ErrInvalidStructure)
	}

	columns := make([]interface{}, len(header))
	for i, name := range header {
		columns[i] = name
	}

	return map[string]interface{}{
		"columns":     columns,
		"npartitions": 1,
	}, nil
}

// =============================================================================
// Parquet
// =============================================================================

// ParquetCapability reads a Parquet file's footer to produce a table
// structure with column names and physical types.
type ParquetCapability struct{}

// Family implements Capability.
func (ParquetCapability) Family() string { return "table" }

// Structure opens the file footer only; no row groups are read.
func (ParquetCapability) Structure(ctx context.Context, path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat parquet: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("parquet %s: %v: %w", path, err, cerr.ErrInvalidStructure)
	}

	fields := pf.Schema().Fields()
	columns := make([]interface{}, len(fields))
	types := make(map[string]interface{}, len(fields))
	for i, field := range fields {
		columns[i] = field.Name()
		types[field.Name()] = field.Type().String()
	}

	return map[string]interface{}{
		"columns":      columns,
		"column_types": types,
		"npartitions":  1,
		"row_count":    pf.NumRows(),
	}, nil
}

// =============================================================================
// TIFF
// =============================================================================

// TIFFCapability describes single TIFF files and TIFF sequences as array
// structures. The catalog never decodes pixels; shape beyond the image
// count is the adapter's concern.
type TIFFCapability struct{}

// Family implements Capability.
func (TIFFCapability) Family() string { return "array" }

// Structure stats the file to confirm it exists and records its size.
func (TIFFCapability) Structure(ctx context.Context, path string) (map[string]interface{}, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat tiff: %w", err)
	}
	return map[string]interface{}{
		"format":      "tiff",
		"image_count": 1,
		"byte_size":   stat.Size(),
	}, nil
}

// SequenceStructure describes a sequence of n TIFF files registered as one
// array node.
func (TIFFCapability) SequenceStructure(n int) map[string]interface{} {
	return map[string]interface{}{
		"format":      "tiff",
		"image_count": n,
	}
}

// =============================================================================
// Zarr
// =============================================================================

// ZarrCapability claims zarr-style chunked-array directories: the whole
// directory becomes one is_directory asset and the walk does not recurse
// into it.
type ZarrCapability struct{}

// Family implements Capability.
func (ZarrCapability) Family() string { return "array" }

// OwnsSubtree implements SubtreeOwner.
func (ZarrCapability) OwnsSubtree() bool { return true }

// Structure records the directory location; chunk layout is resolved by
// the adapter from the directory's own metadata files.
func (ZarrCapability) Structure(ctx context.Context, path string) (map[string]interface{}, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat zarr directory: %w", err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("zarr path %s is not a directory: %w", path, cerr.ErrInvalidStructure)
	}
	return map[string]interface{}{
		"format": "zarr",
	}, nil
}
