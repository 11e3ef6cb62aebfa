package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// newTestStore opens an in-memory database with the full schema applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DSN = "" // in-memory

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_New(t *testing.T) {
	s := newTestStore(t)
	if s == nil {
		t.Fatal("store is nil")
	}
}

func TestStore_SchemaVersion(t *testing.T) {
	s := newTestStore(t)

	var version int
	err := s.QueryRowContext(context.Background(), `SELECT version FROM catalog_version`).Scan(&version)
	if err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("expected schema version %d, got %d", SchemaVersion, version)
	}
}

func TestStore_OpenUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = "nosuchdriver"

	_, err := New(cfg)
	if !cerr.Is(err, cerr.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	// The driver's own message must survive the wrapping.
	if !strings.Contains(err.Error(), "nosuchdriver") {
		t.Errorf("driver detail lost: %v", err)
	}
}

func TestStore_ReopenKeepsSingleVersionRow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "catalog.db")

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var count int
	err = s.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM catalog_version`).Scan(&count)
	if err != nil {
		t.Fatalf("count version rows: %v", err)
	}
	if count != 1 {
		t.Errorf("expected one version row, got %d", count)
	}
}

func TestStore_Health(t *testing.T) {
	s := newTestStore(t)
	if err := s.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}
