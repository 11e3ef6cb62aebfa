// Package catalog wires the store, format registry, registration pipeline,
// tabular store and resource cache into one service.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bluesky/tiled/config"
	"github.com/bluesky/tiled/internal/cache"
	cerr "github.com/bluesky/tiled/internal/errors"
	"github.com/bluesky/tiled/internal/ingest"
	"github.com/bluesky/tiled/internal/logging"
	"github.com/bluesky/tiled/internal/registry"
	"github.com/bluesky/tiled/internal/store"
	"github.com/bluesky/tiled/internal/tabular"
)

// Service is the catalog facade. It holds no worker goroutines of its own:
// it is invoked by however many request handlers the surrounding service
// runs and stays correct under arbitrary interleavings because every
// multi-row mutation is one database transaction.
type Service struct {
	config   *config.Config
	store    *store.Store
	registry *registry.Registry
	pipeline *ingest.Pipeline
	tabular  *tabular.Store
	cache    cache.Cache
	log      *slog.Logger
}

// New creates a catalog service. A nil cfg uses defaults; a nil resource
// cache falls back to the bounded in-memory implementation.
func New(cfg *config.Config, resourceCache cache.Cache) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storeCfg := store.DefaultConfig()
	storeCfg.DSN = cfg.Database.Path
	storeCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	storeCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	storeCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	storeCfg.QueryTimeout = cfg.Database.QueryTimeout

	st, err := store.New(storeCfg)
	if err != nil {
		return nil, err
	}

	reg := registry.Default()
	if resourceCache == nil {
		resourceCache = cache.NewMemoryCache(cfg.Cache.MaxEntries)
	}

	return &Service{
		config:   cfg,
		store:    st,
		registry: reg,
		pipeline: ingest.New(st, reg, cfg.Ingest.Parameter),
		tabular:  tabular.New(st, cfg.Tabular.SketchAccuracy),
		cache:    resourceCache,
		log:      logging.Component("catalog"),
	}, nil
}

// Close closes the service and its database.
func (s *Service) Close() error {
	return s.store.Close()
}

// Health checks the backing database.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}

// Store exposes the relational layer for callers that need raw access.
func (s *Service) Store() *store.Store {
	return s.store
}

// Registry exposes the format registry so embedders can add capabilities.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Tabular exposes the partitioned tabular store.
func (s *Service) Tabular() *tabular.Store {
	return s.tabular
}

// =============================================================================
// Node Operations
// =============================================================================

// CreateNode creates a node under parentID ("" for a root).
func (s *Service) CreateNode(ctx context.Context, parentID, key, family string, metadata map[string]interface{}, specs []store.Spec) (*store.Node, error) {
	return s.store.CreateNode(ctx, parentID, key, family, metadata, specs)
}

// GetNode retrieves a node by id.
func (s *Service) GetNode(ctx context.Context, id string) (*store.Node, error) {
	return s.store.GetNode(ctx, id)
}

// GetNodeByPath resolves a node by key segments from the root.
func (s *Service) GetNodeByPath(ctx context.Context, segments ...string) (*store.Node, error) {
	return s.store.GetNodeByPath(ctx, segments...)
}

// UpdateNodeMetadata replaces a node's metadata and specs, appending to the
// revision log in the same transaction, and invalidates the cache entry.
func (s *Service) UpdateNodeMetadata(ctx context.Context, id string, metadata map[string]interface{}, specs []store.Spec) (*store.Node, error) {
	node, err := s.store.UpdateNodeMetadata(ctx, id, metadata, specs)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(cache.KeyForNode(id))
	return node, nil
}

// ListChildren lists a node's children with pagination, ordering and
// caller-supplied filter fragments.
func (s *Service) ListChildren(ctx context.Context, parentID string, opts store.ListOptions) ([]*store.Node, error) {
	return s.store.ListChildren(ctx, parentID, opts)
}

// ListRevisions lists a node's revision history.
func (s *Service) ListRevisions(ctx context.Context, nodeID string, limit, offset int) ([]*store.Revision, error) {
	return s.store.ListRevisions(ctx, nodeID, limit, offset)
}

// DeleteNode deletes a childless node with no data sources and drops its
// cache entry.
func (s *Service) DeleteNode(ctx context.Context, id string) error {
	if err := s.store.DeleteNode(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(cache.KeyForNode(id))
	return nil
}

// DeleteDataSource deletes a data source and invalidates its cache entry.
func (s *Service) DeleteDataSource(ctx context.Context, id string) error {
	if err := s.store.DeleteDataSource(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(cache.KeyForDataSource(id))
	return nil
}

// =============================================================================
// Registration
// =============================================================================

// Register walks a path and registers its contents under parentID.
func (s *Service) Register(ctx context.Context, parentID, path string, opts ingest.Options) ([]ingest.Outcome, error) {
	if opts.Parallelism <= 0 {
		opts.Parallelism = s.config.Ingest.Parallelism
	}
	return s.pipeline.Register(ctx, parentID, path, opts)
}

// CreateWritableDataset creates a node whose rows arrive through the
// tabular store.
func (s *Service) CreateWritableDataset(ctx context.Context, parentID, key, family string, structureBody map[string]interface{}, mimetype string) (nodeID, dataSourceID string, err error) {
	return s.pipeline.CreateWritableDataset(ctx, parentID, key, family, structureBody, mimetype)
}

// Resolve returns everything an adapter needs to open a data source.
func (s *Service) Resolve(ctx context.Context, dataSourceID string) (*store.Resolved, error) {
	return s.store.ResolveDataSource(ctx, dataSourceID)
}

// =============================================================================
// Tabular
// =============================================================================

// AppendRows appends rows through the partitioned tabular store and
// invalidates the owning data source's cache entry.
func (s *Service) AppendRows(ctx context.Context, req tabular.WriteRequest) error {
	if req.DataSourceID != "" {
		ds, err := s.store.GetDataSource(ctx, req.DataSourceID)
		if err != nil {
			return err
		}
		if ds.Management != store.ManagementWritable {
			return fmt.Errorf("data source %s: %w", req.DataSourceID, cerr.ErrReadOnlySource)
		}
	}

	if err := s.tabular.Append(ctx, req); err != nil {
		return err
	}
	if req.DataSourceID != "" {
		s.cache.Invalidate(cache.KeyForDataSource(req.DataSourceID))
	}
	return nil
}

// ReadRows reads a dataset's rows, optionally narrowed to one partition.
func (s *Service) ReadRows(ctx context.Context, req tabular.ReadRequest) (*tabular.Result, error) {
	return s.tabular.Read(ctx, req)
}

// =============================================================================
// Stats
// =============================================================================

// Stats summarizes service activity.
type Stats struct {
	RegisteredEntries int64
	SkippedEntries    int64
	FailedEntries     int64
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	persisted, skipped, failed := s.pipeline.Stats()
	return Stats{
		RegisteredEntries: persisted,
		SkippedEntries:    skipped,
		FailedEntries:     failed,
	}
}
