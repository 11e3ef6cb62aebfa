// Package ingest implements the registration pipeline: walking external
// locations and transactionally populating the catalog.
//
// Each presented path moves through a small state machine:
//
//	Discovered -> FormatDetected -> StructureResolved -> Persisted
//	                             \-> Skipped (unknown format, non-fatal)
//	                              \-> Failed (recorded, walk continues)
//
// Every entry persists in its own transaction, so a failure for one entry
// never corrupts the entries already committed, and an aborted walk leaves
// committed entries committed (registration is resumable, not atomic).
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	cerr "github.com/bluesky/tiled/internal/errors"
	"github.com/bluesky/tiled/internal/logging"
	"github.com/bluesky/tiled/internal/registry"
	"github.com/bluesky/tiled/internal/store"
)

// State is one registration pipeline state.
type State int

const (
	StateDiscovered State = iota
	StateFormatDetected
	StateStructureResolved
	StatePersisted
	StateSkipped
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateFormatDetected:
		return "format_detected"
	case StateStructureResolved:
		return "structure_resolved"
	case StatePersisted:
		return "persisted"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Outcome records the final state of one registered path.
type Outcome struct {
	Path         string
	State        State
	NodeID       string
	DataSourceID string
	Err          error
}

// Options controls a registration call.
type Options struct {
	// KeyFromName derives node keys from file names with the extension
	// stripped; otherwise the full base name is the key.
	KeyFromName bool

	// Overwrite reuses existing nodes instead of failing with Conflict.
	Overwrite bool

	// Parallelism bounds concurrent per-file workers; <= 0 means 1.
	Parallelism int

	// Parameter is the parameter slot data assets are attached under.
	// Empty uses the pipeline default.
	Parameter string
}

// Stats holds registration counters.
type Stats struct {
	Persisted atomic.Int64
	Skipped   atomic.Int64
	Failed    atomic.Int64
}

// Pipeline registers external paths into the catalog.
type Pipeline struct {
	store     *store.Store
	registry  *registry.Registry
	parameter string
	log       *slog.Logger

	stats Stats
}

// New creates a registration pipeline. defaultParameter is the parameter
// slot assets are attached under when Options does not choose one.
func New(st *store.Store, reg *registry.Registry, defaultParameter string) *Pipeline {
	if defaultParameter == "" {
		defaultParameter = "data_uris"
	}
	return &Pipeline{
		store:     st,
		registry:  reg,
		parameter: defaultParameter,
		log:       logging.Component("ingest"),
	}
}

// =============================================================================
// Registration Entry Points
// =============================================================================

// Register presents a path (file or directory) for registration under
// parentID and returns one outcome per entry. Per-entry failures are
// collected, not fatal; only a broken walk root returns an error.
func (p *Pipeline) Register(ctx context.Context, parentID, path string, opts Options) ([]Outcome, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	ctx = logging.ContextWithWalkRoot(ctx, path)

	collector := &outcomeCollector{}
	if stat.IsDir() {
		if err := p.walkDirectory(ctx, parentID, path, opts, collector); err != nil {
			return collector.outcomes, err
		}
	} else {
		collector.add(p.registerFile(ctx, parentID, path, opts))
	}
	return collector.outcomes, nil
}

// CreateWritableDataset creates a node with a writable data source and no
// assets: its rows arrive later through the partitioned tabular store.
func (p *Pipeline) CreateWritableDataset(ctx context.Context, parentID, key, family string, structureBody map[string]interface{}, mimetype string) (nodeID, dataSourceID string, err error) {
	node, ds, err := p.store.PersistEntry(ctx, store.PersistRequest{
		ParentID:      parentID,
		Key:           key,
		Family:        family,
		Metadata:      map[string]interface{}{},
		Mimetype:      mimetype,
		Management:    store.ManagementWritable,
		StructureBody: structureBody,
	})
	if err != nil {
		return "", "", err
	}
	return node.ID, ds.ID, nil
}

// Stats returns the pipeline's counters.
func (p *Pipeline) Stats() (persisted, skipped, failed int64) {
	return p.stats.Persisted.Load(), p.stats.Skipped.Load(), p.stats.Failed.Load()
}

// =============================================================================
// Directory Walk
// =============================================================================

// walkDirectory registers one directory level: subtree-owner directories
// and TIFF sequences collapse into single entries, other subdirectories
// become container nodes walked recursively, and remaining files register
// individually with bounded parallelism.
func (p *Pipeline) walkDirectory(ctx context.Context, parentID, dir string, opts Options, collector *outcomeCollector) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", dir, err)
	}

	var files []string
	var subdirs []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			subdirs = append(subdirs, full)
		} else {
			files = append(files, full)
		}
	}
	sort.Strings(files)
	sort.Strings(subdirs)

	sequences, loose := p.groupSequences(files)

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, seq := range sequences {
		seq := seq
		g.Go(func() error {
			collector.add(p.registerSequence(gctx, parentID, seq.key, seq.paths, opts))
			return nil
		})
	}
	for _, f := range loose {
		f := f
		g.Go(func() error {
			collector.add(p.registerFile(gctx, parentID, f, opts))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, sub := range subdirs {
		if err := ctx.Err(); err != nil {
			return err
		}

		// A marker file means a capability owns this whole subtree; it
		// registers as one directory asset and is not recursed into.
		if mimetype, ok := p.directoryMimetype(sub); ok {
			collector.add(p.registerSubtree(ctx, parentID, sub, mimetype, opts))
			continue
		}

		containerID, outcome := p.ensureContainer(ctx, parentID, sub, opts)
		if outcome != nil {
			collector.add(*outcome)
			continue
		}
		if err := p.walkDirectory(ctx, containerID, sub, opts, collector); err != nil {
			collector.add(Outcome{Path: sub, State: StateFailed, Err: err})
			p.stats.Failed.Add(1)
		}
	}
	return nil
}

// directoryMimetype checks a directory for registered marker files.
func (p *Pipeline) directoryMimetype(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if mt, ok := p.registry.DetectDirectoryMarker(e.Name()); ok {
			return mt, true
		}
	}
	return "", false
}

// ensureContainer creates (or reuses) a container node for a subdirectory.
func (p *Pipeline) ensureContainer(ctx context.Context, parentID, dir string, opts Options) (string, *Outcome) {
	key := filepath.Base(dir)

	node, err := p.store.CreateNode(ctx, parentID, key, store.FamilyContainer, map[string]interface{}{}, nil)
	if cerr.Is(err, cerr.ErrKeyExists) {
		existing, getErr := p.store.GetChild(ctx, parentID, key)
		if getErr == nil && existing.StructureFamily == store.FamilyContainer {
			return existing.ID, nil
		}
		p.stats.Failed.Add(1)
		return "", &Outcome{Path: dir, State: StateFailed, Err: err}
	}
	if err != nil {
		p.stats.Failed.Add(1)
		return "", &Outcome{Path: dir, State: StateFailed, Err: err}
	}
	return node.ID, nil
}

// =============================================================================
// Per-Entry Registration
// =============================================================================

// registerFile runs the state machine for a single file.
func (p *Pipeline) registerFile(ctx context.Context, parentID, path string, opts Options) Outcome {
	outcome := Outcome{Path: path, State: StateDiscovered}

	mimetype, err := p.registry.DetectMimetype(path)
	if err != nil {
		// Unknown format is never fatal for the walk.
		p.log.Warn("skipping path with undetected format", "path", path)
		p.stats.Skipped.Add(1)
		outcome.State = StateSkipped
		outcome.Err = err
		return outcome
	}
	outcome.State = StateFormatDetected

	capability, err := p.registry.CapabilityFor(mimetype)
	if err != nil {
		p.log.Warn("skipping path with no capability", "path", path, "mimetype", mimetype)
		p.stats.Skipped.Add(1)
		outcome.State = StateSkipped
		outcome.Err = err
		return outcome
	}

	body, err := capability.Structure(ctx, path)
	if err != nil {
		p.stats.Failed.Add(1)
		outcome.State = StateFailed
		outcome.Err = err
		return outcome
	}
	outcome.State = StateStructureResolved

	stat, err := os.Stat(path)
	if err != nil {
		p.stats.Failed.Add(1)
		outcome.State = StateFailed
		outcome.Err = err
		return outcome
	}

	node, ds, err := p.store.PersistEntry(ctx, store.PersistRequest{
		ParentID:      parentID,
		Key:           keyFor(path, opts),
		Family:        capability.Family(),
		Metadata:      map[string]interface{}{},
		Mimetype:      mimetype,
		Management:    store.ManagementExternal,
		StructureBody: body,
		Assets: []store.AssetRef{{
			Parameter: p.parameterFor(opts),
			Asset: store.Asset{
				DataURI:     fileURI(path),
				IsDirectory: false,
				Size:        stat.Size(),
			},
		}},
		Overwrite: opts.Overwrite,
	})
	if err != nil {
		p.stats.Failed.Add(1)
		outcome.State = StateFailed
		outcome.Err = err
		return outcome
	}

	p.stats.Persisted.Add(1)
	outcome.State = StatePersisted
	outcome.NodeID = node.ID
	outcome.DataSourceID = ds.ID
	return outcome
}

// registerSubtree registers a capability-owned directory as one node backed
// by a single is_directory asset.
func (p *Pipeline) registerSubtree(ctx context.Context, parentID, dir, mimetype string, opts Options) Outcome {
	outcome := Outcome{Path: dir, State: StateFormatDetected}

	capability, err := p.registry.CapabilityFor(mimetype)
	if err != nil {
		p.stats.Skipped.Add(1)
		outcome.State = StateSkipped
		outcome.Err = err
		return outcome
	}

	body, err := capability.Structure(ctx, dir)
	if err != nil {
		p.stats.Failed.Add(1)
		outcome.State = StateFailed
		outcome.Err = err
		return outcome
	}
	outcome.State = StateStructureResolved

	node, ds, err := p.store.PersistEntry(ctx, store.PersistRequest{
		ParentID:      parentID,
		Key:           filepath.Base(dir),
		Family:        capability.Family(),
		Metadata:      map[string]interface{}{},
		Mimetype:      mimetype,
		Management:    store.ManagementExternal,
		StructureBody: body,
		Assets: []store.AssetRef{{
			Parameter: p.parameterFor(opts),
			Asset: store.Asset{
				DataURI:     fileURI(dir),
				IsDirectory: true,
			},
		}},
		Overwrite: opts.Overwrite,
	})
	if err != nil {
		p.stats.Failed.Add(1)
		outcome.State = StateFailed
		outcome.Err = err
		return outcome
	}

	p.stats.Persisted.Add(1)
	outcome.State = StatePersisted
	outcome.NodeID = node.ID
	outcome.DataSourceID = ds.ID
	return outcome
}

// registerSequence registers an ordered run of same-format files as one
// array node with one asset per file, num assigned by position.
func (p *Pipeline) registerSequence(ctx context.Context, parentID, key string, paths []string, opts Options) Outcome {
	outcome := Outcome{Path: paths[0], State: StateFormatDetected}

	refs := make([]store.AssetRef, len(paths))
	param := p.parameterFor(opts)
	for i, path := range paths {
		stat, err := os.Stat(path)
		if err != nil {
			p.stats.Failed.Add(1)
			outcome.State = StateFailed
			outcome.Err = err
			return outcome
		}
		refs[i] = store.AssetRef{
			Parameter: param,
			Asset: store.Asset{
				DataURI: fileURI(path),
				Size:    stat.Size(),
			},
		}
	}

	body := registry.TIFFCapability{}.SequenceStructure(len(paths))
	outcome.State = StateStructureResolved

	node, ds, err := p.store.PersistEntry(ctx, store.PersistRequest{
		ParentID:      parentID,
		Key:           key,
		Family:        store.FamilyArray,
		Metadata:      map[string]interface{}{},
		Mimetype:      registry.MimetypeTIFFSequence,
		Management:    store.ManagementExternal,
		StructureBody: body,
		Assets:        refs,
		Overwrite:     opts.Overwrite,
	})
	if err != nil {
		p.stats.Failed.Add(1)
		outcome.State = StateFailed
		outcome.Err = err
		return outcome
	}

	p.stats.Persisted.Add(1)
	outcome.State = StatePersisted
	outcome.NodeID = node.ID
	outcome.DataSourceID = ds.ID
	return outcome
}

// =============================================================================
// Sequence Grouping
// =============================================================================

type sequence struct {
	key   string
	paths []string
}

// groupSequences splits a directory's files into TIFF sequences (two or
// more TIFFs sharing a stem once trailing digits are stripped) and loose
// files registered individually. Input is sorted, so sequence order is the
// filename order.
func (p *Pipeline) groupSequences(files []string) ([]sequence, []string) {
	stems := make(map[string][]string)
	var loose []string

	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		if ext != ".tif" && ext != ".tiff" {
			loose = append(loose, f)
			continue
		}
		stem := sequenceStem(f)
		if stem == "" {
			loose = append(loose, f)
			continue
		}
		stems[stem] = append(stems[stem], f)
	}

	var keys []string
	for stem, paths := range stems {
		if len(paths) < 2 {
			loose = append(loose, paths...)
			continue
		}
		keys = append(keys, stem)
	}
	sort.Strings(keys)

	sequences := make([]sequence, 0, len(keys))
	for _, stem := range keys {
		sequences = append(sequences, sequence{key: stem, paths: stems[stem]})
	}
	sort.Strings(loose)
	return sequences, loose
}

// sequenceStem strips the extension and any trailing frame counter
// ("img00003.tif" -> "img"). Empty if nothing remains.
func sequenceStem(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.TrimRight(name, "0123456789")
	name = strings.TrimRight(name, "_-")
	return name
}

// =============================================================================
// Helpers
// =============================================================================

func (p *Pipeline) parameterFor(opts Options) string {
	if opts.Parameter != "" {
		return opts.Parameter
	}
	return p.parameter
}

// keyFor derives a node key from a file path.
func keyFor(path string, opts Options) string {
	name := filepath.Base(path)
	if opts.KeyFromName {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

// fileURI converts a local path to a file:// URI. Registration accepts only
// local paths; remote stores arrive pre-resolved as URIs by the caller.
func fileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}

// outcomeCollector accumulates walk outcomes from concurrent workers.
type outcomeCollector struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (c *outcomeCollector) add(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}
