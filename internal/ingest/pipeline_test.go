package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	cerr "github.com/bluesky/tiled/internal/errors"
	"github.com/bluesky/tiled/internal/registry"
	"github.com/bluesky/tiled/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.DSN = "" // in-memory
	st, err := store.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return New(st, registry.Default(), ""), st
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRegister_SingleCSV(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeFile(t, dir, "scan.csv", "x,y\n1,2\n")

	outcomes, err := p.Register(ctx, "", path, Options{KeyFromName: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outcomes))
	}
	o := outcomes[0]
	if o.State != StatePersisted {
		t.Fatalf("state %s, err %v", o.State, o.Err)
	}

	node, err := st.GetNode(ctx, o.NodeID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if node.Key != "scan" {
		t.Errorf("key: %s", node.Key)
	}
	if node.StructureFamily != store.FamilyTable {
		t.Errorf("family: %s", node.StructureFamily)
	}

	resolved, err := st.ResolveDataSource(ctx, o.DataSourceID)
	if err != nil {
		t.Fatalf("ResolveDataSource: %v", err)
	}
	if resolved.Mimetype != registry.MimetypeCSV {
		t.Errorf("mimetype: %s", resolved.Mimetype)
	}
	group := resolved.Assets["data_uris"]
	if !group.IsScalar() {
		t.Fatalf("expected scalar asset, got %v", group)
	}
	columns, _ := resolved.StructureBody["columns"].([]interface{})
	if len(columns) != 2 || columns[0] != "x" {
		t.Errorf("structure columns: %v", resolved.StructureBody["columns"])
	}
}

func TestRegister_DirectoryMixedFormats(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "good.csv", "a,b\n1,2\n")
	writeFile(t, dir, "notes.xyz", "free text")
	writeFile(t, dir, ".hidden.csv", "c,d\n")

	outcomes, err := p.Register(ctx, "", dir, Options{KeyFromName: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Dotfiles are ignored entirely; the unknown format is Skipped.
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d: %v", len(outcomes), outcomes)
	}

	byPath := make(map[string]Outcome)
	for _, o := range outcomes {
		byPath[filepath.Base(o.Path)] = o
	}
	if byPath["good.csv"].State != StatePersisted {
		t.Errorf("good.csv: %s (%v)", byPath["good.csv"].State, byPath["good.csv"].Err)
	}
	if byPath["notes.xyz"].State != StateSkipped {
		t.Errorf("notes.xyz: %s", byPath["notes.xyz"].State)
	}

	persisted, skipped, failed := p.Stats()
	if persisted != 1 || skipped != 1 || failed != 0 {
		t.Errorf("stats: persisted=%d skipped=%d failed=%d", persisted, skipped, failed)
	}
}

func TestRegister_DuplicateWithoutOverwrite(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeFile(t, dir, "scan.csv", "a,b\n1,2\n")

	first, err := p.Register(ctx, "", path, Options{KeyFromName: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first[0].State != StatePersisted {
		t.Fatalf("first registration: %s (%v)", first[0].State, first[0].Err)
	}

	second, err := p.Register(ctx, "", path, Options{KeyFromName: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if second[0].State != StateFailed {
		t.Fatalf("second registration: %s", second[0].State)
	}
	if !cerr.IsConflict(second[0].Err) {
		t.Errorf("expected conflict, got %v", second[0].Err)
	}

	// Exactly one node and one data source survive.
	node, err := st.GetChild(ctx, "", "scan")
	if err != nil {
		t.Fatalf("GetChild: %v", err)
	}
	sources, err := st.ListDataSources(ctx, node.ID)
	if err != nil {
		t.Fatalf("ListDataSources: %v", err)
	}
	if len(sources) != 1 {
		t.Errorf("expected one data source, got %d", len(sources))
	}
}

func TestRegister_OverwriteReusesNode(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeFile(t, dir, "scan.csv", "a,b\n1,2\n")

	first, err := p.Register(ctx, "", path, Options{KeyFromName: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	second, err := p.Register(ctx, "", path, Options{KeyFromName: true, Overwrite: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if second[0].State != StatePersisted {
		t.Fatalf("overwrite registration: %s (%v)", second[0].State, second[0].Err)
	}
	if second[0].NodeID != first[0].NodeID {
		t.Errorf("overwrite created a new node: %s vs %s", second[0].NodeID, first[0].NodeID)
	}

	// The old data source is replaced, and the takeover left a revision.
	sources, err := st.ListDataSources(ctx, first[0].NodeID)
	if err != nil {
		t.Fatalf("ListDataSources: %v", err)
	}
	if len(sources) != 1 || sources[0].ID == first[0].DataSourceID {
		t.Errorf("data sources after overwrite: %v", sources)
	}
	revisions, err := st.ListRevisions(ctx, first[0].NodeID, 0, 0)
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	if len(revisions) != 1 {
		t.Errorf("expected one revision, got %d", len(revisions))
	}
}

func TestRegister_TIFFSequence(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "img00001.tif", "II*\x00")
	writeFile(t, dir, "img00002.tif", "II*\x00")
	writeFile(t, dir, "img00003.tif", "II*\x00")

	outcomes, err := p.Register(ctx, "", dir, Options{KeyFromName: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected one sequence outcome, got %d: %v", len(outcomes), outcomes)
	}
	o := outcomes[0]
	if o.State != StatePersisted {
		t.Fatalf("state %s, err %v", o.State, o.Err)
	}

	node, err := st.GetNode(ctx, o.NodeID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if node.Key != "img" {
		t.Errorf("sequence key: %s", node.Key)
	}
	if node.StructureFamily != store.FamilyArray {
		t.Errorf("family: %s", node.StructureFamily)
	}

	resolved, err := st.ResolveDataSource(ctx, o.DataSourceID)
	if err != nil {
		t.Fatalf("ResolveDataSource: %v", err)
	}
	if resolved.Mimetype != registry.MimetypeTIFFSequence {
		t.Errorf("mimetype: %s", resolved.Mimetype)
	}
	group := resolved.Assets["data_uris"]
	if group.IsScalar() || len(group.List) != 3 {
		t.Fatalf("expected 3-entry list, got %v", group)
	}
	for i, suffix := range []string{"img00001.tif", "img00002.tif", "img00003.tif"} {
		if filepath.Base(group.List[i].DataURI) != suffix {
			t.Errorf("position %d: %s", i, group.List[i].DataURI)
		}
	}
	if count, ok := resolved.StructureBody["image_count"].(float64); !ok || count != 3 {
		t.Errorf("image_count: %v", resolved.StructureBody["image_count"])
	}
}

func TestRegister_LoneTIFFIsNotASequence(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "frame0001.tif", "II*\x00")

	outcomes, err := p.Register(ctx, "", dir, Options{KeyFromName: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].State != StatePersisted {
		t.Fatalf("outcomes: %v", outcomes)
	}

	node, err := st.GetNode(ctx, outcomes[0].NodeID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	// A single file keeps its own key rather than the stripped stem.
	if node.Key != "frame0001" {
		t.Errorf("key: %s", node.Key)
	}
}

func TestRegister_NestedDirectoriesBecomeContainers(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	root := t.TempDir()
	sub := filepath.Join(root, "run1")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, sub, "scan.csv", "a,b\n1,2\n")

	if _, err := p.Register(ctx, "", root, Options{KeyFromName: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	container, err := st.GetChild(ctx, "", "run1")
	if err != nil {
		t.Fatalf("GetChild: %v", err)
	}
	if container.StructureFamily != store.FamilyContainer {
		t.Errorf("family: %s", container.StructureFamily)
	}

	node, err := st.GetNodeByPath(ctx, "run1", "scan")
	if err != nil {
		t.Fatalf("GetNodeByPath: %v", err)
	}
	if node.StructureFamily != store.FamilyTable {
		t.Errorf("nested node family: %s", node.StructureFamily)
	}
}

func TestRegister_ZarrSubtree(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	root := t.TempDir()
	zdir := filepath.Join(root, "detector.zarr")
	if err := os.Mkdir(zdir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, zdir, ".zattrs", "{}")
	writeFile(t, zdir, "0.0", "chunkdata")

	outcomes, err := p.Register(ctx, "", root, Options{KeyFromName: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d: %v", len(outcomes), outcomes)
	}
	o := outcomes[0]
	if o.State != StatePersisted {
		t.Fatalf("state %s, err %v", o.State, o.Err)
	}

	// The claimed directory registers as one is_directory asset; its chunk
	// files are never walked.
	resolved, err := st.ResolveDataSource(ctx, o.DataSourceID)
	if err != nil {
		t.Fatalf("ResolveDataSource: %v", err)
	}
	group := resolved.Assets["data_uris"]
	if !group.IsScalar() {
		t.Fatalf("expected scalar directory asset, got %v", group)
	}
	if !group.Scalar.IsDirectory {
		t.Error("asset not marked is_directory")
	}

	node, err := st.GetNode(ctx, o.NodeID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if children, _ := st.CountChildren(ctx, node.ID); children != 0 {
		t.Errorf("claimed subtree has %d children", children)
	}
}

func TestCreateWritableDataset(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	nodeID, dsID, err := p.CreateWritableDataset(ctx, "", "live", store.FamilyTable,
		map[string]interface{}{"columns": []interface{}{"x", "y"}}, "text/csv")
	if err != nil {
		t.Fatalf("CreateWritableDataset: %v", err)
	}

	ds, err := st.GetDataSource(ctx, dsID)
	if err != nil {
		t.Fatalf("GetDataSource: %v", err)
	}
	if ds.NodeID != nodeID {
		t.Errorf("data source node: %s", ds.NodeID)
	}
	if ds.Management != store.ManagementWritable {
		t.Errorf("management: %s", ds.Management)
	}

	resolved, err := st.ResolveDataSource(ctx, dsID)
	if err != nil {
		t.Fatalf("ResolveDataSource: %v", err)
	}
	if len(resolved.Assets) != 0 || len(resolved.Supporting) != 0 {
		t.Errorf("writable dataset has assets: %v", resolved)
	}
}

func TestSequenceStem(t *testing.T) {
	cases := map[string]string{
		"img00003.tif":   "img",
		"frame_0001.tif": "frame",
		"scan-12.tiff":   "scan",
		"12345.tif":      "",
	}
	for path, want := range cases {
		if got := sequenceStem(path); got != want {
			t.Errorf("sequenceStem(%s) = %q, want %q", path, got, want)
		}
	}
}
