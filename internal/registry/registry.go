// Package registry maps mimetypes to format capabilities.
//
// Format detection is a static lookup: extension table first, then an
// optional override hook, never runtime reflection. Capabilities implement
// a small closed interface that extracts a structure body from a path; a
// capability may additionally declare subtree-owner semantics, claiming a
// whole directory as one opaque asset.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// Capability turns a path of a known mimetype into a structure description.
// The catalog invokes it only far enough to extract the structure; it never
// reads the data payload itself.
type Capability interface {
	// Family is the structure family this capability produces.
	Family() string

	// Structure extracts a structure body from the path. For subtree
	// owners the path is the claimed directory.
	Structure(ctx context.Context, path string) (map[string]interface{}, error)
}

// SubtreeOwner is implemented by capabilities for directory formats (e.g.
// chunked-array layouts). The registration walk does not recurse into a
// claimed directory; it becomes a single is_directory asset.
type SubtreeOwner interface {
	OwnsSubtree() bool
}

// OwnsSubtree reports whether the capability claims whole directories.
func OwnsSubtree(c Capability) bool {
	o, ok := c.(SubtreeOwner)
	return ok && o.OwnsSubtree()
}

// OverrideFunc lets the embedding service classify paths the extension
// table cannot. It runs after extension lookup fails.
type OverrideFunc func(path string) (mimetype string, ok bool)

// Registry resolves paths to mimetypes and mimetypes to capabilities.
// Safe for concurrent use; registration typically happens once at startup.
type Registry struct {
	mu           sync.RWMutex
	extensions   map[string]string     // ".csv" -> "text/csv"
	capabilities map[string]Capability // mimetype -> capability
	dirMarkers   map[string]string     // marker filename -> mimetype
	override     OverrideFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		extensions:   make(map[string]string),
		capabilities: make(map[string]Capability),
		dirMarkers:   make(map[string]string),
	}
}

// RegisterExtension maps a file extension (with leading dot) to a mimetype.
func (r *Registry) RegisterExtension(ext, mimetype string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[strings.ToLower(ext)] = mimetype
}

// RegisterCapability maps a mimetype to its capability.
func (r *Registry) RegisterCapability(mimetype string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[mimetype] = c
}

// RegisterDirectoryMarker maps a marker filename (found directly inside a
// directory) to the mimetype of the directory format.
func (r *Registry) RegisterDirectoryMarker(filename, mimetype string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirMarkers[filename] = mimetype
}

// SetOverride installs the detection override hook.
func (r *Registry) SetOverride(fn OverrideFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = fn
}

// DetectMimetype classifies a file path: extension lookup, then the
// override hook, then ErrFormatUndetected.
func (r *Registry) DetectMimetype(path string) (string, error) {
	r.mu.RLock()
	ext := strings.ToLower(filepath.Ext(path))
	mimetype, found := r.extensions[ext]
	override := r.override
	r.mu.RUnlock()

	if found {
		return mimetype, nil
	}
	if override != nil {
		if mt, ok := override(path); ok {
			return mt, nil
		}
	}
	return "", fmt.Errorf("path %s: %w", path, cerr.ErrFormatUndetected)
}

// DetectDirectoryMarker reports the mimetype claimed by a marker file name,
// if any.
func (r *Registry) DetectDirectoryMarker(filename string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mt, ok := r.dirMarkers[filename]
	return mt, ok
}

// CapabilityFor returns the capability registered for a mimetype.
func (r *Registry) CapabilityFor(mimetype string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[mimetype]
	if !ok {
		return nil, fmt.Errorf("mimetype %s: %w", mimetype, cerr.ErrNoCapability)
	}
	return c, nil
}

// Mimetypes returns all registered mimetypes, for diagnostics.
func (r *Registry) Mimetypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.capabilities))
	for mt := range r.capabilities {
		out = append(out, mt)
	}
	return out
}
