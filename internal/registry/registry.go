// Package registry enumerates the scanners available to an engine
// instance. Scanners register themselves by name at init time; the
// Orchestrator resolves names to factories at scan start. No reflection
// or plugin loading is involved — an explicit map, same as the teacher's
// host-limit table.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tachyon-scan-engine/internal/model"
)

// Scanner is the external scanner contract. Run MUST honor ctx
// cancellation at every suspension point and MUST NOT panic across the
// call boundary — the engine converts panics into a failed SubScan, but
// a well-behaved scanner returns an error instead.
type Scanner interface {
	Name() string
	Metadata() model.ScannerMetadata
	Run(ctx context.Context, target model.Target, options model.ScanOptions) ([]model.Finding, error)
}

// Factory builds a fresh Scanner instance. Scanners are stateless between
// runs, so most factories just return a singleton value.
type Factory func() Scanner

type entry struct {
	factory  Factory
	metadata model.ScannerMetadata
}

// Registry is a concurrency-safe scanner catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a scanner factory under name. Registering the same name
// twice replaces the prior entry — useful for tests that stub a scanner.
func (r *Registry) Register(name string, metadata model.ScannerMetadata, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	metadata.Name = name
	r.entries[name] = entry{factory: factory, metadata: metadata}
}

// Get resolves a scanner by name, building a fresh instance.
func (r *Registry) Get(name string) (Scanner, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: scanner %q not registered", model.ErrNotFound, name)
	}
	return e.factory(), nil
}

// Metadata returns the static metadata for name without building an instance.
func (r *Registry) Metadata(name string) (model.ScannerMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.metadata, ok
}

// List returns the metadata of every registered scanner, sorted by name.
func (r *Registry) List() []model.ScannerMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ScannerMetadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NamesForStage returns scanners whose metadata.Stage matches stage, sorted by name.
func (r *Registry) NamesForStage(stage model.Stage) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, e := range r.entries {
		if e.metadata.Stage == stage {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ResolveScanType expands a ScanRequest's scan_type/scanners selection into
// a concrete, validated list of scanner names.
func (r *Registry) ResolveScanType(scanType model.ScanType, custom []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch scanType {
	case model.ScanTypeCustom:
		if len(custom) == 0 {
			return nil, fmt.Errorf("%w: custom scan requires at least one scanner name", model.ErrInvalidArgument)
		}
		for _, name := range custom {
			if _, ok := r.entries[name]; !ok {
				return nil, fmt.Errorf("%w: unknown scanner %q", model.ErrInvalidArgument, name)
			}
		}
		out := append([]string(nil), custom...)
		sort.Strings(out)
		return out, nil
	case model.ScanTypeQuick:
		var out []string
		for name, e := range r.entries {
			if e.metadata.Stage == model.StageA {
				out = append(out, name)
			}
		}
		sort.Strings(out)
		return out, nil
	case model.ScanTypeFull, "":
		var out []string
		for name := range r.entries {
			out = append(out, name)
		}
		sort.Strings(out)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown scan_type %q", model.ErrInvalidArgument, scanType)
	}
}
