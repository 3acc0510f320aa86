package document

import (
	"log/slog"
	"sort"
	"sync"

	"docsync/cmd/internal/metrics"
)

// Registry owns the in-memory documents and hands out stable document handles.
// Documents are never evicted; they live as long as the Registry.
type Registry struct {
	log     *slog.Logger
	metrics metrics.Collector

	mu   sync.RWMutex
	docs map[string]*Document
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger, m metrics.Collector) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		metrics: metrics.OrNoop(m),
		docs:    make(map[string]*Document),
	}
}

// GetOrCreate returns the document for id, creating it on first reference.
// Concurrent callers with the same unseen id all receive the same instance.
func (r *Registry) GetOrCreate(id string) *Document {
	if d, ok := r.Lookup(id); ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.docs[id]; ok {
		return d
	}

	d := New(r.log, id, r.metrics)
	r.docs[id] = d
	r.metrics.DocumentCreated()
	r.log.Info("registry.document.create", "document_id", id)
	return d
}

// Lookup returns the document for id if it exists.
func (r *Registry) Lookup(id string) (*Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	return d, ok
}

// IDs returns the sorted ids of all documents.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.docs))
	for id := range r.docs {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of documents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}
