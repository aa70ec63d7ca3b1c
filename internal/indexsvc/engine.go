// Package indexsvc binds the document write operations to the replication
// core: index, delete, bulk and refresh, executed against the node-local
// per-shard engines.
package indexsvc

import (
	"sync"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
)

// Engine is the storage of one local shard copy: a committed segment view
// plus a write buffer that becomes visible on refresh.
type Engine struct {
	mu      sync.RWMutex
	visible map[string][]byte
	// buffered writes; a nil value is a buffered delete
	pending map[string][]byte
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		visible: map[string][]byte{},
		pending: map[string][]byte{},
	}
}

// Index buffers a document write. It reports whether the document is new,
// counting both the visible view and the buffer.
func (e *Engine) Index(docID string, doc []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	buffered, inBuffer := e.pending[docID]
	_, committed := e.visible[docID]
	created := !((inBuffer && buffered != nil) || (!inBuffer && committed))

	stored := make([]byte, len(doc))
	copy(stored, doc)
	e.pending[docID] = stored
	return created
}

// Delete buffers a document deletion. It reports whether the document
// existed.
func (e *Engine) Delete(docID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	buffered, inBuffer := e.pending[docID]
	_, committed := e.visible[docID]
	found := (inBuffer && buffered != nil) || (!inBuffer && committed)

	e.pending[docID] = nil
	return found
}

// Refresh applies the write buffer to the visible view.
func (e *Engine) Refresh() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for docID, doc := range e.pending {
		if doc == nil {
			delete(e.visible, docID)
			continue
		}
		e.visible[docID] = doc
	}
	e.pending = map[string][]byte{}
}

// Get returns a visible document.
func (e *Engine) Get(docID string) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.visible[docID]
	return doc, ok
}

// Count returns the number of visible documents.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.visible)
}

// PendingWrites returns the number of buffered operations.
func (e *Engine) PendingWrites() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pending)
}

// Engines holds the engines of every shard copy on this node.
type Engines struct {
	mu sync.Mutex
	m  map[cluster.ShardID]*Engine
}

// NewEngines creates an empty engine registry.
func NewEngines() *Engines {
	return &Engines{m: map[cluster.ShardID]*Engine{}}
}

// Get returns the engine of a shard copy, creating it on first use.
func (e *Engines) Get(id cluster.ShardID) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	engine, ok := e.m[id]
	if !ok {
		engine = NewEngine()
		e.m[id] = engine
	}
	return engine
}
