package replication

import (
	lru "github.com/hashicorp/golang-lru"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
)

// resolveCacheSize bounds the per-action resolution cache. Alias scans are
// linear in the number of indices; the routing hot path hits the cache
// instead.
const resolveCacheSize = 512

type resolveKey struct {
	name    string
	version int64
}

// indexResolver memoizes single-index resolution per cluster state. The
// same (name, state version) pair always resolves to the same concrete
// index, so cached entries never go stale; superseded state versions simply
// age out of the LRU.
type indexResolver struct {
	cache *lru.Cache
}

func newIndexResolver() *indexResolver {
	cache, _ := lru.New(resolveCacheSize)
	return &indexResolver{cache: cache}
}

// concreteIndex resolves a request's index name or alias against the given
// state.
func (r *indexResolver) concreteIndex(state cluster.State, name string) (cluster.IndexMetadata, bool) {
	key := resolveKey{name: name, version: state.Version}
	if cached, ok := r.cache.Get(key); ok {
		return state.Metadata.Index(cached.(string))
	}

	meta, ok := state.Metadata.ResolveIndex(name)
	if !ok {
		return cluster.IndexMetadata{}, false
	}
	r.cache.Add(key, meta.Name)
	return meta, true
}
