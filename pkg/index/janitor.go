package index

import "github.com/imgix/eddy/pkg/janitor"

// Janitor builds a background maintenance scheduler wired against this
// index's GC chain, connection table, and allocator. The caller owns
// its lifecycle (Start/Stop).
func (idx *Index) Janitor(cfg janitor.Config) *janitor.Janitor {
	return janitor.New(idx.gc, idx.connTable, idx, idx.alloc, idx.log, cfg)
}
