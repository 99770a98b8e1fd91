// Package graph materializes the reactive dependency web: consumers
// (entities) point at the producers they read (variable names, ref
// targets), and invalidation walks the transitive consumer closure.
package graph

import "sort"

// MaxPasses caps the settle loop. Accidental cycles exhaust the cap
// and come back as cycle victims instead of hanging the tick.
const MaxPasses = 16

// Outcome is what resolving one node reports back: the producer keys it
// now depends on, and the producer keys whose value this resolve
// changed (a variable definition produces its variable name).
type Outcome struct {
	Deps     []string
	Produced []string
}

// Graph tracks consumer → producer edges keyed by opaque strings.
// Consumers are entity paths; producers are "var:NAME" keys or entity
// paths for references.
type Graph struct {
	consumers map[string]map[string]struct{} // producer -> consumers
	deps      map[string][]string            // consumer -> producers
	dirty     map[string]struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		consumers: map[string]map[string]struct{}{},
		deps:      map[string][]string{},
		dirty:     map[string]struct{}{},
	}
}

// SetDeps replaces a consumer's producer edges.
func (g *Graph) SetDeps(consumer string, producers []string) {
	for _, p := range g.deps[consumer] {
		if set, ok := g.consumers[p]; ok {
			delete(set, consumer)
			if len(set) == 0 {
				delete(g.consumers, p)
			}
		}
	}
	g.deps[consumer] = producers
	for _, p := range producers {
		set, ok := g.consumers[p]
		if !ok {
			set = map[string]struct{}{}
			g.consumers[p] = set
		}
		set[consumer] = struct{}{}
	}
}

// Drop removes a consumer entirely: its edges and any pending dirt.
func (g *Graph) Drop(consumer string) {
	g.SetDeps(consumer, nil)
	delete(g.deps, consumer)
	delete(g.dirty, consumer)
}

// MarkDirty schedules one node for the next settle.
func (g *Graph) MarkDirty(id string) {
	g.dirty[id] = struct{}{}
}

// MarkProducer schedules every consumer of a producer key.
func (g *Graph) MarkProducer(producer string) {
	for c := range g.consumers[producer] {
		g.dirty[c] = struct{}{}
	}
}

// Dirty reports whether anything is scheduled.
func (g *Graph) Dirty() bool { return len(g.dirty) > 0 }

// Result summarizes one settle.
type Result struct {
	Resolved []string // nodes resolved, in processing order
	Cycled   []string // nodes still dirty at the pass cap
}

// Settle drives dirty nodes to quiescence. Within each pass nodes are
// processed in lexicographic order so same-tick multi-producer changes
// land deterministically; consumers re-dirtied by produced keys run in
// a later pass. The pass cap bounds accidental cycles.
func (g *Graph) Settle(resolve func(id string) Outcome) Result {
	var res Result
	for pass := 0; pass < MaxPasses && len(g.dirty) > 0; pass++ {
		batch := make([]string, 0, len(g.dirty))
		for id := range g.dirty {
			batch = append(batch, id)
		}
		sort.Strings(batch)
		g.dirty = map[string]struct{}{}

		for _, id := range batch {
			out := resolve(id)
			g.SetDeps(id, out.Deps)
			res.Resolved = append(res.Resolved, id)
			for _, p := range out.Produced {
				for c := range g.consumers[p] {
					if c != id {
						g.dirty[c] = struct{}{}
					}
				}
			}
		}
	}

	if len(g.dirty) > 0 {
		for id := range g.dirty {
			res.Cycled = append(res.Cycled, id)
		}
		sort.Strings(res.Cycled)
		g.dirty = map[string]struct{}{}
	}
	return res
}

// Consumers lists the current consumers of a producer key, sorted.
func (g *Graph) Consumers(producer string) []string {
	out := make([]string, 0, len(g.consumers[producer]))
	for c := range g.consumers[producer] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
