// Package graph expands a trigger into a DAG of build nodes bound to
// concrete revisions.
package graph

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// RevisionSource is the read side of the revision store.
type RevisionSource interface {
	LatestRevision(ctx context.Context, configurationID int) (int, error)
	GetRevision(ctx context.Context, configurationID, revision int) (model.Revision, error)
	GetGroup(ctx context.Context, groupConfigurationID int) (model.GroupConfiguration, error)
}

// Request selects what to expand. A positive GroupConfigurationID selects
// group mode; otherwise ConfigurationID (and optionally Revision) is used.
type Request struct {
	ConfigurationID      int
	Revision             int
	GroupConfigurationID int
	RevisionOverrides    map[int]int
	Class                model.BuildClass

	// SkipDependencies keeps only the requested configurations as nodes.
	// Dependencies are still resolved for cycle checks and revision
	// bookkeeping.
	SkipDependencies bool
}

// Node is one configuration at one revision within a trigger.
type Node struct {
	Revision  model.Revision
	Class     model.BuildClass
	Requested bool

	// Dependencies are the in-graph nodes this node waits for.
	Dependencies []*Node
	// Dependents are the in-graph nodes waiting for this one.
	Dependents []*Node
	// DependencyRevisions covers every declared dependency, including
	// ones pruned by SkipDependencies.
	DependencyRevisions map[int]int
}

// ConfigurationID returns the node's configuration id.
func (n *Node) ConfigurationID() int { return n.Revision.ConfigurationID }

// Key returns the mutual-exclusion key of the node.
func (n *Node) Key() model.Key {
	return model.Key{ConfigurationID: n.Revision.ConfigurationID, Revision: n.Revision.Revision, Class: n.Class}
}

// Graph is an immutable, topologically ordered node set.
type Graph struct {
	Class model.BuildClass
	Roots []int
	nodes []*Node
	byID  map[int]*Node
}

// Nodes returns nodes with every dependency before its dependents.
func (g *Graph) Nodes() []*Node { return slices.Clone(g.nodes) }

// Node looks up a node by configuration id.
func (g *Graph) Node(configurationID int) (*Node, bool) {
	n, ok := g.byID[configurationID]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// TransitiveDependents returns every node reachable through Dependents from n.
func (g *Graph) TransitiveDependents(n *Node) []*Node {
	seen := map[int]bool{}
	var out []*Node
	var walk func(*Node)
	walk = func(cur *Node) {
		for _, d := range cur.Dependents {
			if seen[d.ConfigurationID()] {
				continue
			}
			seen[d.ConfigurationID()] = true
			out = append(out, d)
			walk(d)
		}
	}
	walk(n)
	return out
}

// Builder resolves requests against a RevisionSource.
type Builder struct {
	source RevisionSource
	logger *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(source RevisionSource, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{source: source, logger: logger}
}

type buildState struct {
	req       Request
	overrides map[int]int
	done      map[int]*Node
	deps      map[int][]int
	onStack   map[int]int
	order     []*Node
}

// Build expands req into a Graph. It fails as a whole on cycles or missing
// configurations; no partial graph is returned.
func (b *Builder) Build(ctx context.Context, req Request) (*Graph, error) {
	if !req.Class.Valid() {
		return nil, errors.ValidationError("invalid build class").
			WithContext("build_class", string(req.Class)).
			Build()
	}

	roots, err := b.roots(ctx, req)
	if err != nil {
		return nil, err
	}

	st := &buildState{
		req:       req,
		overrides: maps.Clone(req.RevisionOverrides),
		done:      make(map[int]*Node),
		deps:      make(map[int][]int),
		onStack:   make(map[int]int),
	}
	if st.overrides == nil {
		st.overrides = make(map[int]int)
	}
	if req.GroupConfigurationID <= 0 && req.Revision > 0 {
		st.overrides[req.ConfigurationID] = req.Revision
	}

	for _, id := range roots {
		if _, err := b.visit(ctx, st, id, nil); err != nil {
			return nil, err
		}
	}

	requested := make(map[int]bool, len(roots))
	for _, id := range roots {
		requested[id] = true
	}

	g := &Graph{Class: req.Class, Roots: roots, byID: make(map[int]*Node)}
	for _, n := range st.order {
		if req.SkipDependencies && !requested[n.ConfigurationID()] {
			continue
		}
		n.Requested = requested[n.ConfigurationID()]
		g.nodes = append(g.nodes, n)
		g.byID[n.ConfigurationID()] = n
	}
	for _, n := range g.nodes {
		for _, depID := range st.deps[n.ConfigurationID()] {
			dep, ok := g.byID[depID]
			if !ok {
				continue
			}
			n.Dependencies = append(n.Dependencies, dep)
			dep.Dependents = append(dep.Dependents, n)
		}
	}

	b.logger.Debug("Dependency graph built",
		slog.Int("nodes", len(g.nodes)),
		slog.Any("roots", roots),
		logfields.BuildClass(string(req.Class)))
	return g, nil
}

func (b *Builder) roots(ctx context.Context, req Request) ([]int, error) {
	if req.GroupConfigurationID <= 0 {
		return []int{req.ConfigurationID}, nil
	}
	group, err := b.source.GetGroup(ctx, req.GroupConfigurationID)
	if err != nil {
		return nil, unresolvable(&UnresolvableRevisionError{GroupConfigurationID: req.GroupConfigurationID, Cause: err}, err)
	}
	if len(group.ConfigurationIDs) == 0 {
		return nil, errors.ValidationError("group configuration has no members").
			WithContext("group_configuration_id", req.GroupConfigurationID).
			Build()
	}
	ids := slices.Clone(group.ConfigurationIDs)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// visit resolves id and its dependencies depth-first. Nodes are appended to
// st.order after their dependencies, which yields a topological order.
func (b *Builder) visit(ctx context.Context, st *buildState, id int, path []int) (*Node, error) {
	if n, ok := st.done[id]; ok {
		return n, nil
	}
	if idx, ok := st.onStack[id]; ok {
		cycle := append(slices.Clone(path[idx:]), id)
		return nil, errors.DependencyError("cyclic dependency").
			WithCause(&CyclicDependencyError{Cycle: cycle}).
			WithContext("cycle", cycle).
			Build()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st.onStack[id] = len(path)
	path = append(path, id)
	defer delete(st.onStack, id)

	rev, err := b.resolve(ctx, st, id)
	if err != nil {
		return nil, err
	}

	deps := slices.Clone(rev.Dependencies)
	slices.Sort(deps)
	deps = slices.Compact(deps)

	depRevs := make(map[int]int, len(deps))
	for _, depID := range deps {
		child, err := b.visit(ctx, st, depID, path)
		if err != nil {
			return nil, err
		}
		depRevs[depID] = child.Revision.Revision
	}

	n := &Node{Revision: rev, Class: st.req.Class, DependencyRevisions: depRevs}
	st.done[id] = n
	st.deps[id] = deps
	st.order = append(st.order, n)
	return n, nil
}

func (b *Builder) resolve(ctx context.Context, st *buildState, id int) (model.Revision, error) {
	revNum, pinned := st.overrides[id]
	if !pinned {
		latest, err := b.source.LatestRevision(ctx, id)
		if err != nil {
			return model.Revision{}, unresolvable(&UnresolvableRevisionError{ConfigurationID: id, Cause: err}, err)
		}
		revNum = latest
	}
	rev, err := b.source.GetRevision(ctx, id, revNum)
	if err != nil {
		return model.Revision{}, unresolvable(&UnresolvableRevisionError{ConfigurationID: id, Revision: revNum, Cause: err}, err)
	}
	return rev, nil
}

// unresolvable classifies a lookup failure. Not-found becomes a dependency
// error; anything else is passed through as a store failure.
func unresolvable(typed *UnresolvableRevisionError, cause error) error {
	if errors.HasCategory(cause, errors.CategoryNotFound) {
		b := errors.DependencyError("unresolvable revision").WithCause(typed)
		if typed.GroupConfigurationID != 0 {
			return b.WithContext("group_configuration_id", typed.GroupConfigurationID).Build()
		}
		return b.WithContext("configuration_id", typed.ConfigurationID).Build()
	}
	return errors.WrapError(cause, errors.CategoryStore, "resolve revision").
		WithContext("configuration_id", typed.ConfigurationID).
		Retryable().
		Build()
}
