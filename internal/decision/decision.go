// Package decision decides, per node, whether a build must run or can be
// satisfied by an earlier result of the same build class.
package decision

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/graph"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/metrics"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// Verdict is the outcome of a rebuild decision.
type Verdict string

const (
	Run  Verdict = "RUN"
	Skip Verdict = "SKIP"
)

// Reasons attached to decisions.
const (
	ReasonForced             = "forced"
	ReasonNoPriorBuild       = "no prior build"
	ReasonDependencyRebuilt  = "dependency rebuilt"
	ReasonDependencyRevision = "dependency revision changed"
	ReasonDependencyNewer    = "dependency newer than last build"
	ReasonUpToDate           = "up to date"
)

// Decision is the verdict for one node.
type Decision struct {
	ConfigurationID int
	Verdict         Verdict
	Reason          string

	// Reference is the record a SKIP was judged against.
	Reference *model.BuildRecord
	// EffectiveTime is when a skipped node's result, including its
	// dependencies, became valid. Zero for RUN.
	EffectiveTime time.Time
}

// History is the lookup the engine needs from the record store. Lookups are
// always per build class, which is what keeps temporary and persistent
// histories isolated.
type History interface {
	LatestSuccessful(ctx context.Context, key model.Key) (*model.BuildRecord, error)
}

// Options tune a decision run.
type Options struct {
	Force bool
}

// Result holds every node's decision.
type Result struct {
	Decisions map[int]Decision
	Passes    int
}

// Get returns the decision for a configuration.
func (r *Result) Get(configurationID int) Decision {
	return r.Decisions[configurationID]
}

// Engine evaluates graphs.
type Engine struct {
	history  History
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewEngine creates an Engine. recorder and logger may be nil.
func NewEngine(history History, recorder metrics.Recorder, logger *slog.Logger) *Engine {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{history: history, recorder: recorder, logger: logger}
}

// Decide evaluates every node of g. Passes over the topological order are
// repeated until no decision changes, bounded by the node count.
func (e *Engine) Decide(ctx context.Context, g *graph.Graph, opts Options) (*Result, error) {
	nodes := g.Nodes()

	// Candidates and external dependency records do not change between
	// passes, so they are fetched once.
	candidates := make(map[int]*model.BuildRecord, len(nodes))
	external := make(map[model.Key]*model.BuildRecord)
	if !opts.Force {
		for _, n := range nodes {
			cand, err := e.history.LatestSuccessful(ctx, n.Key())
			if err != nil {
				return nil, err
			}
			candidates[n.ConfigurationID()] = cand
			for depID, depRev := range n.DependencyRevisions {
				if _, inGraph := g.Node(depID); inGraph {
					continue
				}
				key := model.Key{ConfigurationID: depID, Revision: depRev, Class: n.Class}
				if _, seen := external[key]; seen {
					continue
				}
				rec, err := e.history.LatestSuccessful(ctx, key)
				if err != nil {
					return nil, err
				}
				external[key] = rec
			}
		}
	}

	decisions := make(map[int]Decision, len(nodes))
	passes := 0
	for passes < len(nodes)+1 {
		passes++
		changed := false
		for _, n := range nodes {
			d := e.decideNode(n, opts, candidates[n.ConfigurationID()], decisions, external)
			if prev, ok := decisions[n.ConfigurationID()]; !ok || prev.Verdict != d.Verdict || prev.Reason != d.Reason {
				changed = true
			}
			decisions[n.ConfigurationID()] = d
		}
		if !changed {
			break
		}
	}

	for _, n := range nodes {
		d := decisions[n.ConfigurationID()]
		e.recorder.IncDecision(string(d.Verdict), d.Reason)
		e.logger.Debug("Rebuild decision",
			logfields.ConfigurationID(n.ConfigurationID()),
			logfields.Revision(n.Revision.Revision),
			logfields.BuildClass(string(n.Class)),
			logfields.Verdict(string(d.Verdict)),
			logfields.Reason(d.Reason))
	}
	return &Result{Decisions: decisions, Passes: passes}, nil
}

func (e *Engine) decideNode(n *graph.Node, opts Options, cand *model.BuildRecord, decided map[int]Decision, external map[model.Key]*model.BuildRecord) Decision {
	run := func(reason string) Decision {
		return Decision{ConfigurationID: n.ConfigurationID(), Verdict: Run, Reason: reason}
	}
	if opts.Force {
		return run(ReasonForced)
	}
	if cand == nil {
		return run(ReasonNoPriorBuild)
	}
	for _, dep := range n.Dependencies {
		if d, ok := decided[dep.ConfigurationID()]; !ok || d.Verdict == Run {
			return run(ReasonDependencyRebuilt)
		}
	}
	if !maps.Equal(cand.DependencyRevisions, n.DependencyRevisions) {
		return run(ReasonDependencyRevision)
	}

	closure := cand.SubmitTime
	if cand.DependencyClosure != nil {
		closure = *cand.DependencyClosure
	}
	effective := cand.EffectiveTime()
	for _, dep := range n.Dependencies {
		depTime := decided[dep.ConfigurationID()].EffectiveTime
		if depTime.After(closure) {
			return run(ReasonDependencyNewer)
		}
		if depTime.After(effective) {
			effective = depTime
		}
	}
	for depID, depRev := range n.DependencyRevisions {
		rec := external[model.Key{ConfigurationID: depID, Revision: depRev, Class: n.Class}]
		if rec != nil && rec.EffectiveTime().After(closure) {
			return run(ReasonDependencyNewer)
		}
	}

	return Decision{
		ConfigurationID: n.ConfigurationID(),
		Verdict:         Skip,
		Reason:          ReasonUpToDate,
		Reference:       cand,
		EffectiveTime:   effective,
	}
}
