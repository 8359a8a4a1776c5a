package optimizer

import (
	"slices"

	"github.com/go-logr/logr"
	"github.com/gomlx/cpugraph/graph"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Pass is a rewrite applied to every (parent, child) pair it matches.
//
// Passes run in two phases. Match is called on a snapshot of the live nodes and records the
// candidates; before each Rewrite the candidate is matched again against the current graph, since an
// earlier rewrite of the same round may have changed it. Rounds repeat until nothing matches.
type Pass struct {
	Name string

	// Match inspects n and returns the pair to rewrite. n is usually one of the two.
	Match func(n *graph.Node) (parent, child *graph.Node, ok bool)

	// Rewrite folds child into parent. An error aborts the compilation.
	Rewrite func(g *graph.Graph, parent, child *graph.Node) error
}

type candidate struct {
	anchor, parent, child *graph.Node
}

// Run applies p until a round rewrites nothing, and returns the number of rewrites.
func (p *Pass) Run(g *graph.Graph, log logr.Logger) (int, error) {
	total := 0
	for {
		var candidates []candidate
		for _, n := range g.Nodes() {
			if n.IsDropped() {
				continue
			}
			if parent, child, ok := p.Match(n); ok {
				candidates = append(candidates, candidate{anchor: n, parent: parent, child: child})
			}
		}
		applied := 0
		for _, c := range candidates {
			if c.anchor.IsDropped() || c.parent.IsDropped() || c.child.IsDropped() {
				continue
			}
			parent, child, ok := p.Match(c.anchor)
			if !ok || parent != c.parent || child != c.child {
				continue
			}
			if err := p.Rewrite(g, parent, child); err != nil {
				return total + applied, errors.WithMessagef(err, "pass %s failed on %q -> %q", p.Name, parent.Name, child.Name)
			}
			applied++
			log.V(2).Info("rewrite", "pass", p.Name, "parent", parent.Name, "child", child.Name)
		}
		total += applied
		if applied == 0 {
			return total, nil
		}
	}
}

// stage is one step of the pipeline: either a pass or a housekeeping action.
type stage struct {
	pass *Pass
	name string
	run  func(g *graph.Graph) error
}

func passStage(p *Pass) stage { return stage{pass: p, name: p.Name} }

var (
	sortStage = stage{name: "SortTopologically", run: func(g *graph.Graph) error {
		return g.SortTopologically()
	}}
	collectEdgesStage = stage{name: "RemoveDroppedEdges", run: func(g *graph.Graph) error {
		g.RemoveDroppedEdges()
		return nil
	}}
)

var commonStages = []stage{
	passStage(FuseConvolutionAndBias),
	passStage(FuseMultiplyAndAdd),
	passStage(FuseDeconvolutionAndSimpleOperation),
	passStage(FuseBroadcastAndEltwise),
	passStage(FuseClampAndFakeQuantize),
	passStage(FuseMulAddAndFakeQuantize),
	passStage(FuseConvolutionAndSimpleOperation),
	sortStage,
	collectEdgesStage,
	passStage(FusePoolingAndFakeQuantize),
	sortStage,
	collectEdgesStage,
	passStage(FuseBinaryConvolutionAndFakeQuantize),
	passStage(FuseConvolutionSumAndConvolutionSumActivation),
	passStage(FuseConvolutionAndSimpleOperation),
	passStage(FuseFullyConnectedAndSimpleOperation),
	passStage(FuseMVNAndSimpleOperation),
	passStage(FuseInterpolateAndSimpleOperation),
	passStage(FuseNormalizeL2AndSimpleOperation),
	passStage(FuseEltwiseAndSimple),
	collectEdgesStage,
}

var implSpecificStages = []stage{
	passStage(DropDoubleReorders),
	passStage(MergeTransposeAndReorder),
	collectEdgesStage,
	sortStage,
}

// PassNames lists the names accepted by DisablePass, in pipeline order.
func PassNames() []string {
	var names []string
	for _, stages := range [][]stage{commonStages, implSpecificStages} {
		for _, s := range stages {
			if s.pass != nil && !slices.Contains(names, s.name) {
				names = append(names, s.name)
			}
		}
	}
	return names
}

// runStages runs each stage in order. Passes are followed by the collection of dropped nodes.
// Panics raised by the graph on corrupted indices are returned as errors.
func (o *Optimizer) runStages(g *graph.Graph, stages []stage) error {
	for _, s := range stages {
		if s.pass != nil && o.config.Disabled.Has(s.name) {
			o.log.V(1).Info("pass disabled", "pass", s.name)
			continue
		}
		var err error
		if panicErr := exceptions.TryCatch[error](func() { err = o.runStage(g, s) }); panicErr != nil {
			err = errors.WithMessagef(panicErr, "panic in %s", s.name)
		}
		if err != nil {
			return err
		}
		if o.config.ValidateEachPass {
			if err := g.Validate(); err != nil {
				return errors.WithMessagef(err, "after %s", s.name)
			}
		}
	}
	return nil
}

func (o *Optimizer) runStage(g *graph.Graph, s stage) error {
	if s.pass == nil {
		return s.run(g)
	}
	count, err := s.pass.Run(g, o.log)
	if err != nil {
		return err
	}
	g.RemoveDroppedNodes()
	o.log.V(1).Info("pass done", "pass", s.name, "rewrites", count)
	return nil
}
