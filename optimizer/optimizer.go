// Package optimizer rewrites a graph.Graph into an execution plan: it folds operators into their
// producers, negotiates implementations and layouts, and cleans up the conversions negotiation
// leaves behind.
//
// Usage:
//
//	g := ... // build or load a *graph.Graph
//	o := optimizer.New(optimizer.WithConfig(optimizer.Config{ISA: graph.ISAAVX2}))
//	if err := o.Compile(g); err != nil { ... }
//	fmt.Println(g)
package optimizer

import (
	"github.com/go-logr/logr"
	"github.com/gomlx/cpugraph/graph"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config controls a compilation.
type Config struct {
	// ISA is the instruction set descriptors are negotiated for.
	ISA graph.ISA

	// Disabled holds the names of passes to skip, see PassNames.
	Disabled sets.Set[string]

	// ValidateEachPass runs graph.Validate after every pass. Slow, meant for debugging.
	ValidateEachPass bool

	// DumpOnError logs the graph dump when compilation fails.
	DumpOnError bool
}

// DefaultConfig targets AVX-512 with every pass enabled.
func DefaultConfig() Config {
	return Config{ISA: graph.ISAAVX512, Disabled: sets.Make[string]()}
}

// Optimizer compiles graphs. It holds no per-graph state and can be reused.
type Optimizer struct {
	config Config
	log    logr.Logger
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithConfig replaces the whole configuration.
func WithConfig(config Config) Option {
	return func(o *Optimizer) {
		if config.Disabled == nil {
			config.Disabled = sets.Make[string]()
		}
		o.config = config
	}
}

// WithLogger sets the logger. The default logs through klog.
func WithLogger(log logr.Logger) Option {
	return func(o *Optimizer) {
		o.log = log
	}
}

// DisablePass skips the named passes.
func DisablePass(names ...string) Option {
	return func(o *Optimizer) {
		for _, name := range names {
			o.config.Disabled.Insert(name)
		}
	}
}

// New creates an Optimizer.
func New(opts ...Option) *Optimizer {
	o := &Optimizer{
		config: DefaultConfig(),
		log:    klog.NewKlogr().WithName("optimizer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the configuration in use.
func (o *Optimizer) Config() Config { return o.config }

// Compile runs the whole pipeline on g: the common fusions, descriptor negotiation and the
// implementation-specific cleanups. On error g is left in an unspecified state and must be discarded.
func (o *Optimizer) Compile(g *graph.Graph) (err error) {
	defer func() {
		if err != nil && o.config.DumpOnError {
			o.log.Error(err, "compilation failed", "graph", g.String())
		}
	}()
	if err = o.ApplyCommon(g); err != nil {
		return err
	}
	if err = g.Negotiate(o.config.ISA); err != nil {
		return errors.WithMessage(err, "while negotiating descriptors")
	}
	if err = o.ApplyImplSpecific(g); err != nil {
		return err
	}
	if klog.V(3).Enabled() {
		klog.Infof("compiled %s", g)
	}
	return nil
}

// ApplyCommon runs the fusions that do not depend on the selected implementations.
func (o *Optimizer) ApplyCommon(g *graph.Graph) error {
	return o.runStages(g, commonStages)
}

// ApplyImplSpecific runs the cleanups that need negotiated descriptors.
func (o *Optimizer) ApplyImplSpecific(g *graph.Graph) error {
	return o.runStages(g, implSpecificStages)
}
