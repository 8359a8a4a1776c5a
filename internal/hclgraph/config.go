package hclgraph

import (
	"slices"

	"github.com/gomlx/cpugraph/graph"
	"github.com/gomlx/cpugraph/optimizer"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// pipelineBlock is the optional `pipeline { ... }` block configuring the optimizer:
//
//	pipeline {
//	  isa                = "avx2"
//	  disable            = ["FuseConvolutionAndBias"]
//	  validate_each_pass = true
//	  dump_on_error      = true
//	}
type pipelineBlock struct {
	ISA              string   `hcl:"isa,optional"`
	Disable          []string `hcl:"disable,optional"`
	ValidateEachPass bool     `hcl:"validate_each_pass,optional"`
	DumpOnError      bool     `hcl:"dump_on_error,optional"`
}

// config converts the block into an optimizer.Config, starting from optimizer.DefaultConfig.
// Every unknown name is reported.
func (p *pipelineBlock) config() (optimizer.Config, error) {
	config := optimizer.DefaultConfig()
	if p == nil {
		return config, nil
	}
	var err error
	if p.ISA != "" {
		isa, ok := graph.ISAFromString(p.ISA)
		if !ok {
			err = multierr.Append(err, errors.Errorf("unknown isa %q", p.ISA))
		}
		config.ISA = isa
	}
	known := optimizer.PassNames()
	for _, name := range p.Disable {
		if !slices.Contains(known, name) {
			err = multierr.Append(err, errors.Errorf("unknown pass %q", name))
			continue
		}
		config.Disabled.Insert(name)
	}
	config.ValidateEachPass = p.ValidateEachPass
	config.DumpOnError = p.DumpOnError
	if err != nil {
		return optimizer.Config{}, errors.WithMessage(err, "invalid pipeline block")
	}
	return config, nil
}
