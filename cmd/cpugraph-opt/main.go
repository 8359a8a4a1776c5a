// cpugraph-opt compiles a graph described in HCL and prints the resulting execution plan: the
// surviving nodes, what was fused into each of them, the selected implementations and the inserted
// reorders.
//
// Usage:
//
//	cpugraph-opt [-isa=avx2] [-disable=FuseEltwiseAndSimple,...] [-v=2] graph.hcl
//
// Flags override the pipeline block of the description. Use -list_passes to see the pass names.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/cpugraph/graph"
	"github.com/gomlx/cpugraph/internal/hclgraph"
	"github.com/gomlx/cpugraph/optimizer"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagISA        = flag.String("isa", "", "Target instruction set: none, sse42, avx2 or avx512. Overrides the pipeline block.")
	flagDisable    = flag.String("disable", "", "Comma-separated pass names to disable, added to those of the pipeline block.")
	flagValidate   = flag.Bool("validate", false, "Validate the graph after every pass.")
	flagCommonOnly = flag.Bool("common_only", false, "Only run the fusion passes, skipping negotiation.")
	flagListPasses = flag.Bool("list_passes", false, "List the pass names in pipeline order and exit.")
	flagShowInput  = flag.Bool("show_input", false, "Also print the graph before compilation.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <graph.hcl>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	if *flagListPasses {
		for _, name := range optimizer.PassNames() {
			fmt.Println(name)
		}
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	model := must.M1(hclgraph.LoadFile(flag.Arg(0)))
	config := model.Config
	if *flagISA != "" {
		isa, ok := graph.ISAFromString(*flagISA)
		if !ok {
			klog.Exitf("unknown -isa=%q", *flagISA)
		}
		config.ISA = isa
	}
	if *flagValidate {
		config.ValidateEachPass = true
	}
	options := []optimizer.Option{optimizer.WithConfig(config)}
	if *flagDisable != "" {
		known := optimizer.PassNames()
		for _, name := range strings.Split(*flagDisable, ",") {
			name = strings.TrimSpace(name)
			if !slices.Contains(known, name) {
				klog.Exitf("unknown pass %q in -disable, see -list_passes", name)
			}
			options = append(options, optimizer.DisablePass(name))
		}
	}
	o := optimizer.New(options...)

	g := model.Graph
	if *flagShowInput {
		fmt.Printf("# input (%d nodes)\n%s\n", g.NumNodes(), g)
	}
	var err error
	if *flagCommonOnly {
		err = o.ApplyCommon(g)
	} else {
		err = o.Compile(g)
	}
	if err != nil {
		klog.Exitf("failed to compile %s: %+v", flag.Arg(0), err)
	}
	fmt.Printf("# compiled for %s (%d nodes)\n%s\n", o.Config().ISA, g.NumNodes(), g)
}
