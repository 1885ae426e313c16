package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/edp1096/power-spice/pkg/analysis"
	"github.com/edp1096/power-spice/pkg/integrator"
	"github.com/edp1096/power-spice/pkg/netlist"
	"github.com/edp1096/power-spice/pkg/util"
)

const (
	exitOK = iota
	exitSimulationFailure
	exitParseFailure
)

func main() {
	methodName := flag.String("method", "trap", "integration method: trap, be, bdf2, gen-alpha")
	tstop := flag.Float64("tstop", 0, "override transient stop time (s)")
	tstep := flag.Float64("tstep", 0, "override transient initial step (s)")
	output := flag.String("output", "", "write results as CSV to FILE")
	plotFile := flag.String("plot", "", "render node voltages to a PNG file")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: simulate <netlist-file> [--method trap|be|bdf2|gen-alpha] [--tstop T] [--tstep H] [--output FILE]")
		os.Exit(exitParseFailure)
	}

	content, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Printf("reading netlist: %v", err)
		os.Exit(exitParseFailure)
	}

	deck, err := netlist.Parse(string(content))
	if err != nil {
		log.Printf("parsing netlist: %v", err)
		os.Exit(exitParseFailure)
	}

	ckt, err := netlist.BuildCircuit(deck)
	if err != nil {
		log.Printf("building circuit: %v", err)
		os.Exit(exitParseFailure)
	}

	cfg := analysis.DefaultConfig()
	method, err := integrator.ParseMethod(*methodName)
	if err != nil {
		log.Print(err)
		os.Exit(exitParseFailure)
	}
	cfg.Method = method

	switch deck.Analysis {
	case netlist.AnalysisOP:
		op := analysis.NewOP(ckt, cfg)
		if err := op.Execute(); err != nil {
			log.Printf("operating point: %v", err)
			os.Exit(exitSimulationFailure)
		}
		printOP(op.Results())

	case netlist.AnalysisDC:
		p := deck.DCParam
		sweep, err := analysis.NewDCSweep(ckt, cfg, p.Source, p.Start, p.Stop, p.Increment)
		if err != nil {
			log.Printf("dc sweep: %v", err)
			os.Exit(exitParseFailure)
		}
		if err := sweep.Execute(); err != nil {
			log.Printf("dc sweep: %v", err)
			os.Exit(exitSimulationFailure)
		}
		printSweep(sweep.Results())

	case netlist.AnalysisTRAN:
		p := deck.TranParam
		if *tstop > 0 {
			p.TStop = *tstop
		}
		if *tstep > 0 {
			p.TStep = *tstep
			p.TMax = *tstep
		}

		mem := analysis.NewMemorySink()
		var sink analysis.ResultSink = mem
		var csvFile *os.File
		if *output != "" {
			csvFile, err = os.Create(*output)
			if err != nil {
				log.Printf("creating output file: %v", err)
				os.Exit(exitSimulationFailure)
			}
			defer csvFile.Close()
			if *plotFile == "" {
				sink = analysis.NewCSVSink(csvFile)
			} else {
				sink = teeSink{analysis.NewCSVSink(csvFile), mem}
			}
		}

		tr, err := analysis.NewTransient(ckt, cfg, p.TStart, p.TStop, p.TStep, p.TStep/1e6, p.TMax, p.UIC, sink)
		if err != nil {
			log.Printf("transient setup: %v", err)
			os.Exit(exitParseFailure)
		}
		if err := tr.Execute(); err != nil {
			log.Printf("transient: %v", err)
			os.Exit(exitSimulationFailure)
		}
		if tee, ok := sink.(teeSink); ok {
			if err := tee.csv.Flush(); err != nil {
				log.Printf("writing output: %v", err)
				os.Exit(exitSimulationFailure)
			}
		}

		if *output == "" {
			printTransient(mem.Results())
		}
		if *plotFile != "" {
			if err := plotWaveforms(mem, ckt.SortedNodeNames(), *plotFile); err != nil {
				log.Printf("plotting: %v", err)
				os.Exit(exitSimulationFailure)
			}
		}

	default:
		log.Printf("netlist declares no analysis command")
		os.Exit(exitParseFailure)
	}

	os.Exit(exitOK)
}

// teeSink fans one step out to both the CSV stream and memory (needed
// when plotting alongside --output).
type teeSink struct {
	csv *analysis.CSVSink
	mem *analysis.MemorySink
}

func (t teeSink) OnStep(tm float64, nv, bc []analysis.Measurement) {
	t.csv.OnStep(tm, nv, bc)
	t.mem.OnStep(tm, nv, bc)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printOP(results map[string]float64) {
	fmt.Println("\nOperating Point:")
	fmt.Println("================")
	for _, key := range sortedKeys(results) {
		unit := "V"
		if strings.HasPrefix(key, "I(") {
			unit = "A"
		}
		fmt.Printf("%-12s %s\n", key, util.FormatValueFactor(results[key], unit))
	}
}

func printSweep(results map[string][]float64) {
	sweep := results["SWEEP1"]
	fmt.Printf("\nDC Sweep Results (%d points):\n", len(sweep))

	var names []string
	for name := range results {
		if name != "SWEEP1" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for i, level := range sweep {
		fmt.Printf("V=%-10s", util.FormatValueFactor(level, "V"))
		for _, name := range names {
			unit := "V"
			if strings.HasPrefix(name, "I(") {
				unit = "A"
			}
			fmt.Printf("  %s=%s", name, util.FormatValueFactor(results[name][i], unit))
		}
		fmt.Println()
	}
}

func printTransient(results map[string][]float64) {
	times := results["TIME"]
	fmt.Printf("\nTransient Results (%d points):\n", len(times))

	var names []string
	for name := range results {
		if name != "TIME" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for i, t := range times {
		fmt.Printf("t=%-12s", util.FormatValueFactor(t, "s"))
		for _, name := range names {
			unit := "V"
			if strings.HasPrefix(name, "I(") {
				unit = "A"
			}
			fmt.Printf("  %s=%s", name, util.FormatValueFactor(results[name][i], unit))
		}
		fmt.Println()
	}
}

func plotWaveforms(mem *analysis.MemorySink, nodes []string, path string) error {
	p := plot.New()
	p.Title.Text = "Transient waveforms"
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = "V"

	times := mem.Times()
	args := make([]interface{}, 0, 2*len(nodes))
	for _, node := range nodes {
		values := mem.Voltage(node)
		pts := make(plotter.XYs, len(times))
		for i := range times {
			pts[i].X = times[i]
			pts[i].Y = values[i]
		}
		args = append(args, fmt.Sprintf("V(%s)", node), pts)
	}

	if err := plotutil.AddLinePoints(p, args...); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
