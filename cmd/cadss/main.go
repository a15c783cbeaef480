// Command cadss drives the cycle-by-cycle chip-multiprocessor
// simulation over a trace file, writing "Ticks - <N>" on completion,
// matching the original CADSS driver's finish() output.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"cadss/pkg/branch"
	"cadss/pkg/cache"
	"cadss/pkg/coherence"
	"cadss/pkg/core"
	"cadss/pkg/interconnect"
	"cadss/pkg/logging"
	"cadss/pkg/sim"
	"cadss/pkg/simerr"
	"cadss/pkg/trace"
)

// driverConfig holds the flags owned by the driver itself rather than
// any one subsystem: the trace file, coherence scheme, backend memory
// shape, logging verbosity, and the debug-dump switch. None of these
// appear in the per-subsystem getopt strings the original components
// use, so they get their own flag set and letters that don't collide
// with the documented subsystem table.
type driverConfig struct {
	traceFile  string
	scheme     string
	memSize    uint64
	memLatency int
	verbosity  int
	debug      bool
}

func parseDriverFlags(args []string) (driverConfig, error) {
	fs := pflag.NewFlagSet("cadss", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	traceFile := fs.StringP("trace", "T", "", "path to the trace file to simulate")
	scheme := fs.StringP("coherence", "C", "MSI", "coherence scheme: MI, MSI, MESI, MOESI, MESIF")
	memSize := fs.Uint64P("memsize", "M", 1<<24, "backend memory size in bytes")
	memLatency := fs.IntP("memlatency", "L", 100, "backend memory access latency in ticks")
	verbosity := fs.CountP("verbose", "v", "increase log verbosity (repeatable)")
	debug := fs.BoolP("debug", "D", false, "dump interconnect debug state on every tick")

	if err := fs.Parse(args); err != nil {
		return driverConfig{}, simerr.Wrap("cadss", "run", err)
	}
	if *traceFile == "" {
		return driverConfig{}, simerr.Config("cadss", "run", "missing required -T trace file")
	}
	return driverConfig{
		traceFile:  *traceFile,
		scheme:     *scheme,
		memSize:    *memSize,
		memLatency: *memLatency,
		verbosity:  *verbosity,
		debug:      *debug,
	}, nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run parses each subsystem's own flag set against the same shared
// argument vector, matching spec.md's "each subsystem parses its own
// argument vector" CLI surface: a letter like -s means one thing to
// cache and another to branch, and each parser ignores flags it
// doesn't own.
func run(args []string, out *os.File) error {
	driverCfg, err := parseDriverFlags(args)
	if err != nil {
		return err
	}

	cacheCfg, err := cache.ParseFlags(args)
	if err != nil {
		return err
	}
	coreCfg, err := core.ParseFlags(args)
	if err != nil {
		return err
	}
	icCfg, err := interconnect.ParseFlags(args)
	if err != nil {
		return err
	}
	branchCfg, err := branch.ParseFlags(args)
	if err != nil {
		return err
	}

	f, err := os.Open(driverCfg.traceFile)
	if err != nil {
		return simerr.Wrap("cadss", "run", err)
	}
	defer f.Close()

	schemeVal, err := coherence.ParseScheme(driverCfg.scheme)
	if err != nil {
		return err
	}

	log := logging.New("sim", logging.LevelFromVerbosity(driverCfg.verbosity), os.Stderr)

	cfg := sim.Config{
		ProcessorCount: coreCfg.ProcessorCount,
		Topology:       icCfg.Topology,
		Scheme:         schemeVal,
		MemorySize:     driverCfg.memSize,
		MemoryLatency:  driverCfg.memLatency,
		Cache:          cacheCfg,
		Core:           coreCfg,
		Branch:         *branchCfg,
	}

	reader := trace.NewReader(f)
	s, err := sim.New(cfg, reader, log)
	if err != nil {
		return err
	}

	if driverCfg.debug {
		ticks := s.RunDebug(out)
		fmt.Fprintf(out, "Ticks - %d\n", ticks)
		return nil
	}

	ticks := s.Run()
	fmt.Fprintf(out, "Ticks - %d\n", ticks)
	return nil
}
