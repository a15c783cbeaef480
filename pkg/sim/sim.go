// Package sim wires together memory, interconnect, coherence, cache,
// and core components into a single cycle-driven multiprocessor
// simulation, ticking each leaf-first: memory, then interconnect, then
// coherence and cache, then the cores that depend on them.
package sim

import (
	"fmt"
	"io"

	"cadss/pkg/branch"
	"cadss/pkg/cache"
	"cadss/pkg/coherence"
	"cadss/pkg/core"
	"cadss/pkg/interconnect"
	"cadss/pkg/logging"
	"cadss/pkg/memory"
	"cadss/pkg/simerr"
	"cadss/pkg/trace"
)

// Config aggregates every component's parsed flags into one simulation
// configuration.
type Config struct {
	ProcessorCount int
	Topology       interconnect.Topology
	Scheme         coherence.Scheme
	MemorySize     uint64
	MemoryLatency  int
	Cache          cache.Config
	Core           core.Config
	Branch         branch.Config
}

// directory is the coherence state keeper shared across every
// processor's cache: it is the one stateful thing a snoop-based
// protocol needs beyond each cache's own line storage, since a
// snoop must know the *other* caches' states to decide how to react.
type directory struct {
	protocol coherence.Protocol
	ic       *interconnect.Interconnect
	states   map[uint64]map[int]coherence.State
	caches   map[int]*cache.Cache
	log      *logging.Logger
}

func newDirectory(protocol coherence.Protocol, ic *interconnect.Interconnect, log *logging.Logger) *directory {
	return &directory{
		protocol: protocol,
		ic:       ic,
		states:   make(map[uint64]map[int]coherence.State),
		caches:   make(map[int]*cache.Cache),
		log:      log,
	}
}

func (d *directory) stateOf(addr uint64, procNum int) coherence.State {
	byProc, ok := d.states[addr]
	if !ok {
		return coherence.Invalid
	}
	return byProc[procNum]
}

func (d *directory) setState(addr uint64, procNum int, s coherence.State) {
	byProc, ok := d.states[addr]
	if !ok {
		byProc = make(map[int]coherence.State)
		d.states[addr] = byProc
	}
	byProc[procNum] = s
}

// PermReq implements cache.Coherence: it asks the protocol whether
// procNum's line already has the permission isRead needs, originating
// a bus transaction through the interconnect if not.
func (d *directory) PermReq(isRead bool, addr uint64, procNum int) bool {
	current := d.stateOf(addr, procNum)
	next, avail, err := d.protocol.Cache(d.ic, isRead, current, addr, procNum)
	if err != nil {
		d.log.Error().Err(err).Msg("coherence cache transition failed")
		return false
	}
	d.setState(addr, procNum, next)
	return avail
}

// InvlReq implements cache.Coherence: it downgrades procNum's own line
// to Invalid ahead of its eviction. A dirty line requires a writeback,
// modeled here as needing the caller to wait one resolution cycle
// rather than proceeding immediately.
func (d *directory) InvlReq(addr uint64, procNum int) bool {
	current := d.stateOf(addr, procNum)
	needsWriteback := current == coherence.Modified || current == coherence.SharedModified
	d.setState(addr, procNum, coherence.Invalid)
	return needsWriteback
}

// snoop is registered with the interconnect and is invoked for every
// bus transaction each non-originating processor observes, and once more
// for the originator with the resolved reply when the transaction
// completes.
func (d *directory) snoop(reqType interconnect.ReqType, addr uint64, procNum int) {
	current := d.stateOf(addr, procNum)
	next, action, err := d.protocol.Snoop(d.ic, reqType, current, addr, procNum)
	if err != nil {
		d.log.Error().Err(err).Msg("coherence snoop transition failed")
		return
	}
	d.setState(addr, procNum, next)

	c, ok := d.caches[procNum]
	if !ok {
		return
	}
	var cb cache.CallbackType
	switch action {
	case coherence.NoAction:
		cb = cache.NoActionCB
	case coherence.DataRecv:
		cb = cache.DataRecvCB
	case coherence.Invalidate:
		cb = cache.InvalidateCB
	}
	if action == coherence.NoAction {
		return // no queue effect for a plain observed transaction
	}
	if err := c.CoherCallback(cb, addr, procNum); err != nil {
		d.log.Error().Err(err).Msg("cache rejected coherence callback")
	}
}

// Processor bundles one core with its cache; Sim drives both each tick.
type Processor struct {
	Core  *core.Core
	Cache *cache.Cache
}

// Sim is the complete tick-driven multiprocessor simulation.
type Sim struct {
	cfg   Config
	mem   *memory.Memory
	ic    *interconnect.Interconnect
	dir   *directory
	procs []*Processor
	trace *trace.Reader
	log   *logging.Logger

	tick int64
}

// New wires every component per cfg, reading ops from tr.
func New(cfg Config, tr *trace.Reader, log *logging.Logger) (*Sim, error) {
	if cfg.ProcessorCount <= 0 {
		return nil, simerr.Config("sim", "New", "processor count must be positive")
	}
	if log == nil {
		log = logging.Default("sim")
	}

	mem := memory.New(cfg.MemorySize, cfg.MemoryLatency)

	s := &Sim{cfg: cfg, mem: mem, trace: tr, log: log}

	protocol, err := coherence.For(cfg.Scheme)
	if err != nil {
		return nil, simerr.Wrap("sim", "New", err)
	}

	// The interconnect needs the directory's snoop hook, and the
	// directory needs the interconnect to issue bus requests: build the
	// directory first with a nil interconnect, then close the loop once
	// the real one exists.
	dir := newDirectory(protocol, nil, log)
	s.dir = dir
	ic, err := interconnect.New(cfg.Topology, cfg.ProcessorCount, mem, dir.snoop, log)
	if err != nil {
		return nil, simerr.Wrap("sim", "New", err)
	}
	s.ic = ic
	dir.ic = ic

	for p := 0; p < cfg.ProcessorCount; p++ {
		cc, err := cache.New(p, cfg.Cache, dir)
		if err != nil {
			return nil, simerr.Wrap("sim", "New", err)
		}
		dir.caches[p] = cc

		pred, err := branch.New(&cfg.Branch)
		if err != nil {
			return nil, simerr.Wrap("sim", "New", err)
		}

		cpu, err := core.New(p, cfg.Core, cc, pred, log)
		if err != nil {
			return nil, simerr.Wrap("sim", "New", err)
		}

		s.procs = append(s.procs, &Processor{Core: cpu, Cache: cc})
	}

	return s, nil
}

// Tick advances every component by one cycle, leaf-first: the backend
// memory, then the interconnect fabric, then each processor's cache,
// then each processor's core. It reports whether any processor made
// forward progress this cycle.
func (s *Sim) Tick() bool {
	s.tick++
	s.log.Tick(s.tick)

	s.mem.Tick()
	s.ic.Tick(s.tick)

	progressed := false
	for _, p := range s.procs {
		p.Cache.Tick()
	}
	for _, p := range s.procs {
		if p.Core.Tick(s.trace) {
			progressed = true
		}
	}
	return progressed
}

// Run ticks the simulation until no processor makes progress for a
// full cycle, then returns the total tick count.
func (s *Sim) Run() int64 {
	for {
		if !s.Tick() && s.allIdle() {
			break
		}
	}
	return s.tick
}

// RunDebug behaves like Run but writes the interconnect's DebugState
// to w after every tick, for diagnosing a run driven with -D.
func (s *Sim) RunDebug(w io.Writer) int64 {
	for {
		progressed := s.Tick()
		fmt.Fprintf(w, "tick %d: %s\n", s.tick, s.ic.DebugState())
		if !progressed && s.allIdle() {
			break
		}
	}
	return s.tick
}

func (s *Sim) allIdle() bool {
	for _, p := range s.procs {
		if !p.Core.Idle() {
			return false
		}
	}
	return true
}

// Ticks reports the total number of cycles simulated so far.
func (s *Sim) Ticks() int64 {
	return s.tick
}
