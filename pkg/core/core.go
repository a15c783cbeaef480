// Package core implements the out-of-order execution pipeline: Tomasulo
// style register renaming through monotonic tags, reservation stations
// scheduled onto functional units, and a common-data-bus broadcast that
// wakes waiting sources and retires the oldest completed instruction
// first.
package core

import (
	"math/bits"

	"github.com/spf13/pflag"

	"cadss/pkg/branch"
	"cadss/pkg/cache"
	"cadss/pkg/logging"
	"cadss/pkg/simerr"
	"cadss/pkg/trace"
)

const numRegisters = 33

// register is one entry of the physical register file: a renaming tag
// valid while !ready, resolved once a CDB broadcast matches it.
type register struct {
	ready bool
	tag   int64
}

// operand is a reservation station's view of a source or destination
// register at dispatch time: a snapshot, not a live pointer, so a later
// rename of the architectural register does not retroactively change
// an already-dispatched instruction's wait.
type operand struct {
	num   int
	ready bool
	tag   int64
}

// reservationStation is one in-flight renamed instruction.
type reservationStation struct {
	tag       int64
	op        *trace.Op
	src       [2]operand
	dest      operand
	isLongALU bool
	onFU      int // index into the owning FU pool, -1 if not yet scheduled
}

// functionalUnit models either a single-cycle fast ALU or a 3-stage
// pipelined long ALU (executingEntry1/2/3 shift each cycle, matching a
// classic non-superscalar pipeline register chain).
type functionalUnit struct {
	busy      bool
	isLongALU bool
	stage1    *reservationStation
	stage2    *reservationStation
	stage3    *reservationStation
}

// cdb is one common-data-bus lane: busy for exactly the cycle after a
// completion, broadcasting its tag to every waiting reservation station.
type cdb struct {
	busy bool
	tag  int64
}

// Config holds the parsed core command-line flags.
type Config struct {
	ProcessorCount int // -p
	FetchRate      int // -f
	DispatchWidth  int // -d, multiplier applied below
	ScheduleWidth  int // -m, multiplier applied below
	NumFastALU     int // -j
	NumLongALU     int // -k
	NumCDB         int // -c
}

// ParseFlags registers and parses the core's own flag set out of args,
// mirroring simProcessor.c's "f:d:m:j:k:c:" getopt string, plus -p for
// the processor count this simulator drives as a core-subsystem flag.
func ParseFlags(args []string) (Config, error) {
	fs := pflag.NewFlagSet("core", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	nproc := fs.IntP("processors", "p", 1, "number of processors")
	fetchRate := fs.IntP("fetch", "f", 4, "ops fetched per cycle")
	dispatchWidth := fs.IntP("dispatch", "d", 4, "reservation stations dispatched per cycle, times (fast+long ALUs)")
	scheduleWidth := fs.IntP("schedule", "m", 4, "reservation stations issued per cycle, times ALU count")
	numFastALU := fs.IntP("fastalu", "j", 2, "number of fast ALUs")
	numLongALU := fs.IntP("longalu", "k", 1, "number of long ALUs")
	numCDB := fs.IntP("cdb", "c", 2, "number of common data buses")

	if err := fs.Parse(args); err != nil {
		return Config{}, simerr.Wrap("core", "ParseFlags", err)
	}

	cfg := Config{
		ProcessorCount: *nproc,
		FetchRate:      *fetchRate,
		DispatchWidth:  *dispatchWidth,
		ScheduleWidth:  *scheduleWidth,
		NumFastALU:     *numFastALU,
		NumLongALU:     *numLongALU,
		NumCDB:         *numCDB,
	}
	if cfg.ProcessorCount <= 0 {
		return Config{}, simerr.Config("core", "ParseFlags", "-p processor count must be positive")
	}
	if cfg.NumFastALU <= 0 && cfg.NumLongALU <= 0 {
		return Config{}, simerr.Config("core", "ParseFlags", "at least one ALU (-j or -k) is required")
	}
	if cfg.NumCDB <= 0 {
		return Config{}, simerr.Config("core", "ParseFlags", "-c must be positive")
	}
	return cfg, nil
}

// Memory is the narrow interface core drives for load/store ops.
type Memory interface {
	MemoryRequest(op *trace.Op, procNum int, tag int64, callback cache.Callback) error
}

// Core is one processor's out-of-order pipeline.
type Core struct {
	procNum int
	cfg     Config
	mem     Memory
	pred    branch.Predictor

	regs [numRegisters]register

	dispatchQueue []*trace.Op
	maxDispatch   int

	scheduleFast []*reservationStation
	scheduleLong []*reservationStation
	maxFast      int
	maxLong      int

	fastALUs []functionalUnit
	longALUs []functionalUnit

	// cdbs holds the tags StateUpdate issues this tick; cdbsVisible is
	// what Schedule actually reads. shiftCDBs copies one into the other
	// once per tick so a tag issued in cycle T only wakes a waiting
	// reservation station in cycle T+1, matching the CDB's physical
	// broadcast latency.
	cdbs        []cdb
	cdbsVisible []cdb

	completed []*reservationStation

	tagCounter int64

	pendingMem    bool
	pendingBranch int
	memOpTag      int64
	nextMemTag    int64

	ticksSinceProgress int64
	stalledLogged      bool
	log                *logging.Logger

	Ticks int64
}

// StallTime is the number of consecutive ticks without forward progress
// after which checkStall logs a diagnostic. It is purely informational
// and never changes simulation behavior.
const StallTime = 100000

// New builds a Core for procNum, issuing loads/stores through mem and
// branches through pred.
func New(procNum int, cfg Config, mem Memory, pred branch.Predictor, log *logging.Logger) (*Core, error) {
	if cfg.NumFastALU <= 0 && cfg.NumLongALU <= 0 {
		return nil, simerr.Config("core", "New", "at least one ALU (-j or -k) is required")
	}
	if cfg.NumCDB <= 0 {
		return nil, simerr.Config("core", "New", "-c must be positive")
	}
	if log == nil {
		log = logging.Default("core")
	}
	c := &Core{
		procNum:     procNum,
		cfg:         cfg,
		mem:         mem,
		pred:        pred,
		fastALUs:    make([]functionalUnit, cfg.NumFastALU),
		longALUs:    make([]functionalUnit, cfg.NumLongALU),
		cdbs:        make([]cdb, cfg.NumCDB),
		cdbsVisible: make([]cdb, cfg.NumCDB),
		log:         log,
	}
	for i := range c.regs {
		c.regs[i] = register{ready: true, tag: -1}
	}
	for i := range c.longALUs {
		c.longALUs[i].isLongALU = true
	}
	c.maxFast = cfg.ScheduleWidth * cfg.NumFastALU
	c.maxLong = cfg.ScheduleWidth * cfg.NumLongALU
	c.maxDispatch = cfg.DispatchWidth * (c.maxFast + c.maxLong)
	if c.maxDispatch <= 0 {
		c.maxDispatch = 1
	}
	return c, nil
}

func (c *Core) nextTag() int64 {
	t := c.tagCounter
	c.tagCounter++
	return t
}

// makeTag packs a processor number into the low byte of a memory-op
// tag so a completion callback can identify which core it belongs to
// even when callbacks from several cores share a dispatch table.
func (c *Core) makeTag(base int64) int64 {
	return int64(c.procNum) | (base << 8)
}

// Fetch pulls up to fetchRate ops from the reader for this processor
// and routes each by kind: ALU/ALU_LONG ops go to the dispatch queue
// (stalling fetch once it's full); a MEM op blocks fetch for this core
// until its completion callback fires; a BRANCH op ends this tick's
// fetch and, when mispredicted, also stalls the next tick's fetch.
func (c *Core) Fetch(tr *trace.Reader) (progressed bool) {
	if c.pendingMem {
		return true
	}
	if c.pendingBranch > 0 {
		c.pendingBranch--
		return true
	}

	for i := 0; i < c.cfg.FetchRate; i++ {
		op, ok := tr.Next(c.procNum)
		if !ok {
			return progressed
		}
		progressed = true

		switch op.Kind {
		case trace.MemLoad, trace.MemStore:
			c.pendingMem = true
			tag := c.makeTag(c.nextMemTag)
			if err := c.mem.MemoryRequest(op, c.procNum, tag, c.memOpCallback); err != nil {
				c.pendingMem = false
			} else {
				c.nextMemTag++
			}
			return true
		case trace.Branch:
			predictedTaken := c.pred.Predict(op.PC)
			actuallyTaken := op.NextPC != op.PC+1
			c.pred.Update(op.PC, actuallyTaken)
			if predictedTaken != actuallyTaken {
				c.pendingBranch = 1
			}
			return true
		case trace.ALU, trace.ALULong:
			if !c.addToDispatchQueue(op) {
				return true
			}
		}
	}
	return progressed
}

func (c *Core) memOpCallback(procNum int, tag int64) {
	base := tag >> 8
	if base == c.memOpTag {
		c.memOpTag++
		c.pendingMem = false
	}
}

func (c *Core) addToDispatchQueue(op *trace.Op) bool {
	if len(c.dispatchQueue) >= c.maxDispatch {
		return false
	}
	c.dispatchQueue = append(c.dispatchQueue, op)
	return true
}

// Dispatch renames up to dispatchWidth ops from the queue into fresh
// reservation stations, assigning each destination register a new tag
// and snapshotting source readiness at this instant.
func (c *Core) Dispatch() {
	dispatched := 0
	for dispatched < c.cfg.DispatchWidth {
		if len(c.dispatchQueue) == 0 {
			return
		}
		op := c.dispatchQueue[0]
		isLongALU := op.Kind == trace.ALULong
		if c.scheduleFull(isLongALU) {
			return
		}
		c.dispatchQueue = c.dispatchQueue[1:]

		rs := &reservationStation{op: op, isLongALU: isLongALU, onFU: -1}
		for i, regNum := range op.SrcReg {
			if regNum == trace.NoReg {
				rs.src[i] = operand{num: -1, ready: true}
				continue
			}
			src := &c.regs[regNum]
			if src.ready {
				rs.src[i] = operand{num: regNum, ready: true}
			} else {
				rs.src[i] = operand{num: regNum, ready: false, tag: src.tag}
			}
		}

		tag := c.nextTag()
		if op.DestReg != trace.NoReg {
			c.regs[op.DestReg] = register{ready: false, tag: tag}
			rs.dest = operand{num: op.DestReg, tag: tag}
		} else {
			rs.dest = operand{num: -1, tag: tag}
		}
		rs.tag = tag

		if isLongALU {
			c.scheduleLong = append(c.scheduleLong, rs)
		} else {
			c.scheduleFast = append(c.scheduleFast, rs)
		}
		dispatched++
	}
}

func (c *Core) scheduleFull(isLongALU bool) bool {
	if isLongALU {
		return len(c.scheduleLong) >= c.maxLong
	}
	return len(c.scheduleFast) >= c.maxFast
}

// Schedule wakes reservation stations whose sources a CDB broadcast
// just resolved, then issues up to scheduleWidth ready stations (FIFO
// by schedule-queue position) onto a free functional unit each.
func (c *Core) Schedule() {
	scheduled := 0
	for _, rs := range append(append([]*reservationStation{}, c.scheduleFast...), c.scheduleLong...) {
		if rs.onFU >= 0 {
			continue
		}
		for _, bus := range c.cdbsVisible {
			if !bus.busy {
				continue
			}
			for j := range rs.src {
				if !rs.src[j].ready && rs.src[j].tag == bus.tag {
					rs.src[j].ready = true
				}
			}
		}
		if scheduled >= c.cfg.ScheduleWidth {
			continue
		}
		if rs.src[0].ready && rs.src[1].ready {
			fu, idx := c.freeFU(rs.isLongALU)
			if fu != nil {
				fu.busy = true
				fu.stage1 = rs
				rs.onFU = idx
				scheduled++
			}
		}
	}
}

// freeFU scans the appropriate functional-unit pool's occupancy bitmap
// with a trailing-zero-count to find the lowest-indexed idle unit, the
// same free-slot idiom this simulator's cache uses for its own
// occupancy bitmaps.
func (c *Core) freeFU(isLongALU bool) (*functionalUnit, int) {
	pool := c.fastALUs
	if isLongALU {
		pool = c.longALUs
	}
	var occupied uint64
	for i, fu := range pool {
		if fu.busy {
			occupied |= 1 << uint(i)
		}
	}
	free := ^occupied & ((1 << uint(len(pool))) - 1)
	if free == 0 {
		return nil, -1
	}
	idx := bits.TrailingZeros64(free)
	return &pool[idx], idx
}

// Execute advances every functional unit by one cycle: fast ALUs
// complete in the same cycle they start, long ALUs shift through a
// 3-stage pipeline register chain before completing.
func (c *Core) Execute() {
	for i := range c.fastALUs {
		fu := &c.fastALUs[i]
		if fu.busy && fu.stage1 != nil {
			fu.busy = false
			c.completed = append(c.completed, fu.stage1)
			fu.stage1 = nil
		}
	}
	for i := range c.longALUs {
		fu := &c.longALUs[i]
		if fu.stage3 != nil {
			c.completed = append(c.completed, fu.stage3)
			fu.stage3 = nil
		}
		if fu.stage2 != nil {
			fu.stage3 = fu.stage2
			fu.stage2 = nil
		}
		if fu.busy && fu.stage1 != nil {
			fu.busy = false
			fu.stage2 = fu.stage1
			fu.stage1 = nil
		}
	}
}

// StateUpdate retires up to numCDB completed instructions, oldest tag
// first, broadcasting each onto a CDB lane and resolving its
// destination register if no younger rename has since overwritten it.
func (c *Core) StateUpdate() {
	for i := range c.cdbs {
		c.cdbs[i] = cdb{}
	}
	for i := range c.cdbs {
		rs := c.popOldestCompleted()
		if rs == nil {
			break
		}
		c.cdbs[i] = cdb{busy: true, tag: rs.tag}
		c.removeFromSchedule(rs)
		if rs.dest.num == -1 {
			continue
		}
		if c.regs[rs.dest.num].tag == rs.tag {
			c.regs[rs.dest.num].ready = true
		}
	}
}

// shiftCDBs moves the tags StateUpdate issued last tick into the buffer
// Schedule reads, and is called once per tick before StateUpdate runs so
// a tag broadcast in cycle T is visible to scheduling in cycle T+1, not
// the same cycle it was issued.
func (c *Core) shiftCDBs() {
	copy(c.cdbsVisible, c.cdbs)
}

func (c *Core) popOldestCompleted() *reservationStation {
	if len(c.completed) == 0 {
		return nil
	}
	minIdx := 0
	for i, rs := range c.completed {
		if rs.tag < c.completed[minIdx].tag {
			minIdx = i
		}
	}
	rs := c.completed[minIdx]
	c.completed = append(c.completed[:minIdx], c.completed[minIdx+1:]...)
	return rs
}

func (c *Core) removeFromSchedule(rs *reservationStation) {
	if rs.isLongALU {
		c.scheduleLong = removeRS(c.scheduleLong, rs)
	} else {
		c.scheduleFast = removeRS(c.scheduleFast, rs)
	}
}

func removeRS(q []*reservationStation, target *reservationStation) []*reservationStation {
	for i, rs := range q {
		if rs == target {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

// Tick advances this core by one cycle, in the fixed stage order
// fetch -> shiftCDBs -> stateUpdate -> execute -> schedule -> dispatch.
// shiftCDBs runs before stateUpdate so the CDB tags stateUpdate issues
// this cycle aren't visible to schedule until the following tick.
func (c *Core) Tick(tr *trace.Reader) bool {
	c.Ticks++
	progressed := c.Fetch(tr)
	c.shiftCDBs()
	c.StateUpdate()
	c.Execute()
	c.Schedule()
	c.Dispatch()

	if progressed {
		c.ticksSinceProgress = 0
		c.stalledLogged = false
	} else {
		c.ticksSinceProgress++
	}
	c.checkStall()

	return progressed
}

// checkStall logs a one-time diagnostic once this core has gone
// StallTime consecutive ticks without forward progress, reporting what
// it is blocked on. It never alters simulation behavior.
func (c *Core) checkStall() {
	if c.ticksSinceProgress < StallTime || c.stalledLogged {
		return
	}
	c.stalledLogged = true
	c.log.Warn().
		Int("proc", c.procNum).
		Bool("pendingMem", c.pendingMem).
		Int("pendingBranch", c.pendingBranch).
		Int("dispatchQueue", len(c.dispatchQueue)).
		Int("scheduleFast", len(c.scheduleFast)).
		Int("scheduleLong", len(c.scheduleLong)).
		Msg("processor stalled: no forward progress")
}

// Idle reports whether this core has no outstanding work: an empty
// pipeline and no pending memory or branch resolution.
func (c *Core) Idle() bool {
	return !c.pendingMem && c.pendingBranch == 0 &&
		len(c.dispatchQueue) == 0 && len(c.scheduleFast) == 0 &&
		len(c.scheduleLong) == 0 && len(c.completed) == 0
}
