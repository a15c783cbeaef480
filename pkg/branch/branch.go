// Package branch implements the predictor flavors selectable on the
// branch-prediction component's command line: PC-indexed saturating
// counters and GSelect (global-history-folded) saturating counters.
package branch

import (
	"github.com/spf13/pflag"

	"cadss/pkg/simerr"
)

// Flavor selects which predictor Config builds.
type Flavor int

const (
	// FlavorPCIndexed is a direct-mapped table of saturating counters
	// indexed by low PC bits alone.
	FlavorPCIndexed Flavor = 0
	// FlavorGSelect XOR-folds global history into the PC index before
	// indexing the same kind of saturating-counter table.
	FlavorGSelect Flavor = 2
)

// Predictor is the interface the core drives each branch op through.
type Predictor interface {
	Predict(pc uint64) bool
	Update(pc uint64, taken bool)
}

// Config holds the parsed branch-predictor flags.
type Config struct {
	Flavor     Flavor
	TableBits  int // -s: log2(table entries)
	CounterBits int // -b: saturating counter width
	GHRBits    int // -g: global history register width (GSelect only)
}

// ParseFlags registers and parses the branch predictor's flag set,
// mirroring the per-component single-letter flag convention the rest of
// this simulator's subsystems use.
func ParseFlags(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("branch", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	flavor := fs.IntP("flavor", "p", 0, "predictor flavor: 0=PC-indexed, 2=GSelect")
	tableBits := fs.IntP("size", "s", 5, "log2 of predictor table entries")
	counterBits := fs.IntP("bits", "b", 4, "saturating counter width in bits")
	ghrBits := fs.IntP("ghistory", "g", 10, "global history register width (GSelect only)")

	if err := fs.Parse(args); err != nil {
		return nil, simerr.Wrap("branch", "ParseFlags", err)
	}

	cfg := &Config{
		Flavor:      Flavor(*flavor),
		TableBits:   *tableBits,
		CounterBits: *counterBits,
		GHRBits:     *ghrBits,
	}
	if cfg.TableBits <= 0 || cfg.TableBits > 24 {
		return nil, simerr.Config("branch", "ParseFlags", "-s must be in (0, 24]")
	}
	if cfg.CounterBits <= 0 || cfg.CounterBits > 8 {
		return nil, simerr.Config("branch", "ParseFlags", "-b must be in (0, 8]")
	}
	return cfg, nil
}

// New builds the predictor named by cfg.Flavor.
func New(cfg *Config) (Predictor, error) {
	switch cfg.Flavor {
	case FlavorPCIndexed:
		return NewPCIndexed(cfg.TableBits, cfg.CounterBits), nil
	case FlavorGSelect:
		return NewGSelect(cfg.TableBits, cfg.CounterBits, cfg.GHRBits), nil
	default:
		return nil, simerr.Config("branch", "New", "unsupported predictor flavor")
	}
}

// satCounter is a saturating counter of the given bit width, with the
// prediction taken from its most significant bit.
type satCounter struct {
	bits uint
	max  uint8
}

func newSatCounter(bits int) satCounter {
	return satCounter{bits: uint(bits), max: uint8(1<<uint(bits)) - 1}
}

func (c satCounter) neutral() uint8 {
	// Parked at the midpoint, which equals takenThreshold, so a fresh
	// counter predicts taken.
	return (c.max + 1) / 2
}

func (c satCounter) takenThreshold() uint8 {
	return (c.max + 1) / 2
}

func (c satCounter) increment(v uint8) uint8 {
	if v < c.max {
		return v + 1
	}
	return v
}

func (c satCounter) decrement(v uint8) uint8 {
	if v > 0 {
		return v - 1
	}
	return v
}

// PCIndexed is a direct-mapped table of saturating counters indexed by
// the low bits of the PC, with no history component.
type PCIndexed struct {
	counter  satCounter
	table    []uint8
	indexMask uint64
}

// NewPCIndexed builds a table of 1<<tableBits counters, counterBits wide.
func NewPCIndexed(tableBits, counterBits int) *PCIndexed {
	size := 1 << uint(tableBits)
	c := newSatCounter(counterBits)
	p := &PCIndexed{
		counter:   c,
		table:     make([]uint8, size),
		indexMask: uint64(size - 1),
	}
	for i := range p.table {
		p.table[i] = c.neutral()
	}
	return p
}

func (p *PCIndexed) index(pc uint64) uint64 {
	return pc & p.indexMask
}

func (p *PCIndexed) Predict(pc uint64) bool {
	return p.table[p.index(pc)] >= p.counter.takenThreshold()
}

func (p *PCIndexed) Update(pc uint64, taken bool) {
	idx := p.index(pc)
	if taken {
		p.table[idx] = p.counter.increment(p.table[idx])
	} else {
		p.table[idx] = p.counter.decrement(p.table[idx])
	}
}

// GSelect XORs a folded global history register into the low PC bits
// to index a shared saturating-counter table; it distinguishes aliased
// PCs that take different paths to reach the same branch.
type GSelect struct {
	counter   satCounter
	table     []uint8
	indexBits uint
	ghrBits   uint
	ghrMask   uint64
	ghr       uint64
}

// NewGSelect builds a table of 1<<tableBits counters, folding a
// ghrBits-wide global history register into the index alongside the PC.
func NewGSelect(tableBits, counterBits, ghrBits int) *GSelect {
	size := 1 << uint(tableBits)
	c := newSatCounter(counterBits)
	g := &GSelect{
		counter:   c,
		table:     make([]uint8, size),
		indexBits: uint(tableBits),
		ghrBits:   uint(ghrBits),
		ghrMask:   uint64(1<<uint(ghrBits)) - 1,
	}
	for i := range g.table {
		g.table[i] = c.neutral()
	}
	return g
}

// index XOR-folds the history register into the PC's low bits, the
// same fold-and-mix technique a geometric-history predictor uses to
// combine a wide history into a narrow table index.
func (g *GSelect) index(pc uint64) uint64 {
	h := g.ghr & g.ghrMask
	folded := h ^ (h >> g.indexBits)
	idx := (pc ^ folded) & ((uint64(1) << g.indexBits) - 1)
	return idx
}

func (g *GSelect) Predict(pc uint64) bool {
	return g.table[g.index(pc)] >= g.counter.takenThreshold()
}

func (g *GSelect) Update(pc uint64, taken bool) {
	idx := g.index(pc)
	if taken {
		g.table[idx] = g.counter.increment(g.table[idx])
	} else {
		g.table[idx] = g.counter.decrement(g.table[idx])
	}
	g.ghr <<= 1
	if taken {
		g.ghr |= 1
	}
	g.ghr &= g.ghrMask
}
