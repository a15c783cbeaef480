// Package cache implements a set-associative cache with an optional
// victim buffer and LRU or RRIP replacement, fed by a four-queue
// pending-request pipeline that lets a miss wait on coherence
// permission (and, on eviction, on an invalidation of the victim)
// without blocking any other in-flight request.
package cache

import (
	"math/bits"

	"github.com/spf13/pflag"

	"cadss/pkg/simerr"
	"cadss/pkg/trace"
)

// CallbackType is how the coherence directory tells a cache that a
// pending line's outcome has resolved.
type CallbackType int

const (
	NoActionCB CallbackType = iota
	DataRecvCB
	InvalidateCB
)

// Coherence is the narrow interface the cache drives to ask for line
// permission and to request a victim's invalidation before eviction.
type Coherence interface {
	PermReq(isRead bool, addr uint64, procNum int) bool
	InvlReq(addr uint64, procNum int) bool
}

// Callback fires once a memory operation fully resolves (both halves
// of an unaligned split, and any coherence wait, complete).
type Callback func(procNum int, tag int64)

type line struct {
	tag       uint64
	valid     bool
	dirty     bool
	addr      uint64
	procNum   int
	timestamp uint64
}

type pendingRequest struct {
	tag         int64
	addr        uint64
	evictedAddr uint64
	procNum     int
	op          *trace.Op
	callback    Callback
}

// Config holds the parsed cache command-line flags.
type Config struct {
	SetBits     int  // -s
	BlockBits   int  // -b
	LinesPerSet int  // -E
	VictimSize  int  // -i, 0 disables the victim buffer
	RRIPBits    int  // -R, 0 disables RRIP (falls back to LRU)
	UseVictim   bool
	UseRRIP     bool
}

// ParseFlags registers and parses the cache's own flag set out of args,
// mirroring cacheSim.c's "E:s:b:i:R:" getopt string: each subsystem
// scavenges the same shared argument vector for only the letters it
// owns, ignoring the rest.
func ParseFlags(args []string) (Config, error) {
	fs := pflag.NewFlagSet("cache", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	setBits := fs.IntP("size", "s", 6, "log2 of set count")
	blockBits := fs.IntP("block", "b", 5, "log2 of block size in bytes")
	linesPerSet := fs.IntP("lines", "E", 4, "lines per set")
	victimSize := fs.IntP("victim", "i", 0, "victim buffer entries (0 disables)")
	rripBits := fs.IntP("rrip", "R", 0, "RRIP counter bits (0 disables, falls back to LRU)")

	if err := fs.Parse(args); err != nil {
		return Config{}, simerr.Wrap("cache", "ParseFlags", err)
	}

	cfg := Config{
		SetBits:     *setBits,
		BlockBits:   *blockBits,
		LinesPerSet: *linesPerSet,
		VictimSize:  *victimSize,
		RRIPBits:    *rripBits,
		UseVictim:   *victimSize > 0,
		UseRRIP:     *rripBits > 0,
	}
	if cfg.SetBits < 0 || cfg.BlockBits < 0 || cfg.LinesPerSet <= 0 {
		return Config{}, simerr.Config("cache", "ParseFlags", "-s/-b/-E must be non-negative with -E > 0")
	}
	return cfg, nil
}

// Cache is one processor's set-associative cache.
type Cache struct {
	cfg       Config
	blockSize uint64
	sets      [][]line
	victim    []line
	coher     Coherence
	procNum   int

	pendReq       []*pendingRequest // waiting on PermReq
	readyReq      []*pendingRequest // permission granted, ready to fire
	pendPermReq   []*pendingRequest // waiting on InvlReq of an evicted line
	readyPermReq  []*pendingRequest // invalidation resolved, retry PermReq

	accessCounter uint64
	victimCounter uint64

	Hits, Misses, VictimHits, Evictions uint64
}

// New builds a Cache for procNum from cfg, driving coherence decisions
// through coher.
func New(procNum int, cfg Config, coher Coherence) (*Cache, error) {
	if cfg.SetBits < 0 || cfg.BlockBits < 0 || cfg.LinesPerSet <= 0 {
		return nil, simerr.Config("cache", "New", "-s/-b/-E must be non-negative with -E > 0")
	}
	nsets := 1 << uint(cfg.SetBits)
	c := &Cache{
		cfg:       cfg,
		blockSize: 1 << uint(cfg.BlockBits),
		sets:      make([][]line, nsets),
		coher:     coher,
		procNum:   procNum,
	}
	for i := range c.sets {
		c.sets[i] = make([]line, cfg.LinesPerSet)
	}
	if cfg.UseVictim {
		if cfg.VictimSize <= 0 {
			return nil, simerr.Config("cache", "New", "-i victim size must be positive when enabled")
		}
		c.victim = make([]line, cfg.VictimSize)
	}
	return c, nil
}

func (c *Cache) getSet(addr uint64) uint64 {
	return (addr >> uint(c.cfg.BlockBits)) & ((1 << uint(c.cfg.SetBits)) - 1)
}

func (c *Cache) getTag(addr uint64) uint64 {
	return addr >> uint(c.cfg.BlockBits+c.cfg.SetBits)
}

func (c *Cache) getVictimTag(addr uint64) uint64 {
	return addr >> uint(c.cfg.BlockBits)
}

// MemoryRequest aligns op's address to the block size, splitting into
// two sub-requests when the access straddles a block boundary, and
// drives each through the cache pipeline. callback fires exactly once,
// after every resulting sub-request (and any coherence wait) resolves.
func (c *Cache) MemoryRequest(op *trace.Op, procNum int, tag int64, callback Callback) error {
	if op == nil || callback == nil {
		return simerr.Invariant("cache", "MemoryRequest", "nil op or callback")
	}
	mask := c.blockSize - 1
	addr := op.MemAddress
	if (addr&mask) != 0 && (addr&mask)+uint64(op.Size) > c.blockSize {
		addr1 := addr &^ mask
		addr2 := addr1 + c.blockSize
		pending := 2
		wrapped := func(p int, t int64) {
			pending--
			if pending == 0 {
				callback(p, t)
			}
		}
		c.cacheRequest(op, addr1, procNum, tag, wrapped)
		c.cacheRequest(op, addr2, procNum, tag, wrapped)
		return nil
	}
	c.cacheRequest(op, addr&^mask, procNum, tag, callback)
	return nil
}

func (c *Cache) cacheRequest(op *trace.Op, addr uint64, procNum int, tag int64, callback Callback) {
	pr := &pendingRequest{tag: tag, addr: addr, procNum: procNum, op: op, callback: callback}
	cacheTag := c.getTag(addr)
	set := c.sets[c.getSet(addr)]

	for i := range set {
		if set[i].valid && set[i].tag == cacheTag {
			if op.Kind == trace.MemStore {
				set[i].dirty = true
			}
			c.touch(&set[i])
			c.Hits++
			c.readyReq = append(c.readyReq, pr)
			return
		}
	}
	foundInVictim := false
	if c.cfg.UseVictim {
		if vl := c.findInVictimCache(addr); vl != nil {
			foundInVictim = true
			c.VictimHits++
			c.readyReq = append(c.readyReq, pr)
		}
	}
	if !foundInVictim {
		c.Misses++
	}

	setIdx := c.getSet(addr)
	if free := firstFreeWay(c.Occupancy(int(setIdx)), len(set)); free >= 0 {
		set[free] = line{
			valid:   true,
			tag:     cacheTag,
			dirty:   op.Kind == trace.MemStore,
			addr:    addr,
			procNum: procNum,
		}
		c.initTimestamp(&set[free])
		perm := c.coher.PermReq(op.Kind == trace.MemLoad, addr, procNum)
		c.accessCounter++
		if perm {
			c.readyReq = append(c.readyReq, pr)
		} else {
			c.pendReq = append(c.pendReq, pr)
		}
		return
	}

	victimIdx := 0
	for i := range set {
		if c.worseVictim(&set[i], &set[victimIdx]) {
			victimIdx = i
		}
	}

	if c.cfg.UseRRIP {
		c.ageRRIP(set, &set[victimIdx])
	}

	if c.cfg.UseVictim {
		c.placeInVictimCache(&set[victimIdx], pr, foundInVictim)
	} else {
		invl := c.coher.InvlReq(set[victimIdx].addr, set[victimIdx].procNum)
		pr.evictedAddr = set[victimIdx].addr
		if invl {
			c.pendPermReq = append(c.pendPermReq, pr)
		} else {
			c.readyPermReq = append(c.readyPermReq, pr)
		}
	}
	c.Evictions++

	set[victimIdx] = line{
		tag:     cacheTag,
		dirty:   op.Kind == trace.MemStore,
		addr:    addr,
		procNum: procNum,
		valid:   true,
	}
	c.initTimestamp(&set[victimIdx])
	c.accessCounter++
}

func (c *Cache) touch(l *line) {
	if c.cfg.UseRRIP {
		l.timestamp = 0
	} else {
		l.timestamp = c.accessCounter
		c.accessCounter++
	}
}

func (c *Cache) initTimestamp(l *line) {
	if c.cfg.UseRRIP {
		l.timestamp = uint64((1 << uint(c.cfg.RRIPBits)) - 2)
	} else {
		l.timestamp = c.accessCounter
	}
}

// worseVictim reports whether candidate is a worse (more evictable)
// choice than best: under RRIP the highest (furthest-from-reuse)
// timestamp wins, otherwise the oldest (lowest) timestamp does.
func (c *Cache) worseVictim(candidate, best *line) bool {
	if c.cfg.UseRRIP {
		return candidate.timestamp > best.timestamp
	}
	return candidate.timestamp < best.timestamp
}

// ageRRIP raises every line in the set by the distance needed to bring
// the chosen victim to its maximum distance, the RRIP "long" reuse
// prediction, before it is overwritten.
func (c *Cache) ageRRIP(set []line, victim *line) {
	maxVal := uint64((1 << uint(c.cfg.RRIPBits)) - 1)
	if victim.timestamp >= maxVal {
		return
	}
	diff := maxVal - victim.timestamp
	for i := range set {
		set[i].timestamp += diff
	}
}

func (c *Cache) findInVictimCache(addr uint64) *line {
	tag := c.getVictimTag(addr)
	for i := range c.victim {
		if c.victim[i].valid && c.victim[i].tag == tag {
			c.victim[i].valid = false
			return &c.victim[i]
		}
	}
	return nil
}

func (c *Cache) placeInVictimCache(evicted *line, pr *pendingRequest, isSwap bool) {
	tag := c.getVictimTag(evicted.addr)
	evictIdx := -1
	for i := range c.victim {
		if !c.victim[i].valid {
			c.victim[i] = line{tag: tag, valid: true, addr: evicted.addr, procNum: evicted.procNum, dirty: evicted.dirty, timestamp: c.victimCounter}
			c.victimCounter++
			if !isSwap {
				perm := c.coher.PermReq(pr.op.Kind == trace.MemLoad, pr.addr, pr.procNum)
				if perm {
					c.readyReq = append(c.readyReq, pr)
				} else {
					c.pendReq = append(c.pendReq, pr)
				}
			}
			return
		}
		if evictIdx == -1 || c.victim[i].timestamp < c.victim[evictIdx].timestamp {
			evictIdx = i
		}
	}

	invl := c.coher.InvlReq(c.victim[evictIdx].addr, c.victim[evictIdx].procNum)
	pr.evictedAddr = c.victim[evictIdx].addr
	if invl {
		c.pendPermReq = append(c.pendPermReq, pr)
	} else {
		c.readyPermReq = append(c.readyPermReq, pr)
	}

	c.victim[evictIdx] = line{tag: tag, valid: true, addr: evicted.addr, procNum: evicted.procNum, dirty: evicted.dirty, timestamp: c.victimCounter}
	c.victimCounter++
}

// CoherCallback is how the coherence directory notifies this cache
// that a previously blocked line has resolved: NoActionCB retries an
// eviction's invalidation wait, DataRecvCB retries a permission wait,
// InvalidateCB is acknowledged with no queue effect (this cache's copy
// is simply gone, already reflected in its own state table).
func (c *Cache) CoherCallback(t CallbackType, addr uint64, procNum int) error {
	switch t {
	case NoActionCB:
		idx := findPending(c.pendPermReq, func(pr *pendingRequest) bool {
			return pr.evictedAddr == addr && pr.procNum == procNum
		})
		if idx < 0 {
			return simerr.Invariant("cache", "CoherCallback", "no matching pendPermReq")
		}
		pr := c.pendPermReq[idx]
		c.pendPermReq = removeAt(c.pendPermReq, idx)
		c.readyPermReq = append(c.readyPermReq, pr)
	case DataRecvCB:
		idx := findPending(c.pendReq, func(pr *pendingRequest) bool {
			return pr.addr == addr && pr.procNum == procNum
		})
		if idx < 0 {
			return simerr.Invariant("cache", "CoherCallback", "no matching pendReq")
		}
		pr := c.pendReq[idx]
		c.pendReq = removeAt(c.pendReq, idx)
		c.readyReq = append(c.readyReq, pr)
	case InvalidateCB:
		// Handled by the coherence directory's own state table; the
		// cache has no queue bookkeeping to do here.
	}
	return nil
}

func findPending(q []*pendingRequest, match func(*pendingRequest) bool) int {
	for i, pr := range q {
		if match(pr) {
			return i
		}
	}
	return -1
}

func removeAt(q []*pendingRequest, i int) []*pendingRequest {
	return append(q[:i], q[i+1:]...)
}

// Tick retries blocked requests and fires callbacks for anything that
// has fully drained the pipeline, in FIFO order within each queue.
func (c *Cache) Tick() {
	readyPerm := c.readyPermReq
	c.readyPermReq = nil
	for _, pr := range readyPerm {
		perm := c.coher.PermReq(pr.op.Kind == trace.MemLoad, pr.addr, pr.procNum)
		if perm {
			c.readyReq = append(c.readyReq, pr)
		} else {
			c.pendReq = append(c.pendReq, pr)
		}
	}

	ready := c.readyReq
	c.readyReq = nil
	for _, pr := range ready {
		if c.drained() {
			pr.callback(pr.procNum, pr.tag)
		} else {
			// Not yet safe to signal completion while other requests
			// are still draining; re-queue behind them.
			c.readyReq = append(c.readyReq, pr)
		}
	}
}

func (c *Cache) drained() bool {
	return len(c.readyReq) == 0 && len(c.pendReq) == 0 && len(c.readyPermReq) == 0 && len(c.pendPermReq) == 0
}

// Occupancy reports a bitmap of valid ways in the given set, using the
// same trailing-zero-count idiom the core's scheduler uses to find free
// slots, here repurposed to find the first invalid (free) way quickly.
func (c *Cache) Occupancy(set int) uint64 {
	var bm uint64
	for i, l := range c.sets[set] {
		if l.valid {
			bm |= 1 << uint(i)
		}
	}
	return bm
}

// firstFreeWay finds the lowest-indexed invalid way in a set's
// occupancy bitmap, or -1 if the set is full.
func firstFreeWay(occupancy uint64, ways int) int {
	free := ^occupancy & ((1 << uint(ways)) - 1)
	if free == 0 {
		return -1
	}
	return bits.TrailingZeros64(free)
}
