// Package memory models the backing store at the far end of the
// interconnect: a flat array with a fixed access latency, exposed as a
// countdown-based request queue rather than a synchronous call, since
// every other component in this simulator advances strictly by tick().
package memory

import "cadss/pkg/simerr"

// DefaultLatency is the fixed number of ticks a backend access takes
// before its callback fires, independent of address or request type.
const DefaultLatency = 100

// Callback is invoked once a pending request's countdown reaches zero.
type Callback func(addr uint64, procNum int)

type pendingRequest struct {
	addr     uint64
	procNum  int
	remain   int
	cb       Callback
}

// Memory is the flat backing store. A Request enqueues a countdown;
// Tick decrements every pending request and fires callbacks that reach
// zero, in the order they were enqueued (FIFO, matching the teacher's
// linked-queue pending-request idiom used throughout this simulator).
type Memory struct {
	words   []uint64
	latency int
	pending []*pendingRequest

	Loads  uint64
	Stores uint64
}

// New builds a Memory backed by sizeBytes of flat storage (rounded up
// to the nearest 8-byte word) with the given fixed access latency.
func New(sizeBytes uint64, latency int) *Memory {
	if latency <= 0 {
		latency = DefaultLatency
	}
	words := sizeBytes / 8
	if sizeBytes%8 != 0 {
		words++
	}
	return &Memory{
		words:   make([]uint64, words),
		latency: latency,
	}
}

func (m *Memory) wordIndex(addr uint64) uint64 {
	return addr >> 3
}

// Load reads the 64-bit word backing addr. Out-of-range addresses read
// as zero rather than faulting: trace-driven addresses are synthetic
// and not guaranteed to fit a small simulated address space.
func (m *Memory) Load(addr uint64) uint64 {
	idx := m.wordIndex(addr)
	if idx >= uint64(len(m.words)) {
		return 0
	}
	return m.words[idx]
}

// Store writes the 64-bit word backing addr, a no-op if out of range.
func (m *Memory) Store(addr uint64, value uint64) {
	idx := m.wordIndex(addr)
	if idx >= uint64(len(m.words)) {
		return
	}
	m.words[idx] = value
}

// BusReq enqueues a backend access for addr on behalf of procNum and
// returns the latency (in ticks) before cb fires. The access itself
// (Load/Store side effects) is the caller's responsibility; Memory only
// models the timing of reaching the backing store.
func (m *Memory) BusReq(addr uint64, procNum int, cb Callback) (int, error) {
	if cb == nil {
		return 0, simerr.Invariant("memory", "BusReq", "nil callback")
	}
	m.pending = append(m.pending, &pendingRequest{
		addr:    addr,
		procNum: procNum,
		remain:  m.latency,
		cb:      cb,
	})
	return m.latency, nil
}

// Tick advances every pending request by one cycle, firing and
// dequeuing any that reach zero, oldest-enqueued first.
func (m *Memory) Tick() {
	if len(m.pending) == 0 {
		return
	}
	remaining := m.pending[:0]
	for _, req := range m.pending {
		req.remain--
		if req.remain <= 0 {
			req.cb(req.addr, req.procNum)
		} else {
			remaining = append(remaining, req)
		}
	}
	m.pending = remaining
}

// Pending reports how many backend accesses are still in flight.
func (m *Memory) Pending() int {
	return len(m.pending)
}
