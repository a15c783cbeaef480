// Package coherence implements the snoop-based cache-coherence state
// tables: MI, MSI, MESI, MOESI, MESIF. Each protocol exposes two pure
// functions over a line's current state: one driven by this cache's own
// load/store request, one driven by a bus transaction snooped from
// another processor.
package coherence

import (
	"cadss/pkg/interconnect"
	"cadss/pkg/simerr"
)

// State is a cache line's coherence state. Transient states
// (InvalidShared, InvalidSharedExclusive, InvalidModified, SharedModified)
// represent a line waiting on an in-flight bus transaction to resolve.
type State int

const (
	Invalid State = iota
	Modified
	Shared
	Exclusive
	Owned
	Forward
	InvalidShared
	InvalidSharedExclusive
	InvalidModified
	SharedModified
)

func (s State) String() string {
	switch s {
	case Modified:
		return "M"
	case Invalid:
		return "I"
	case Shared:
		return "S"
	case Exclusive:
		return "E"
	case Owned:
		return "O"
	case Forward:
		return "F"
	case InvalidShared:
		return "IS"
	case InvalidSharedExclusive:
		return "ISE"
	case InvalidModified:
		return "IM"
	case SharedModified:
		return "SM"
	default:
		return "?"
	}
}

// Action tells the cache what to do with its line's data in response to
// a snooped transaction.
type Action int

const (
	NoAction Action = iota
	Invalidate
	DataRecv
)

// Scheme selects which protocol's tables Cache/Snoop consult.
type Scheme int

const (
	MI Scheme = iota
	MSI
	MESI
	MOESI
	MESIF
)

func ParseScheme(s string) (Scheme, error) {
	switch s {
	case "MI":
		return MI, nil
	case "MSI":
		return MSI, nil
	case "MESI":
		return MESI, nil
	case "MOESI":
		return MOESI, nil
	case "MESIF":
		return MESIF, nil
	default:
		return 0, simerr.Config("coherence", "ParseScheme", "unknown coherence scheme: "+s)
	}
}

// Bus is the narrow interface coherence needs from the interconnect to
// originate its own bus transactions.
type Bus interface {
	BusReq(t interconnect.ReqType, addr uint64, procNum int) error
}

// Protocol is the pair of state-transition functions a scheme supplies.
type Protocol struct {
	// Cache handles this processor's own request against the line's
	// current state, returning the new state. permAvail reports
	// whether the requested permission (read or read-write) is already
	// held, so the caller can proceed without waiting on the bus.
	Cache func(bus Bus, isRead bool, current State, addr uint64, procNum int) (next State, permAvail bool, err error)
	// Snoop handles a transaction from another processor observed on
	// the bus, returning the new state and the action the cache should
	// take with its line's data.
	Snoop func(bus Bus, reqType interconnect.ReqType, current State, addr uint64, procNum int) (next State, action Action, err error)
}

// For returns the Protocol implementing scheme.
func For(scheme Scheme) (Protocol, error) {
	switch scheme {
	case MI:
		return Protocol{Cache: cacheMI, Snoop: snoopMI}, nil
	case MSI:
		return Protocol{Cache: cacheMSI, Snoop: snoopMSI}, nil
	case MESI:
		return Protocol{Cache: cacheMESI, Snoop: snoopMESI}, nil
	case MOESI:
		return Protocol{Cache: cacheMOESI, Snoop: snoopMOESI}, nil
	case MESIF:
		return Protocol{Cache: cacheMESIF, Snoop: snoopMESIF}, nil
	default:
		return Protocol{}, simerr.Config("coherence", "For", "unsupported scheme")
	}
}

func invariant(op, msg string) error {
	return simerr.Invariant("coherence", op, msg)
}

// --- MI ---------------------------------------------------------------

func cacheMI(bus Bus, isRead bool, current State, addr uint64, procNum int) (State, bool, error) {
	switch current {
	case Invalid:
		if err := bus.BusReq(interconnect.BusRdX, addr, procNum); err != nil {
			return current, false, err
		}
		return InvalidModified, false, nil
	case Modified:
		return Modified, true, nil
	case InvalidModified:
		return InvalidModified, false, nil
	default:
		return Invalid, false, invariant("cacheMI", "unsupported state "+current.String())
	}
}

func snoopMI(bus Bus, reqType interconnect.ReqType, current State, addr uint64, procNum int) (State, Action, error) {
	switch current {
	case Invalid:
		return Invalid, NoAction, nil
	case Modified:
		if err := bus.BusReq(interconnect.Data, addr, procNum); err != nil {
			return current, NoAction, err
		}
		return Invalid, Invalidate, nil
	case InvalidModified:
		if reqType == interconnect.Data || reqType == interconnect.Shared {
			return Modified, DataRecv, nil
		}
		return InvalidModified, NoAction, nil
	default:
		return Invalid, NoAction, invariant("snoopMI", "unsupported state "+current.String())
	}
}

// --- MSI ---------------------------------------------------------------

func cacheMSI(bus Bus, isRead bool, current State, addr uint64, procNum int) (State, bool, error) {
	switch current {
	case Invalid:
		if isRead {
			if err := bus.BusReq(interconnect.BusRd, addr, procNum); err != nil {
				return current, false, err
			}
			return InvalidShared, false, nil
		}
		if err := bus.BusReq(interconnect.BusRdX, addr, procNum); err != nil {
			return current, false, err
		}
		return InvalidModified, false, nil
	case Shared:
		if isRead {
			return Shared, true, nil
		}
		if err := bus.BusReq(interconnect.BusRdX, addr, procNum); err != nil {
			return current, false, err
		}
		return SharedModified, false, nil
	case Modified:
		return Modified, true, nil
	case SharedModified:
		return SharedModified, isRead, nil
	case InvalidModified:
		return InvalidModified, false, nil
	case InvalidShared:
		if isRead {
			return InvalidShared, false, nil
		}
		if err := bus.BusReq(interconnect.BusRdX, addr, procNum); err != nil {
			return current, false, err
		}
		return InvalidModified, false, nil
	default:
		return Invalid, false, invariant("cacheMSI", "unsupported state "+current.String())
	}
}

func snoopMSI(bus Bus, reqType interconnect.ReqType, current State, addr uint64, procNum int) (State, Action, error) {
	switch current {
	case Invalid:
		return Invalid, NoAction, nil
	case Modified:
		if err := bus.BusReq(interconnect.Data, addr, procNum); err != nil {
			return current, NoAction, err
		}
		switch reqType {
		case interconnect.BusRd:
			return Shared, NoAction, nil
		case interconnect.BusRdX:
			return Invalid, Invalidate, nil
		default:
			return Modified, NoAction, nil
		}
	case Shared:
		if reqType == interconnect.BusRdX {
			return Invalid, Invalidate, nil
		}
		return Shared, NoAction, nil
	case SharedModified:
		if reqType == interconnect.Data {
			return Modified, DataRecv, nil
		}
		return SharedModified, NoAction, nil
	case InvalidModified:
		if reqType == interconnect.Data {
			return Modified, DataRecv, nil
		}
		return InvalidModified, NoAction, nil
	case InvalidShared:
		if reqType == interconnect.Data {
			return Shared, DataRecv, nil
		}
		return InvalidShared, NoAction, nil
	default:
		return Invalid, NoAction, invariant("snoopMSI", "unsupported state "+current.String())
	}
}

// --- MESI ---------------------------------------------------------------
//
// Extends MSI with Exclusive: a clean line fetched while no other cache
// holds a copy skips Shared, so a later store doesn't need a second bus
// transaction. Whether another cache shares the line is reported on the
// bus by the snooping side via a SHARED transaction, folded into the
// InvalidSharedExclusive transient state while the fetch is outstanding.

func cacheMESI(bus Bus, isRead bool, current State, addr uint64, procNum int) (State, bool, error) {
	switch current {
	case Invalid:
		if isRead {
			if err := bus.BusReq(interconnect.BusRd, addr, procNum); err != nil {
				return current, false, err
			}
			return InvalidSharedExclusive, false, nil
		}
		if err := bus.BusReq(interconnect.BusRdX, addr, procNum); err != nil {
			return current, false, err
		}
		return InvalidModified, false, nil
	case Shared:
		if isRead {
			return Shared, true, nil
		}
		if err := bus.BusReq(interconnect.BusRdX, addr, procNum); err != nil {
			return current, false, err
		}
		return SharedModified, false, nil
	case Exclusive:
		if isRead {
			return Exclusive, true, nil
		}
		return Modified, true, nil
	case Modified:
		return Modified, true, nil
	case SharedModified:
		return SharedModified, isRead, nil
	case InvalidModified:
		return InvalidModified, false, nil
	case InvalidSharedExclusive:
		return InvalidSharedExclusive, false, nil
	default:
		return Invalid, false, invariant("cacheMESI", "unsupported state "+current.String())
	}
}

func snoopMESI(bus Bus, reqType interconnect.ReqType, current State, addr uint64, procNum int) (State, Action, error) {
	switch current {
	case Invalid:
		return Invalid, NoAction, nil
	case Exclusive:
		if reqType == interconnect.BusRd {
			if err := bus.BusReq(interconnect.Shared, addr, procNum); err != nil {
				return current, NoAction, err
			}
			return Shared, NoAction, nil
		}
		if reqType == interconnect.BusRdX {
			return Invalid, Invalidate, nil
		}
		return Exclusive, NoAction, nil
	case Modified:
		if err := bus.BusReq(interconnect.Data, addr, procNum); err != nil {
			return current, NoAction, err
		}
		switch reqType {
		case interconnect.BusRd:
			return Shared, NoAction, nil
		case interconnect.BusRdX:
			return Invalid, Invalidate, nil
		default:
			return Modified, NoAction, nil
		}
	case Shared:
		if reqType == interconnect.BusRdX {
			return Invalid, Invalidate, nil
		}
		return Shared, NoAction, nil
	case SharedModified:
		if reqType == interconnect.Data {
			return Modified, DataRecv, nil
		}
		return SharedModified, NoAction, nil
	case InvalidModified:
		if reqType == interconnect.Data {
			return Modified, DataRecv, nil
		}
		return InvalidModified, NoAction, nil
	case InvalidSharedExclusive:
		switch reqType {
		case interconnect.Data:
			return Exclusive, DataRecv, nil
		case interconnect.Shared:
			return Shared, DataRecv, nil
		default:
			return InvalidSharedExclusive, NoAction, nil
		}
	default:
		return Invalid, NoAction, invariant("snoopMESI", "unsupported state "+current.String())
	}
}

// --- MOESI ---------------------------------------------------------------
//
// Extends MESI with Owned: a modified line that is snooped by a reader
// moves to Owned rather than writing back to memory immediately, since
// Owned still permits the holder to supply data on future reads without
// a round trip through the backend.

func cacheMOESI(bus Bus, isRead bool, current State, addr uint64, procNum int) (State, bool, error) {
	switch current {
	case Owned:
		if isRead {
			return Owned, true, nil
		}
		if err := bus.BusReq(interconnect.BusRdX, addr, procNum); err != nil {
			return current, false, err
		}
		return SharedModified, false, nil
	default:
		return cacheMESI(bus, isRead, current, addr, procNum)
	}
}

func snoopMOESI(bus Bus, reqType interconnect.ReqType, current State, addr uint64, procNum int) (State, Action, error) {
	switch current {
	case Modified:
		if err := bus.BusReq(interconnect.Data, addr, procNum); err != nil {
			return current, NoAction, err
		}
		switch reqType {
		case interconnect.BusRd:
			return Owned, NoAction, nil
		case interconnect.BusRdX:
			return Invalid, Invalidate, nil
		default:
			return Modified, NoAction, nil
		}
	case Owned:
		if err := bus.BusReq(interconnect.Data, addr, procNum); err != nil {
			return current, NoAction, err
		}
		if reqType == interconnect.BusRdX {
			return Invalid, Invalidate, nil
		}
		return Owned, NoAction, nil
	default:
		return snoopMESI(bus, reqType, current, addr, procNum)
	}
}

// --- MESIF ---------------------------------------------------------------
//
// Extends MESI with Forward: among several Shared copies, exactly one
// is designated Forward to answer future read snoops, so a shared line
// is not served by every sharer redundantly.

func cacheMESIF(bus Bus, isRead bool, current State, addr uint64, procNum int) (State, bool, error) {
	switch current {
	case Forward:
		if isRead {
			return Forward, true, nil
		}
		if err := bus.BusReq(interconnect.BusRdX, addr, procNum); err != nil {
			return current, false, err
		}
		return SharedModified, false, nil
	default:
		return cacheMESI(bus, isRead, current, addr, procNum)
	}
}

func snoopMESIF(bus Bus, reqType interconnect.ReqType, current State, addr uint64, procNum int) (State, Action, error) {
	switch current {
	case Forward:
		if reqType == interconnect.BusRd {
			if err := bus.BusReq(interconnect.SharedData, addr, procNum); err != nil {
				return current, NoAction, err
			}
			return Shared, NoAction, nil
		}
		if reqType == interconnect.BusRdX {
			return Invalid, Invalidate, nil
		}
		return Forward, NoAction, nil
	case InvalidSharedExclusive:
		if reqType == interconnect.SharedData {
			return Forward, DataRecv, nil
		}
		return snoopMESI(bus, reqType, current, addr, procNum)
	default:
		return snoopMESI(bus, reqType, current, addr, procNum)
	}
}
