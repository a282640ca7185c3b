package status

import (
	"sync/atomic"
)

//nolint:recvcheck // String() uses value receiver (called on State values), Get/Set use pointer receivers (atomic ops)
type State int32

const (
	Initial State = iota
	MigrateRows
	Checksum
	DropSource
	Close
	Done
	ErrCleanup
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case MigrateRows:
		return "migrateRows"
	case Checksum:
		return "checksum"
	case DropSource:
		return "dropSource"
	case Close:
		return "close"
	case Done:
		return "done"
	case ErrCleanup:
		return "errCleanup"
	}
	return "unknown"
}

// Get atomically reads the state.
func (s *State) Get() State {
	return State(atomic.LoadInt32((*int32)(s)))
}

// Set atomically replaces the state.
func (s *State) Set(newState State) {
	atomic.StoreInt32((*int32)(s), int32(newState))
}
