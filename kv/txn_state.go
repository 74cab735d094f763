package kv

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

// TransactionState is the lifecycle state of a transaction. Records carry
// StatePrepared until finalized; the coordinator only ever stores one of the
// two decisions, StateCommitted or StateAborted.
type TransactionState int32

const (
	StateUnknown TransactionState = iota
	StatePrepared
	StateCommitted
	StateAborted
)

var ErrInvalidState = errors.New("invalid transaction state")

func (s TransactionState) String() string {
	switch s {
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	case StateUnknown:
		return "UNKNOWN"
	}
	return "TransactionState(" + strconv.Itoa(int(s)) + ")"
}

// IsDecision reports whether s can be recorded by a coordinator.
func (s TransactionState) IsDecision() bool {
	return s == StateCommitted || s == StateAborted
}
