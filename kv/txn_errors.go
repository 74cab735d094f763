package kv

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrCommitConflict matches commits aborted because a prepare write lost a
	// write-write race. Retrying the whole transaction may succeed.
	ErrCommitConflict = errors.New("commit conflict")
	// ErrCommitFailed matches commits that are known to be aborted.
	ErrCommitFailed = errors.New("commit failed")
	// ErrUnknownTransactionStatus matches commits whose outcome could not be
	// determined. The writes may be committed.
	ErrUnknownTransactionStatus = errors.New("unknown transaction status")
	// ErrCoordinator marks every failure reported by a Coordinator.
	ErrCoordinator = errors.New("coordinator error")
	// ErrStateAlreadyExists is returned when a decision is already recorded.
	ErrStateAlreadyExists = errors.New("transaction state already exists")
)

// CommitErrorKind classifies a failed commit.
type CommitErrorKind int

const (
	KindConflict CommitErrorKind = iota
	KindFailed
	KindUnknownStatus
)

func (k CommitErrorKind) sentinel() error {
	switch k {
	case KindConflict:
		return ErrCommitConflict
	case KindFailed:
		return ErrCommitFailed
	case KindUnknownStatus:
		return ErrUnknownTransactionStatus
	}
	return ErrCommitFailed
}

func (k CommitErrorKind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindFailed:
		return "failed"
	case KindUnknownStatus:
		return "unknown"
	}
	return fmt.Sprintf("CommitErrorKind(%d)", int(k))
}

// CommitError is the only error type Commit returns. Kind says what the
// caller may assume about the data; Cause is the storage or coordinator error
// that led there.
type CommitError struct {
	TxID  string
	Kind  CommitErrorKind
	Cause error
}

func newCommitError(txID string, kind CommitErrorKind, cause error) *CommitError {
	return &CommitError{TxID: txID, Kind: kind, Cause: cause}
}

func (e *CommitError) Error() string {
	msg := fmt.Sprintf("%s: tx %s", e.Kind.sentinel().Error(), e.TxID)
	if e.Cause == nil {
		return msg
	}
	return msg + ": " + e.Cause.Error()
}

func (e *CommitError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the error's kind.
func (e *CommitError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// IsCommitConflict reports whether err is a conflict abort.
func IsCommitConflict(err error) bool {
	return errors.Is(err, ErrCommitConflict)
}

// IsUnknownTransactionStatus reports whether the outcome of err's commit is
// undetermined.
func IsUnknownTransactionStatus(err error) bool {
	return errors.Is(err, ErrUnknownTransactionStatus)
}

func coordinatorError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrCoordinator)
}
