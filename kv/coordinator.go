package kv

import (
	"context"

	"github.com/bootjp/consensuscommit/store"
	"github.com/cockroachdb/errors"
)

// State is the decision recorded for a transaction.
type State struct {
	ID        string
	TxState   TransactionState
	CreatedAt uint64
}

func NewState(id string, s TransactionState) State {
	return State{ID: id, TxState: s}
}

func (s State) validate() error {
	if s.ID == "" {
		return errors.WithStack(ErrTxIDRequired)
	}
	if !s.TxState.IsDecision() {
		return errors.Wrapf(ErrInvalidState, "%s is not a decision", s.TxState)
	}
	return nil
}

// Coordinator records the outcome of transactions in a strongly consistent
// status store. Every error it returns is marked with ErrCoordinator.
type Coordinator interface {
	// PutState records s only if no state exists for s.ID yet. A second
	// write for the same id fails.
	PutState(ctx context.Context, s State) error
	// GetState returns the recorded decision. The boolean is false when no
	// decision has been recorded.
	GetState(ctx context.Context, id string) (State, bool, error)
}

const (
	CoordinatorNamespace = "coordinator"
	CoordinatorTable     = "state"
	coordinatorIDColumn  = "tx_id"
)

// StorageCoordinator keeps decisions in a table of the same storage layer the
// data lives in. Put-if-absent comes from an IfNotExists condition on a
// single-record partition.
type StorageCoordinator struct {
	store store.Store
}

func NewStorageCoordinator(st store.Store) *StorageCoordinator {
	return &StorageCoordinator{store: st}
}

var _ Coordinator = (*StorageCoordinator)(nil)

func stateTarget(id string) store.Target {
	return store.NewTarget(
		CoordinatorNamespace,
		CoordinatorTable,
		store.NewKey(store.Text(coordinatorIDColumn, id)),
		store.Key{},
	)
}

func (c *StorageCoordinator) PutState(ctx context.Context, s State) error {
	if err := s.validate(); err != nil {
		return coordinatorError(err, "put state")
	}
	p := store.NewPut(stateTarget(s.ID), map[string][]byte{
		attrState:       encodeState(s.TxState),
		attrCommittedAt: encodeUint64(s.CreatedAt),
	}).WithCondition(store.IfNotExists())

	err := c.store.Mutate(ctx, []store.Mutation{p})
	if errors.Is(err, store.ErrNoMutation) {
		err = errors.Mark(err, ErrStateAlreadyExists)
	}
	return coordinatorError(err, "put state %s for %s", s.TxState, s.ID)
}

func (c *StorageCoordinator) GetState(ctx context.Context, id string) (State, bool, error) {
	r, err := c.store.Get(ctx, stateTarget(id))
	if errors.Is(err, store.ErrKeyNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, coordinatorError(err, "get state for %s", id)
	}

	raw, _ := r.Value(attrState)
	st, err := decodeState(raw)
	if err != nil {
		return State{}, false, coordinatorError(err, "decode state for %s", id)
	}
	var createdAt uint64
	if raw, ok := r.Value(attrCommittedAt); ok {
		if createdAt, err = decodeUint64(raw); err != nil {
			return State{}, false, coordinatorError(err, "decode state for %s", id)
		}
	}
	return State{ID: id, TxState: st, CreatedAt: createdAt}, true, nil
}
