package kv

import (
	"context"
	"log/slog"
	"os"

	"github.com/bootjp/consensuscommit/store"
	"github.com/cockroachdb/errors"
)

// RecoveryHandler erases the tentative writes of an aborted transaction.
// It is only invoked once the transaction is known to be ABORTED. Failures
// leave prepared records behind; they stay invisible to readers that consult
// the coordinator and are cleaned up by read-repair.
type RecoveryHandler interface {
	Rollback(ctx context.Context, snap *Snapshot) error
}

type recoveryHandler struct {
	store store.Store
	log   *slog.Logger
}

func NewRecoveryHandler(st store.Store) RecoveryHandler {
	return &recoveryHandler{
		store: st,
		log:   slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})),
	}
}

// Rollback tries every partition group even if some fail. A group whose
// guard does not match holds nothing of ours, either because its prepare
// never landed or because it was already rolled back, and is skipped.
func (r *recoveryHandler) Rollback(ctx context.Context, snap *Snapshot) error {
	var errs error
	for _, g := range snap.PartitionGroups() {
		err := r.store.Mutate(ctx, composeRollback(snap, g))
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNoMutation):
			r.log.DebugContext(ctx, "nothing to roll back",
				slog.String("tx_id", snap.ID()),
			)
		default:
			errs = errors.CombineErrors(errs, errors.WithStack(err))
		}
	}
	if errs != nil {
		return errors.Wrapf(errs, "rollback %s", snap.ID())
	}
	return nil
}
