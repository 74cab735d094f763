package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bootjp/consensuscommit/kv"
	"github.com/bootjp/consensuscommit/store"
	"github.com/cockroachdb/errors"
)

const (
	selfCheckNamespace = "system"
	selfCheckTable     = "self_check"
)

var ErrSelfCheckMismatch = errors.New("self check read back unexpected data")

func selfCheckTarget(node, partition string) store.Target {
	return store.NewTarget(selfCheckNamespace, selfCheckTable,
		store.NewKey(store.Text("node", node), store.Text("partition", partition)),
		store.Key{},
	)
}

// runSelfCheck commits a transaction spanning two partitions and reads it
// back, proving storage, coordinator and commit handler are wired together.
func runSelfCheck(ctx context.Context, st store.Store, h *kv.CommitHandler, clock kv.Clock, node string) error {
	txID := fmt.Sprintf("self-check-%s-%d", node, clock.Now())
	snap := kv.NewSnapshot(txID)

	targets := []store.Target{selfCheckTarget(node, "a"), selfCheckTarget(node, "b")}
	for _, t := range targets {
		r, err := st.Get(ctx, t)
		switch {
		case errors.Is(err, store.ErrKeyNotFound):
			r = nil
		case err != nil:
			return errors.WithStack(err)
		}
		if err := snap.RecordRead(t, r); err != nil {
			return err
		}
		if err := snap.Put(store.NewPut(t, map[string][]byte{"probe": []byte(txID)})); err != nil {
			return err
		}
	}

	if err := h.Commit(ctx, snap); err != nil {
		return errors.Wrap(err, "self check commit")
	}

	for _, t := range targets {
		r, err := st.Get(ctx, t)
		if err != nil {
			return errors.WithStack(err)
		}
		if kv.RecordTxID(r) != txID {
			return errors.Wrapf(ErrSelfCheckMismatch, "%s written by %q", t.PartitionKey.Columns[1].Value, kv.RecordTxID(r))
		}
	}
	slog.InfoContext(ctx, "self check committed", slog.String("tx_id", txID))
	return nil
}
