package kv

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bootjp/consensuscommit/store"
	"github.com/stretchr/testify/require"
)

type testCluster struct {
	store store.Store
	coord Coordinator
	h     *CommitHandler
}

func newTestCluster(t *testing.T, st store.Store, opts ...CommitHandlerOption) *testCluster {
	t.Helper()
	coord := NewStorageCoordinator(st)
	return &testCluster{
		store: st,
		coord: coord,
		h:     NewCommitHandler(st, coord, NewRecoveryHandler(st), opts...),
	}
}

// begin starts a snapshot that has read every target.
func (c *testCluster) begin(t *testing.T, id string, targets ...store.Target) *Snapshot {
	t.Helper()
	s := NewSnapshot(id)
	for _, tg := range targets {
		r, err := c.store.Get(context.Background(), tg)
		if err != nil {
			require.ErrorIs(t, err, store.ErrKeyNotFound)
			r = nil
		}
		require.NoError(t, s.RecordRead(tg, r))
	}
	return s
}

func (c *testCluster) requireCommitted(t *testing.T, tg store.Target, txID, value string) {
	t.Helper()
	r, err := c.store.Get(context.Background(), tg)
	require.NoError(t, err)
	state, err := RecordState(r)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, state)
	require.Equal(t, txID, RecordTxID(r))
	v, _ := r.Value("name3")
	require.Equal(t, value, string(v))
}

func TestCommitEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stores := map[string]func(t *testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return store.NewMemoryStore() },
		"sharded bolt": func(t *testing.T) store.Store {
			var shards []store.Store
			for i := 0; i < 2; i++ {
				s, err := store.NewBoltStore(fmt.Sprintf("%s/shard-%d.db", t.TempDir(), i))
				require.NoError(t, err)
				shards = append(shards, s)
			}
			s, err := store.NewShardedStore(shards...)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}

	for name, open := range stores {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := newTestCluster(t, open(t))

			a := testPut("alice", "balance", "100")
			b := testPut("bob", "balance", "50")

			s1 := c.begin(t, "tx-1", a.Target, b.Target)
			require.NoError(t, s1.Put(a))
			require.NoError(t, s1.Put(b))
			require.NoError(t, c.h.Commit(ctx, s1))

			c.requireCommitted(t, a.Target, "tx-1", "100")
			c.requireCommitted(t, b.Target, "tx-1", "50")
			st, ok, err := c.coord.GetState(ctx, "tx-1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, StateCommitted, st.TxState)

			// tx-2 and tx-3 both read tx-1's records. tx-2 commits first, so
			// tx-3's prepare of alice loses and its bob write never lands.
			s2 := c.begin(t, "tx-2", a.Target)
			s3 := c.begin(t, "tx-3", b.Target, a.Target)
			require.NoError(t, s2.Put(testPut("alice", "balance", "90")))
			require.NoError(t, s3.Put(testPut("bob", "balance", "60")))
			require.NoError(t, s3.Put(testPut("alice", "balance", "80")))

			require.NoError(t, c.h.Commit(ctx, s2))
			err = c.h.Commit(ctx, s3)
			require.ErrorIs(t, err, ErrCommitConflict)
			require.ErrorIs(t, err, store.ErrNoMutation)

			c.requireCommitted(t, a.Target, "tx-2", "90")
			c.requireCommitted(t, b.Target, "tx-1", "50")

			st, ok, err = c.coord.GetState(ctx, "tx-3")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, StateAborted, st.TxState)
		})
	}
}

func TestCommitConcurrentWritersOneWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCluster(t, store.NewMemoryStore(), WithParallelPrepare())

	shared := testPut("shared", "row", "seed")
	seed := c.begin(t, "seed", shared.Target)
	require.NoError(t, seed.Put(shared))
	require.NoError(t, c.h.Commit(ctx, seed))

	const writers = 8
	snaps := make([]*Snapshot, writers)
	for i := range snaps {
		id := fmt.Sprintf("writer-%d", i)
		snaps[i] = c.begin(t, id, shared.Target)
		require.NoError(t, snaps[i].Put(testPut("shared", "row", id)))
		require.NoError(t, snaps[i].Put(testPut(id, "row", id)))
	}

	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range snaps {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.h.Commit(ctx, snaps[i])
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "two writers committed")
			winner = i
			continue
		}
		require.ErrorIs(t, err, ErrCommitConflict)

		// The loser's private row is rolled back.
		_, gerr := c.store.Get(ctx, testPut(snaps[i].ID(), "row", "").Target)
		require.ErrorIs(t, gerr, store.ErrKeyNotFound)
	}
	require.NotEqual(t, -1, winner)
	c.requireCommitted(t, shared.Target, snaps[winner].ID(), snaps[winner].ID())
}
