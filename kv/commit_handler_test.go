package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bootjp/consensuscommit/store"
	"github.com/stretchr/testify/require"
)

const (
	anyNamespace = "keyspace"
	anyTable     = "table"
	anyID        = "id"
)

// recordingStore records every batch and fails the calls listed in errs,
// indexed by call order.
type recordingStore struct {
	mu      sync.Mutex
	batches [][]store.Mutation
	errs    map[int]error
	failAll error
}

func (s *recordingStore) Get(_ context.Context, _ store.Target) (*store.Record, error) {
	return nil, store.ErrKeyNotFound
}

func (s *recordingStore) Scan(_ context.Context, _, _ string, _ store.Key) ([]*store.Record, error) {
	return nil, nil
}

func (s *recordingStore) Mutate(_ context.Context, muts []store.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := len(s.batches)
	s.batches = append(s.batches, muts)
	if s.failAll != nil {
		return s.failAll
	}
	return s.errs[call]
}

func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// scriptedCoordinator fails PutState for the listed decisions and answers
// GetState with a fixed result.
type scriptedCoordinator struct {
	mu       sync.Mutex
	putErrs  map[TransactionState]error
	getState *State
	getErr   error

	puts []State
	gets []string
}

func (c *scriptedCoordinator) PutState(_ context.Context, s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = append(c.puts, s)
	return c.putErrs[s.TxState]
}

func (c *scriptedCoordinator) GetState(_ context.Context, id string) (State, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets = append(c.gets, id)
	if c.getErr != nil {
		return State{}, false, c.getErr
	}
	if c.getState == nil {
		return State{}, false, nil
	}
	return *c.getState, true, nil
}

func (c *scriptedCoordinator) putCount(s TransactionState) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.puts {
		if p.TxState == s {
			n++
		}
	}
	return n
}

type recordingRecovery struct {
	mu        sync.Mutex
	snapshots []*Snapshot
	err       error
}

func (r *recordingRecovery) Rollback(_ context.Context, snap *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snap)
	return r.err
}

func (r *recordingRecovery) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func testPut(partition, clustering string, value string) *store.Put {
	return store.NewPut(
		store.NewTarget(anyNamespace, anyTable,
			store.NewKey(store.Text("name1", partition)),
			store.NewKey(store.Text("name2", clustering)),
		),
		map[string][]byte{"name3": []byte(value)},
	)
}

func differentPartitionSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	s := NewSnapshot(anyID)
	require.NoError(t, s.Put(testPut("text1", "text2", "100")))
	require.NoError(t, s.Put(testPut("text3", "text4", "200")))
	return s
}

func samePartitionSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	s := NewSnapshot(anyID)
	require.NoError(t, s.Put(testPut("text1", "text2", "100")))
	require.NoError(t, s.Put(testPut("text1", "text3", "200")))
	return s
}

func committed() *State {
	s := NewState(anyID, StateCommitted)
	return &s
}

func aborted() *State {
	s := NewState(anyID, StateAborted)
	return &s
}

func TestCommit_DifferentPartitions_CommitsRespectively(t *testing.T) {
	t.Parallel()
	st := &recordingStore{}
	coord := &scriptedCoordinator{}
	rec := &recordingRecovery{}
	h := NewCommitHandler(st, coord, rec)

	require.NoError(t, h.Commit(context.Background(), differentPartitionSnapshot(t)))

	require.Equal(t, 4, st.calls())
	require.Equal(t, 1, coord.putCount(StateCommitted))
	require.Len(t, coord.puts, 1)
	require.Equal(t, anyID, coord.puts[0].ID)
	require.NotZero(t, coord.puts[0].CreatedAt)
	require.Zero(t, rec.calls())
}

func TestCommit_SamePartition_CommitsAtOnce(t *testing.T) {
	t.Parallel()
	st := &recordingStore{}
	coord := &scriptedCoordinator{}
	h := NewCommitHandler(st, coord, &recordingRecovery{})

	require.NoError(t, h.Commit(context.Background(), samePartitionSnapshot(t)))

	require.Equal(t, 2, st.calls())
	require.Len(t, st.batches[0], 2)
	require.Equal(t, 1, coord.putCount(StateCommitted))
}

func TestCommit_PrepareAndFinalizeBatchesCarryProtocolColumns(t *testing.T) {
	t.Parallel()
	st := &recordingStore{}
	h := NewCommitHandler(st, &scriptedCoordinator{}, &recordingRecovery{})

	require.NoError(t, h.Commit(context.Background(), differentPartitionSnapshot(t)))
	require.Len(t, st.batches, 4)

	for _, batch := range st.batches[:2] {
		p, ok := batch[0].(*store.Put)
		require.True(t, ok)
		require.Equal(t, []byte(anyID), p.Values[attrID])
		require.Equal(t, encodeState(StatePrepared), p.Values[attrState])
		require.Equal(t, store.ConditionIfNotExists, p.Condition.Kind)
	}
	for _, batch := range st.batches[2:] {
		p, ok := batch[0].(*store.Put)
		require.True(t, ok)
		require.Equal(t, encodeState(StateCommitted), p.Values[attrState])
		require.Equal(t, store.ConditionIf, p.Condition.Kind)
	}
}

func TestCommit_NoMutationInPrepare_ReturnsConflict(t *testing.T) {
	t.Parallel()
	snap := differentPartitionSnapshot(t)
	cause := fmt.Errorf("conditional put: %w", store.ErrNoMutation)
	st := &recordingStore{failAll: cause}
	coord := &scriptedCoordinator{}
	rec := &recordingRecovery{}
	h := NewCommitHandler(st, coord, rec)

	err := h.Commit(context.Background(), snap)
	require.ErrorIs(t, err, ErrCommitConflict)
	require.ErrorIs(t, err, cause)
	require.True(t, IsCommitConflict(err))

	require.Equal(t, 1, coord.putCount(StateAborted))
	require.Zero(t, coord.putCount(StateCommitted))
	require.Equal(t, []*Snapshot{snap}, rec.snapshots)
	require.Equal(t, 1, st.calls())
}

func TestCommit_ErrorInPrepare_AbortsAndRollsBack(t *testing.T) {
	t.Parallel()
	snap := differentPartitionSnapshot(t)
	cause := errors.New("storage unavailable")
	st := &recordingStore{errs: map[int]error{0: cause}}
	coord := &scriptedCoordinator{}
	rec := &recordingRecovery{}
	h := NewCommitHandler(st, coord, rec)

	err := h.Commit(context.Background(), snap)
	require.ErrorIs(t, err, ErrCommitFailed)
	require.NotErrorIs(t, err, ErrCommitConflict)
	require.ErrorIs(t, err, cause)

	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindFailed, ce.Kind)
	require.Equal(t, anyID, ce.TxID)

	require.Equal(t, 1, coord.putCount(StateAborted))
	require.Zero(t, coord.putCount(StateCommitted))
	require.Equal(t, []*Snapshot{snap}, rec.snapshots)
}

func TestCommit_SecondGroupFailsInPrepare_StopsAndAborts(t *testing.T) {
	t.Parallel()
	st := &recordingStore{errs: map[int]error{1: store.ErrNoMutation}}
	coord := &scriptedCoordinator{}
	rec := &recordingRecovery{}
	h := NewCommitHandler(st, coord, rec)

	err := h.Commit(context.Background(), differentPartitionSnapshot(t))
	require.ErrorIs(t, err, ErrCommitConflict)
	require.Equal(t, 2, st.calls())
	require.Equal(t, 1, rec.calls())
	require.Zero(t, coord.putCount(StateCommitted))
}

func TestCommit_PrepareFailsAndAbortDecisionFails(t *testing.T) {
	t.Parallel()
	coordErr := errors.New("coordinator down")

	cases := []struct {
		name         string
		getState     *State
		getErr       error
		wantKind     error
		wantRollback int
	}{
		{name: "aborted read back", getState: aborted(), wantKind: ErrCommitFailed, wantRollback: 1},
		{name: "committed read back", getState: committed(), wantKind: ErrCommitFailed, wantRollback: 0},
		{name: "nothing read back", wantKind: ErrUnknownTransactionStatus, wantRollback: 0},
		{name: "read fails", getErr: coordErr, wantKind: ErrUnknownTransactionStatus, wantRollback: 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cause := errors.New("prepare failed")
			st := &recordingStore{failAll: cause}
			coord := &scriptedCoordinator{
				putErrs:  map[TransactionState]error{StateAborted: coordErr},
				getState: tc.getState,
				getErr:   tc.getErr,
			}
			rec := &recordingRecovery{}
			h := NewCommitHandler(st, coord, rec)

			err := h.Commit(context.Background(), differentPartitionSnapshot(t))
			require.ErrorIs(t, err, tc.wantKind)
			require.ErrorIs(t, err, cause)

			require.Equal(t, 1, coord.putCount(StateAborted))
			require.Zero(t, coord.putCount(StateCommitted))
			require.Equal(t, []string{anyID}, coord.gets)
			require.Equal(t, tc.wantRollback, rec.calls())
		})
	}
}

func TestCommit_CommitDecisionFailsAndAbortSucceeds_RollsBack(t *testing.T) {
	t.Parallel()
	snap := differentPartitionSnapshot(t)
	coordErr := errors.New("commit decision lost")
	st := &recordingStore{}
	coord := &scriptedCoordinator{putErrs: map[TransactionState]error{StateCommitted: coordErr}}
	rec := &recordingRecovery{}
	h := NewCommitHandler(st, coord, rec)

	err := h.Commit(context.Background(), snap)
	require.ErrorIs(t, err, ErrCommitFailed)
	require.ErrorIs(t, err, coordErr)

	require.Equal(t, 2, st.calls(), "no finalize batches")
	require.Equal(t, 1, coord.putCount(StateCommitted))
	require.Equal(t, 1, coord.putCount(StateAborted))
	require.Empty(t, coord.gets)
	require.Equal(t, []*Snapshot{snap}, rec.snapshots)
}

func TestCommit_CommitAndAbortDecisionsFail(t *testing.T) {
	t.Parallel()
	coordErr := errors.New("coordinator down")

	cases := []struct {
		name         string
		getState     *State
		getErr       error
		wantErr      error
		wantCalls    int
		wantRollback int
	}{
		{name: "committed read back", getState: committed(), wantErr: nil, wantCalls: 4, wantRollback: 0},
		{name: "aborted read back", getState: aborted(), wantErr: ErrCommitFailed, wantCalls: 2, wantRollback: 1},
		{name: "nothing read back", wantErr: ErrUnknownTransactionStatus, wantCalls: 2, wantRollback: 0},
		{name: "read fails", getErr: coordErr, wantErr: ErrUnknownTransactionStatus, wantCalls: 2, wantRollback: 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := &recordingStore{}
			coord := &scriptedCoordinator{
				putErrs: map[TransactionState]error{
					StateCommitted: coordErr,
					StateAborted:   coordErr,
				},
				getState: tc.getState,
				getErr:   tc.getErr,
			}
			rec := &recordingRecovery{}
			h := NewCommitHandler(st, coord, rec)

			err := h.Commit(context.Background(), differentPartitionSnapshot(t))
			if tc.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.wantErr)
			}

			require.Equal(t, tc.wantCalls, st.calls())
			require.Equal(t, 1, coord.putCount(StateCommitted))
			require.Equal(t, 1, coord.putCount(StateAborted))
			require.Equal(t, []string{anyID}, coord.gets)
			require.Equal(t, tc.wantRollback, rec.calls())
		})
	}
}

func TestCommit_ErrorInFinalize_IsIgnored(t *testing.T) {
	t.Parallel()
	st := &recordingStore{errs: map[int]error{2: errors.New("finalize failed")}}
	coord := &scriptedCoordinator{}
	rec := &recordingRecovery{}
	h := NewCommitHandler(st, coord, rec)

	require.NoError(t, h.Commit(context.Background(), differentPartitionSnapshot(t)))

	require.Equal(t, 3, st.calls(), "remaining finalize batches are skipped")
	require.Equal(t, 1, coord.putCount(StateCommitted))
	require.Zero(t, coord.putCount(StateAborted))
	require.Zero(t, rec.calls())
}

func TestCommit_RollbackErrorIsNotSurfaced(t *testing.T) {
	t.Parallel()
	cause := errors.New("prepare failed")
	st := &recordingStore{failAll: cause}
	rec := &recordingRecovery{err: errors.New("rollback failed")}
	h := NewCommitHandler(st, &scriptedCoordinator{}, rec)

	err := h.Commit(context.Background(), differentPartitionSnapshot(t))
	require.ErrorIs(t, err, ErrCommitFailed)
	require.ErrorIs(t, err, cause)
	require.Equal(t, 1, rec.calls())
}

func TestCommit_EmptySnapshotStillRecordsDecision(t *testing.T) {
	t.Parallel()
	st := &recordingStore{}
	coord := &scriptedCoordinator{}
	h := NewCommitHandler(st, coord, &recordingRecovery{})

	require.NoError(t, h.Commit(context.Background(), NewSnapshot(anyID)))
	require.Zero(t, st.calls())
	require.Equal(t, 1, coord.putCount(StateCommitted))
}

func TestCommit_SealsSnapshot(t *testing.T) {
	t.Parallel()
	h := NewCommitHandler(&recordingStore{}, &scriptedCoordinator{}, &recordingRecovery{})
	snap := differentPartitionSnapshot(t)

	require.NoError(t, h.Commit(context.Background(), snap))
	require.True(t, snap.Sealed())
	require.ErrorIs(t, snap.Put(testPut("x", "y", "1")), ErrSnapshotSealed)

	err := h.Commit(context.Background(), snap)
	require.ErrorIs(t, err, ErrCommitFailed)
	require.ErrorIs(t, err, ErrSnapshotSealed)

	require.ErrorIs(t, h.Commit(context.Background(), NewSnapshot("")), ErrTxIDRequired)
}

func TestCommit_IgnoresCallerCancellation(t *testing.T) {
	t.Parallel()
	st := &recordingStore{}
	coord := &scriptedCoordinator{}
	h := NewCommitHandler(st, coord, &recordingRecovery{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Commit(ctx, differentPartitionSnapshot(t)))
	require.Equal(t, 4, st.calls())
}

func TestCommit_ParallelPrepare(t *testing.T) {
	t.Parallel()

	snap := NewSnapshot(anyID)
	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, snap.Put(testPut(p, "1", "v")))
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		st := &recordingStore{}
		coord := &scriptedCoordinator{}
		h := NewCommitHandler(st, coord, &recordingRecovery{}, WithParallelPrepare())

		s := NewSnapshot(anyID)
		for _, p := range snap.Puts() {
			require.NoError(t, s.Put(p))
		}
		require.NoError(t, h.Commit(context.Background(), s))
		require.Equal(t, 8, st.calls())
		require.Equal(t, 1, coord.putCount(StateCommitted))
	})

	t.Run("any failure aborts", func(t *testing.T) {
		t.Parallel()
		st := &recordingStore{failAll: store.ErrNoMutation}
		coord := &scriptedCoordinator{}
		rec := &recordingRecovery{}
		h := NewCommitHandler(st, coord, rec, WithParallelPrepare())

		s := NewSnapshot(anyID)
		for _, p := range snap.Puts() {
			require.NoError(t, s.Put(p))
		}
		err := h.Commit(context.Background(), s)
		require.ErrorIs(t, err, ErrCommitConflict)
		require.Equal(t, 4, st.calls(), "every group is attempted before deciding")
		require.Zero(t, coord.putCount(StateCommitted))
		require.Equal(t, 1, rec.calls())
	})
}

func TestCommitPhase_String(t *testing.T) {
	t.Parallel()
	for p := phasePrepare; p <= phaseDone; p++ {
		require.NotEqual(t, "unknown", p.String())
	}
}
