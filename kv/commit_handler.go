package kv

import (
	"context"
	"log/slog"
	"os"

	"github.com/bootjp/consensuscommit/store"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// CommitHandler makes the writes of a Snapshot visible atomically across
// partitions. The coordinator's status record is the only source of truth
// for the outcome: tentative records are rolled back only once the
// transaction is known to be ABORTED, and never once COMMITTED is observed.
type CommitHandler struct {
	store           store.Store
	coordinator     Coordinator
	recovery        RecoveryHandler
	clock           Clock
	log             *slog.Logger
	parallelPrepare bool
}

type CommitHandlerOption func(*CommitHandler)

// WithParallelPrepare issues the prepare batches of all partition groups
// concurrently. Decide still waits for every group.
func WithParallelPrepare() CommitHandlerOption {
	return func(h *CommitHandler) {
		h.parallelPrepare = true
	}
}

func WithClock(c Clock) CommitHandlerOption {
	return func(h *CommitHandler) {
		h.clock = c
	}
}

func WithLogger(l *slog.Logger) CommitHandlerOption {
	return func(h *CommitHandler) {
		h.log = l
	}
}

func NewCommitHandler(st store.Store, coordinator Coordinator, recovery RecoveryHandler, opts ...CommitHandlerOption) *CommitHandler {
	h := &CommitHandler{
		store:       st,
		coordinator: coordinator,
		recovery:    recovery,
		clock:       NewHLC(),
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type commitPhase int

const (
	phasePrepare commitPhase = iota
	phaseDecide
	phaseFinalize
	phaseAbort
	phaseReconcileAbort
	phaseReconcileCommit
	phaseDone
)

func (p commitPhase) String() string {
	switch p {
	case phasePrepare:
		return "prepare"
	case phaseDecide:
		return "decide"
	case phaseFinalize:
		return "finalize"
	case phaseAbort:
		return "abort"
	case phaseReconcileAbort:
		return "reconcile_abort"
	case phaseReconcileCommit:
		return "reconcile_commit"
	case phaseDone:
		return "done"
	}
	return "unknown"
}

// commitAttempt carries one Commit call through the phases.
type commitAttempt struct {
	snap   *Snapshot
	groups []*PartitionGroup
	phase  commitPhase

	// abortKind is what a confirmed abort reports; cause is the error that
	// sent the attempt off the success path.
	abortKind CommitErrorKind
	cause     error

	err error
}

func (a *commitAttempt) fail(kind CommitErrorKind, cause error) {
	a.err = newCommitError(a.snap.ID(), kind, cause)
	a.phase = phaseDone
}

// Commit runs the snapshot through prepare, decide and finalize. It returns
// nil once the transaction is durably committed, or a *CommitError whose kind
// tells the caller whether the writes are known to be aborted.
//
// The attempt always runs to a terminal outcome: cancellation of ctx is
// ignored so that a caller giving up cannot leave a decided transaction
// half-handled.
func (h *CommitHandler) Commit(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.ID() == "" {
		return newCommitError("", KindFailed, errors.WithStack(ErrTxIDRequired))
	}
	if !snap.seal() {
		return newCommitError(snap.ID(), KindFailed, errors.WithStack(ErrSnapshotSealed))
	}
	ctx = context.WithoutCancel(ctx)

	a := &commitAttempt{
		snap:   snap,
		groups: snap.PartitionGroups(),
		phase:  phasePrepare,
	}
	for a.phase != phaseDone {
		h.step(ctx, a)
	}
	h.observe(ctx, a)
	return a.err
}

func (h *CommitHandler) step(ctx context.Context, a *commitAttempt) {
	switch a.phase {
	case phasePrepare:
		h.prepare(ctx, a)
	case phaseDecide:
		h.decide(ctx, a)
	case phaseFinalize:
		h.finalize(ctx, a)
	case phaseAbort:
		h.abort(ctx, a)
	case phaseReconcileAbort:
		h.reconcileAbort(ctx, a)
	case phaseReconcileCommit:
		h.reconcileCommit(ctx, a)
	case phaseDone:
	}
}

// prepare writes the tentative records of every group. The first failing
// group in group order decides how the abort is classified.
func (h *CommitHandler) prepare(ctx context.Context, a *commitAttempt) {
	preparedAt := h.clock.Now()
	errs := make([]error, len(a.groups))
	run := func(i int) error {
		muts, err := composePrepare(a.snap, a.groups[i], preparedAt)
		if err != nil {
			return err
		}
		return errors.WithStack(h.store.Mutate(ctx, muts))
	}

	if h.parallelPrepare && len(a.groups) > 1 {
		var eg errgroup.Group
		for i := range a.groups {
			i := i
			eg.Go(func() error {
				errs[i] = run(i)
				return nil
			})
		}
		_ = eg.Wait()
	} else {
		for i := range a.groups {
			if errs[i] = run(i); errs[i] != nil {
				break
			}
		}
	}

	for i, err := range errs {
		if err == nil {
			continue
		}
		a.cause = err
		a.abortKind = KindFailed
		if errors.Is(err, store.ErrNoMutation) {
			a.abortKind = KindConflict
		}
		h.log.InfoContext(ctx, "prepare failed",
			slog.String("tx_id", a.snap.ID()),
			slog.String("partition", a.groups[i].PartitionID),
			slog.String("kind", a.abortKind.String()),
			slog.String("error", err.Error()),
		)
		a.phase = phaseAbort
		return
	}
	a.phase = phaseDecide
}

// decide is the commit point: once PutState(COMMITTED) succeeds the
// transaction is committed whatever happens afterwards.
func (h *CommitHandler) decide(ctx context.Context, a *commitAttempt) {
	if err := h.coordinator.PutState(ctx, h.newState(a, StateCommitted)); err != nil {
		h.log.WarnContext(ctx, "commit decision failed",
			slog.String("tx_id", a.snap.ID()),
			slog.String("error", err.Error()),
		)
		a.cause = err
		a.phase = phaseReconcileCommit
		return
	}
	a.phase = phaseFinalize
}

// finalize is advisory. The transaction is already committed, so a failing
// group only stops the remaining groups; leftovers are read-repair's job.
func (h *CommitHandler) finalize(ctx context.Context, a *commitAttempt) {
	h.advise(ctx, a.snap.ID(), advisoryOp{
		name: "finalize",
		run: func(ctx context.Context) error {
			committedAt := h.clock.Now()
			for _, g := range a.groups {
				if err := h.store.Mutate(ctx, composeCommit(a.snap.ID(), g, committedAt)); err != nil {
					return errors.Wrapf(err, "partition %q", g.PartitionID)
				}
			}
			return nil
		},
	})
	a.err = nil
	a.phase = phaseDone
}

func (h *CommitHandler) abort(ctx context.Context, a *commitAttempt) {
	if err := h.coordinator.PutState(ctx, h.newState(a, StateAborted)); err != nil {
		h.log.WarnContext(ctx, "abort decision failed",
			slog.String("tx_id", a.snap.ID()),
			slog.String("error", err.Error()),
		)
		a.cause = errors.CombineErrors(a.cause, err)
		a.phase = phaseReconcileAbort
		return
	}
	h.rollback(ctx, a)
	a.fail(a.abortKind, a.cause)
}

// reconcileAbort learns the true outcome after the abort decision could not
// be written. Without a readable decision nothing is rolled back.
func (h *CommitHandler) reconcileAbort(ctx context.Context, a *commitAttempt) {
	s, ok, err := h.coordinator.GetState(ctx, a.snap.ID())
	switch {
	case err != nil:
		a.fail(KindUnknownStatus, errors.CombineErrors(a.cause, err))
	case !ok:
		a.fail(KindUnknownStatus, a.cause)
	case s.TxState == StateAborted:
		h.rollback(ctx, a)
		a.fail(KindFailed, a.cause)
	case s.TxState == StateCommitted:
		// Records that failed to prepare cannot have been committed by this
		// handler. Left for read-repair; flagged rather than rolled back.
		coordinatorAnomalyCounter.Inc()
		h.log.ErrorContext(ctx, "coordinator reports committed after failed prepare",
			slog.String("tx_id", a.snap.ID()),
			slog.String("error", a.cause.Error()),
		)
		a.fail(KindFailed, a.cause)
	default:
		a.fail(KindUnknownStatus, errors.Wrapf(a.cause, "unexpected state %s", s.TxState))
	}
}

// reconcileCommit runs after PutState(COMMITTED) failed. The decision may
// still have landed, so first try to claim ABORTED, then read back.
func (h *CommitHandler) reconcileCommit(ctx context.Context, a *commitAttempt) {
	putErr := h.coordinator.PutState(ctx, h.newState(a, StateAborted))
	if putErr == nil {
		h.rollback(ctx, a)
		a.fail(KindFailed, a.cause)
		return
	}

	s, ok, err := h.coordinator.GetState(ctx, a.snap.ID())
	switch {
	case err != nil:
		a.fail(KindUnknownStatus, errors.CombineErrors(a.cause, err))
	case !ok:
		a.fail(KindUnknownStatus, errors.CombineErrors(a.cause, putErr))
	case s.TxState == StateCommitted:
		h.log.InfoContext(ctx, "commit decision found after reported failure",
			slog.String("tx_id", a.snap.ID()),
		)
		a.phase = phaseFinalize
	case s.TxState == StateAborted:
		h.rollback(ctx, a)
		a.fail(KindFailed, a.cause)
	default:
		a.fail(KindUnknownStatus, errors.Wrapf(a.cause, "unexpected state %s", s.TxState))
	}
}

func (h *CommitHandler) rollback(ctx context.Context, a *commitAttempt) {
	h.advise(ctx, a.snap.ID(), advisoryOp{
		name: "rollback",
		run: func(ctx context.Context) error {
			return h.recovery.Rollback(ctx, a.snap)
		},
	})
}

func (h *CommitHandler) newState(a *commitAttempt, s TransactionState) State {
	st := NewState(a.snap.ID(), s)
	st.CreatedAt = h.clock.Now()
	return st
}

// advisoryOp is a step whose failure never changes the outcome reported to
// the caller. Errors are logged and counted, then dropped.
type advisoryOp struct {
	name string
	run  func(context.Context) error
}

func (h *CommitHandler) advise(ctx context.Context, txID string, op advisoryOp) {
	if err := op.run(ctx); err != nil {
		advisoryFailureCounter.WithLabelValues(op.name).Inc()
		h.log.WarnContext(ctx, "advisory step failed",
			slog.String("tx_id", txID),
			slog.String("op", op.name),
			slog.String("error", err.Error()),
		)
	}
}

func (h *CommitHandler) observe(ctx context.Context, a *commitAttempt) {
	var ce *CommitError
	if !errors.As(a.err, &ce) {
		commitCounter.WithLabelValues(outcomeCommitted).Inc()
		h.log.DebugContext(ctx, "committed",
			slog.String("tx_id", a.snap.ID()),
			slog.Int("partitions", len(a.groups)),
		)
		return
	}
	commitCounter.WithLabelValues(ce.Kind.String()).Inc()
	h.log.InfoContext(ctx, "commit failed",
		slog.String("tx_id", a.snap.ID()),
		slog.String("kind", ce.Kind.String()),
	)
}
