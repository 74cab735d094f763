package kv

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
)

var ErrLeaderNotFound = errors.New("leader not found")

const defaultApplyTimeout = 5 * time.Second

// RaftCoordinator records decisions through a raft group whose FSM is a
// CoordinatorFSM. Both operations must run on the leader.
type RaftCoordinator struct {
	raft    *raft.Raft
	fsm     *CoordinatorFSM
	timeout time.Duration
}

func NewRaftCoordinator(r *raft.Raft, fsm *CoordinatorFSM, timeout time.Duration) *RaftCoordinator {
	if timeout <= 0 {
		timeout = defaultApplyTimeout
	}
	return &RaftCoordinator{raft: r, fsm: fsm, timeout: timeout}
}

var _ Coordinator = (*RaftCoordinator)(nil)

func (c *RaftCoordinator) applyTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < c.timeout {
			return d
		}
	}
	return c.timeout
}

func (c *RaftCoordinator) PutState(ctx context.Context, s State) error {
	if err := s.validate(); err != nil {
		return coordinatorError(err, "put state")
	}
	if err := ctx.Err(); err != nil {
		return coordinatorError(err, "put state for %s", s.ID)
	}

	f := c.raft.Apply(EncodeState(s), c.applyTimeout(ctx))
	if err := f.Error(); err != nil {
		return coordinatorError(err, "apply state for %s", s.ID)
	}
	if resp, ok := f.Response().(error); ok && resp != nil {
		return coordinatorError(resp, "apply state for %s", s.ID)
	}
	return nil
}

// GetState reads from the local FSM after a barrier, so every decision
// committed before the call is visible.
func (c *RaftCoordinator) GetState(ctx context.Context, id string) (State, bool, error) {
	if err := verifyRaftLeader(c.raft); err != nil {
		return State{}, false, coordinatorError(err, "get state for %s", id)
	}
	if err := c.raft.Barrier(c.applyTimeout(ctx)).Error(); err != nil {
		return State{}, false, coordinatorError(err, "barrier for %s", id)
	}
	s, ok := c.fsm.get(id)
	return s, ok, nil
}

func verifyRaftLeader(r *raft.Raft) error {
	if r == nil {
		return errors.WithStack(ErrLeaderNotFound)
	}
	if err := r.VerifyLeader().Error(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
