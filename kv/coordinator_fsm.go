package kv

import (
	"bytes"
	"context"
	"encoding/gob"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
)

// CoordinatorFSM is the replicated state machine behind RaftCoordinator.
// Applying a state for an id that already has one is rejected, which gives
// the status table its compare-and-set semantics.
type CoordinatorFSM struct {
	mtx    sync.RWMutex
	states map[string]State
	log    *slog.Logger
}

func NewCoordinatorFSM() *CoordinatorFSM {
	return &CoordinatorFSM{
		states: make(map[string]State),
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
}

var _ raft.FSM = (*CoordinatorFSM)(nil)

// Apply returns nil on success or an error value; raft hands it back through
// ApplyFuture.Response.
func (f *CoordinatorFSM) Apply(l *raft.Log) interface{} {
	s, err := DecodeState(l.Data)
	if err != nil {
		return err
	}
	if err := s.validate(); err != nil {
		return err
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()
	if prev, ok := f.states[s.ID]; ok {
		return errors.Wrapf(ErrStateAlreadyExists, "%s is %s", s.ID, prev.TxState)
	}
	f.states[s.ID] = s

	f.log.InfoContext(context.Background(), "applied state",
		slog.String("tx_id", s.ID),
		slog.String("state", s.TxState.String()),
		slog.Uint64("index", l.Index),
	)
	return nil
}

func (f *CoordinatorFSM) get(id string) (State, bool) {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	s, ok := f.states[id]
	return s, ok
}

func (f *CoordinatorFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mtx.RLock()
	cl := make(map[string]State, len(f.states))
	for k, v := range f.states {
		cl[k] = v
	}
	f.mtx.RUnlock()

	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(cl); err != nil {
		return nil, errors.WithStack(err)
	}
	return &stateFSMSnapshot{ReadWriter: buf}, nil
}

func (f *CoordinatorFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	states := make(map[string]State)
	if err := gob.NewDecoder(rc).Decode(&states); err != nil {
		return errors.WithStack(err)
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.states = states
	return nil
}

var _ raft.FSMSnapshot = (*stateFSMSnapshot)(nil)

type stateFSMSnapshot struct {
	io.ReadWriter
}

func (s *stateFSMSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := io.Copy(sink, s); err != nil {
		_ = sink.Cancel()
		return errors.WithStack(err)
	}
	return errors.WithStack(sink.Close())
}

func (s *stateFSMSnapshot) Release() {
}
