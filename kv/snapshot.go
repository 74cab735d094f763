package kv

import (
	"sync"

	"github.com/bootjp/consensuscommit/store"
	"github.com/cockroachdb/errors"
)

var (
	ErrSnapshotSealed  = errors.New("snapshot sealed")
	ErrReservedColumn  = errors.New("column name is reserved for transaction metadata")
	ErrTxIDRequired    = errors.New("transaction id required")
	ErrInvalidMutation = errors.New("invalid mutation")
)

// PartitionGroup is the set of a transaction's writes that share one storage
// partition and therefore go out in one atomic batch.
type PartitionGroup struct {
	PartitionID string
	Puts        []*store.Put
}

// Snapshot buffers the writes of one transaction together with the records
// it observed. It is filled by the transaction API and handed to Commit once;
// Commit seals it, and from then on it is read-only.
type Snapshot struct {
	id string

	mu         sync.RWMutex
	sealed     bool
	writeOrder []string
	writeSet   map[string]*store.Put
	// readSet maps a record id to what the transaction saw; nil means the
	// record was observed absent.
	readSet map[string]*store.Record
}

func NewSnapshot(id string) *Snapshot {
	return &Snapshot{
		id:       id,
		writeSet: make(map[string]*store.Put),
		readSet:  make(map[string]*store.Record),
	}
}

func (s *Snapshot) ID() string {
	return s.id
}

// Put buffers p. A later Put to the same record replaces the earlier one but
// keeps its position. Conditions on p are ignored; the commit protocol
// derives its own from the read set.
func (s *Snapshot) Put(p *store.Put) error {
	if p == nil {
		return errors.WithStack(ErrInvalidMutation)
	}
	for name := range p.Values {
		if isTxnAttr(name) {
			return errors.Wrapf(ErrReservedColumn, "%q", name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return errors.WithStack(ErrSnapshotSealed)
	}
	id := p.RecordID()
	if _, ok := s.writeSet[id]; !ok {
		s.writeOrder = append(s.writeOrder, id)
	}
	s.writeSet[id] = p
	return nil
}

// RecordRead remembers the record the transaction read at t. Pass nil when
// the record did not exist.
func (s *Snapshot) RecordRead(t store.Target, r *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return errors.WithStack(ErrSnapshotSealed)
	}
	s.readSet[t.RecordID()] = r
	return nil
}

// ReadRecord returns what the transaction observed at t. The second result
// is false when t was never read.
func (s *Snapshot) ReadRecord(t store.Target) (*store.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readSet[t.RecordID()]
	return r, ok
}

// Puts returns the buffered writes in insertion order.
func (s *Snapshot) Puts() []*store.Put {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Put, 0, len(s.writeOrder))
	for _, id := range s.writeOrder {
		out = append(out, s.writeSet[id])
	}
	return out
}

func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.writeOrder)
}

// PartitionGroups splits the buffered writes by partition. Groups are ordered
// by the first write to each partition, and writes inside a group keep
// insertion order.
func (s *Snapshot) PartitionGroups() []*PartitionGroup {
	var groups []*PartitionGroup
	index := make(map[string]int)
	for _, p := range s.Puts() {
		pid := p.PartitionID()
		i, ok := index[pid]
		if !ok {
			i = len(groups)
			index[pid] = i
			groups = append(groups, &PartitionGroup{PartitionID: pid})
		}
		groups[i].Puts = append(groups[i].Puts, p)
	}
	return groups
}

// seal marks the snapshot read-only. It reports false if it already was.
func (s *Snapshot) seal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	s.sealed = true
	return true
}

func (s *Snapshot) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}
