package store

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"
)

func byteSliceComparator(a, b interface{}) int {
	ab, okA := a.([]byte)
	bb, okB := b.([]byte)
	switch {
	case okA && okB:
		return bytes.Compare(ab, bb)
	case okA:
		return 1
	case okB:
		return -1
	default:
		return 0
	}
}

// memoryStore keeps records in a treemap ordered by encoded record id, so a
// partition scan walks a contiguous, deterministic range.
type memoryStore struct {
	tree *treemap.Map // record id []byte -> *Record
	mtx  sync.RWMutex
	log  *slog.Logger
}

// NewMemoryStore creates an in-memory Store. A whole batch is applied under
// one lock, which is stronger than the per-partition atomicity callers rely on.
func NewMemoryStore() Store {
	return &memoryStore{
		tree: treemap.NewWith(byteSliceComparator),
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
}

var _ Store = (*memoryStore)(nil)

func (s *memoryStore) getLocked(id []byte) *Record {
	v, ok := s.tree.Get(id)
	if !ok {
		return nil
	}
	r, _ := v.(*Record)
	return r
}

func (s *memoryStore) Get(_ context.Context, t Target) (*Record, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	r := s.getLocked(t.recordBytes())
	if r == nil {
		return nil, errors.WithStack(ErrKeyNotFound)
	}
	return r.clone(), nil
}

func (s *memoryStore) Scan(_ context.Context, namespace, table string, partitionKey Key) ([]*Record, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	prefix := NewTarget(namespace, table, partitionKey, Key{}).partitionBytes()
	var out []*Record
	s.tree.Each(func(key interface{}, value interface{}) {
		k, ok := key.([]byte)
		if !ok || !bytes.HasPrefix(k, prefix) {
			return
		}
		if r, ok := value.(*Record); ok {
			out = append(out, r.clone())
		}
	})
	return out, nil
}

func (s *memoryStore) Mutate(ctx context.Context, mutations []Mutation) error {
	if _, err := validateBatch(mutations); err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// Stage against a private view first so a failed condition leaves the
	// tree untouched. Later mutations in the batch see earlier ones.
	staged := make(map[string]*Record, len(mutations))
	order := make([]string, 0, len(mutations))
	for _, m := range mutations {
		id := m.Location().RecordID()
		current, seen := staged[id]
		if !seen {
			current = s.getLocked([]byte(id))
			order = append(order, id)
		}
		if err := m.Precondition().check(current); err != nil {
			s.log.WarnContext(ctx, "mutation rejected",
				slog.String("table", m.Location().Table),
				slog.String("reason", err.Error()),
			)
			return err
		}
		next, err := applyMutation(current, m)
		if err != nil {
			return err
		}
		staged[id] = next
	}

	for _, id := range order {
		if r := staged[id]; r != nil {
			s.tree.Put([]byte(id), r)
			continue
		}
		s.tree.Remove([]byte(id))
	}
	s.log.InfoContext(ctx, "mutate",
		slog.Int("mutations", len(mutations)),
	)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
