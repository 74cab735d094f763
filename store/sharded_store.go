package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"
)

var ErrNoShards = errors.New("no shards configured")

// ShardedStore spreads partitions over several backends. A partition always
// maps to the same backend, so per-partition atomicity is preserved, but no
// batch may cross backends.
type ShardedStore struct {
	shards []Store
}

func NewShardedStore(shards ...Store) (*ShardedStore, error) {
	if len(shards) == 0 {
		return nil, errors.WithStack(ErrNoShards)
	}
	return &ShardedStore{shards: shards}, nil
}

var _ Store = (*ShardedStore)(nil)

// ShardFor returns the backend index a partition is routed to.
func (s *ShardedStore) ShardFor(partitionID string) int {
	h := murmur3.Sum64([]byte(partitionID))
	return int(h % uint64(len(s.shards)))
}

func (s *ShardedStore) shard(t Target) Store {
	return s.shards[s.ShardFor(t.PartitionID())]
}

func (s *ShardedStore) Get(ctx context.Context, t Target) (*Record, error) {
	r, err := s.shard(t).Get(ctx, t)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return r, nil
}

func (s *ShardedStore) Scan(ctx context.Context, namespace, table string, partitionKey Key) ([]*Record, error) {
	rs, err := s.shard(NewTarget(namespace, table, partitionKey, Key{})).Scan(ctx, namespace, table, partitionKey)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rs, nil
}

func (s *ShardedStore) Mutate(ctx context.Context, mutations []Mutation) error {
	if _, err := validateBatch(mutations); err != nil {
		return err
	}
	return errors.WithStack(s.shard(mutations[0].Location()).Mutate(ctx, mutations))
}

// Close closes every backend and reports all failures.
func (s *ShardedStore) Close() error {
	var errs error
	for _, st := range s.shards {
		if err := st.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.WithStack(err))
		}
	}
	return errs
}
