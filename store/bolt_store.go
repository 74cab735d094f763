package store

import (
	"bytes"
	"context"
	"log/slog"
	"os"

	"github.com/bootjp/consensuscommit/internal"
	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"
)

const mode = 0666

// boltStore keeps one bucket per namespace/table. A batch is applied in a
// single bbolt read-write transaction.
type boltStore struct {
	log   *slog.Logger
	bbolt *bbolt.DB
}

func NewBoltStore(path string) (Store, error) {
	db, err := bbolt.Open(path, mode, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &boltStore{
		bbolt: db,
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}, nil
}

var _ Store = (*boltStore)(nil)

func bucketName(namespace, table string) []byte {
	return appendLenPrefixed(appendLenPrefixed(nil, []byte(namespace)), []byte(table))
}

// recordKey drops the namespace/table part, which the bucket already encodes.
func recordKey(t Target) []byte {
	return t.ClusteringKey.encode(t.PartitionKey.encode(nil))
}

func readRecord(b *bbolt.Bucket, key []byte) (*Record, error) {
	if b == nil {
		return nil, nil
	}
	raw := b.Get(key)
	if raw == nil {
		return nil, nil
	}
	return DecodeRecord(raw)
}

func (s *boltStore) Get(ctx context.Context, t Target) (*Record, error) {
	var r *Record
	err := s.bbolt.View(func(tx *bbolt.Tx) error {
		var err error
		r, err = readRecord(tx.Bucket(bucketName(t.Namespace, t.Table)), recordKey(t))
		return err
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if r == nil {
		return nil, errors.WithStack(ErrKeyNotFound)
	}
	s.log.DebugContext(ctx, "get", slog.String("table", t.Table))
	return r, nil
}

func (s *boltStore) Scan(_ context.Context, namespace, table string, partitionKey Key) ([]*Record, error) {
	prefix := partitionKey.encode(nil)
	var out []*Record
	err := s.bbolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(namespace, table))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			r, err := DecodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return internal.WithStacks(out, err)
}

func (s *boltStore) Mutate(ctx context.Context, mutations []Mutation) error {
	if _, err := validateBatch(mutations); err != nil {
		return err
	}
	loc := mutations[0].Location()

	err := s.bbolt.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(loc.Namespace, loc.Table))
		if err != nil {
			return errors.WithStack(err)
		}
		// Returning an error rolls the whole bbolt transaction back, so a
		// failed condition later in the batch undoes earlier writes.
		for _, m := range mutations {
			key := recordKey(m.Location())
			current, err := readRecord(b, key)
			if err != nil {
				return err
			}
			if err := m.Precondition().check(current); err != nil {
				return err
			}
			next, err := applyMutation(current, m)
			if err != nil {
				return err
			}
			if next == nil {
				if err := b.Delete(key); err != nil {
					return errors.WithStack(err)
				}
				continue
			}
			if err := b.Put(key, EncodeRecord(next)); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
	if err != nil {
		s.log.WarnContext(ctx, "mutate failed",
			slog.String("table", loc.Table),
			slog.String("error", err.Error()),
		)
		return errors.WithStack(err)
	}
	return nil
}

func (s *boltStore) Close() error {
	return errors.WithStack(s.bbolt.Close())
}
