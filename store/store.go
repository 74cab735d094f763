package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"maps"

	"github.com/cockroachdb/errors"
)

var ErrKeyNotFound = errors.New("not found")

// ErrNoMutation reports that a mutation precondition failed and nothing in the
// batch was applied. Transaction layers treat it as a write-write conflict.
var ErrNoMutation = errors.New("mutation precondition failed")
var ErrMultiplePartitions = errors.New("mutations span multiple partitions")
var ErrEmptyMutation = errors.New("empty mutation batch")
var ErrInvalidCondition = errors.New("invalid condition")
var ErrInvalidRecord = errors.New("invalid record")
var ErrUnknownOp = errors.New("unknown op")

// OpType describes a mutation kind.
type OpType int

const (
	OpTypePut OpType = iota
	OpTypeDelete
)

// Column is a named value inside a key.
type Column struct {
	Name  string
	Value []byte
}

// Text builds a column from a string value.
func Text(name, value string) Column {
	return Column{Name: name, Value: []byte(value)}
}

// Key is an ordered list of columns. The zero value is the empty key.
type Key struct {
	Columns []Column
}

func NewKey(cols ...Column) Key {
	return Key{Columns: cols}
}

func (k Key) IsEmpty() bool {
	return len(k.Columns) == 0
}

func (k Key) Equal(o Key) bool {
	return bytes.Equal(k.encode(nil), o.encode(nil))
}

func (k Key) encode(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(k.Columns)))
	for _, c := range k.Columns {
		buf = appendLenPrefixed(buf, []byte(c.Name))
		buf = appendLenPrefixed(buf, c.Value)
	}
	return buf
}

func appendLenPrefixed(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(b)))
	return append(buf, b...)
}

// Target locates a single record. An empty ClusteringKey means the table has
// no clustering key.
type Target struct {
	Namespace     string
	Table         string
	PartitionKey  Key
	ClusteringKey Key
}

func NewTarget(namespace, table string, partitionKey, clusteringKey Key) Target {
	return Target{
		Namespace:     namespace,
		Table:         table,
		PartitionKey:  partitionKey,
		ClusteringKey: clusteringKey,
	}
}

// PartitionID identifies the partition the target lives in. Every record in
// the same namespace, table and partition key shares it, and the encoding is
// self-delimiting so a PartitionID is never a proper prefix of another.
func (t Target) PartitionID() string {
	return string(t.partitionBytes())
}

// RecordID identifies the record inside the whole store.
func (t Target) RecordID() string {
	return string(t.recordBytes())
}

func (t Target) partitionBytes() []byte {
	buf := make([]byte, 0, len(t.Namespace)+len(t.Table)+64)
	buf = appendLenPrefixed(buf, []byte(t.Namespace))
	buf = appendLenPrefixed(buf, []byte(t.Table))
	return t.PartitionKey.encode(buf)
}

func (t Target) recordBytes() []byte {
	return t.ClusteringKey.encode(t.partitionBytes())
}

// Mutation is a single conditional write inside a batch.
type Mutation interface {
	Op() OpType
	Location() Target
	Precondition() *Condition
}

// Put writes the given columns, merging them into an existing record.
// A Put is treated as immutable once it has been handed to a store or a
// transaction; build a new one instead of editing it.
type Put struct {
	Target
	Values    map[string][]byte
	Condition *Condition
}

func NewPut(t Target, values map[string][]byte) *Put {
	return &Put{Target: t, Values: values}
}

func (p *Put) Op() OpType               { return OpTypePut }
func (p *Put) Location() Target         { return p.Target }
func (p *Put) Precondition() *Condition { return p.Condition }

// WithCondition returns a copy of p carrying the given condition.
func (p *Put) WithCondition(c *Condition) *Put {
	cp := *p
	cp.Values = maps.Clone(p.Values)
	cp.Condition = c
	return &cp
}

// Delete removes a record.
type Delete struct {
	Target
	Condition *Condition
}

func NewDelete(t Target) *Delete {
	return &Delete{Target: t}
}

func (d *Delete) Op() OpType               { return OpTypeDelete }
func (d *Delete) Location() Target         { return d.Target }
func (d *Delete) Precondition() *Condition { return d.Condition }

// Record is a stored row.
type Record struct {
	Target
	Values map[string][]byte
}

func (r *Record) Value(name string) ([]byte, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.Values[name]
	return v, ok
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	values := make(map[string][]byte, len(r.Values))
	for k, v := range r.Values {
		values[k] = bytes.Clone(v)
	}
	return &Record{Target: r.Target, Values: values}
}

// Store is a storage layer whose only atomicity guarantee is a batch of
// mutations inside one partition.
type Store interface {
	// Get returns the record at t or ErrKeyNotFound.
	Get(ctx context.Context, t Target) (*Record, error)
	// Scan returns every record of one partition ordered by clustering key
	// encoding.
	Scan(ctx context.Context, namespace, table string, partitionKey Key) ([]*Record, error)
	// Mutate applies all mutations atomically. Every mutation must target the
	// same partition. If any precondition fails nothing is applied and the
	// returned error matches ErrNoMutation.
	Mutate(ctx context.Context, mutations []Mutation) error
	Close() error
}

// validateBatch checks a batch is non-empty and confined to one partition.
func validateBatch(mutations []Mutation) (string, error) {
	if len(mutations) == 0 {
		return "", errors.WithStack(ErrEmptyMutation)
	}
	var pid string
	for i, m := range mutations {
		if m == nil {
			return "", errors.Wrapf(ErrUnknownOp, "nil mutation at %d", i)
		}
		if err := m.Precondition().validate(m.Op()); err != nil {
			return "", err
		}
		id := m.Location().PartitionID()
		if i == 0 {
			pid = id
			continue
		}
		if id != pid {
			return "", errors.WithStack(ErrMultiplePartitions)
		}
	}
	return pid, nil
}
