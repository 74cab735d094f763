package store

import (
	"bytes"
	"encoding/binary"
	"slices"

	"github.com/bootjp/consensuscommit/internal"
	"github.com/cockroachdb/errors"
)

const recordVersion byte = 1

// EncodeRecord serializes a record, including its target, into a versioned
// binary layout. Columns are written in name order so equal records encode
// to equal bytes.
func EncodeRecord(r *Record) []byte {
	var buf bytes.Buffer
	buf.WriteByte(recordVersion)
	writeBytes(&buf, []byte(r.Namespace))
	writeBytes(&buf, []byte(r.Table))
	writeKey(&buf, r.PartitionKey)
	writeKey(&buf, r.ClusteringKey)

	names := make([]string, 0, len(r.Values))
	for name := range r.Values {
		names = append(names, name)
	}
	slices.Sort(names)
	_ = binary.Write(&buf, binary.BigEndian, uint64(len(names)))
	for _, name := range names {
		writeBytes(&buf, []byte(name))
		writeBytes(&buf, r.Values[name])
	}
	return buf.Bytes()
}

func DecodeRecord(b []byte) (*Record, error) {
	if len(b) < 1 {
		return nil, errors.Wrap(ErrInvalidRecord, "empty")
	}
	if b[0] != recordVersion {
		return nil, errors.Wrapf(ErrInvalidRecord, "unsupported version %d", b[0])
	}
	r := bytes.NewReader(b[1:])
	ns, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	table, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	pk, err := readKey(r)
	if err != nil {
		return nil, err
	}
	ck, err := readKey(r)
	if err != nil {
		return nil, err
	}
	n, err := readLen(r)
	if err != nil {
		return nil, err
	}
	values := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		name, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		v, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		values[string(name)] = v
	}
	if r.Len() != 0 {
		return nil, errors.Wrapf(ErrInvalidRecord, "%d trailing bytes", r.Len())
	}
	return &Record{
		Target: NewTarget(string(ns), string(table), pk, ck),
		Values: values,
	}, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint64(len(b)))
	buf.Write(b)
}

func writeKey(buf *bytes.Buffer, k Key) {
	_ = binary.Write(buf, binary.BigEndian, uint64(len(k.Columns)))
	for _, c := range k.Columns {
		writeBytes(buf, []byte(c.Name))
		writeBytes(buf, c.Value)
	}
}

func readLen(r *bytes.Reader) (int, error) {
	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, errors.Wrap(ErrInvalidRecord, err.Error())
	}
	l, err := internal.Uint64ToInt(n)
	if err != nil {
		return 0, err
	}
	if l > r.Len() {
		return 0, errors.Wrap(ErrInvalidRecord, "truncated")
	}
	return l, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	l, err := readLen(r)
	if err != nil {
		return nil, err
	}
	if l == 0 {
		return []byte{}, nil
	}
	b := make([]byte, l)
	if _, err := r.Read(b); err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}

func readKey(r *bytes.Reader) (Key, error) {
	n, err := readLen(r)
	if err != nil {
		return Key{}, err
	}
	if n == 0 {
		return Key{}, nil
	}
	cols := make([]Column, 0, n)
	for i := 0; i < n; i++ {
		name, err := readBytes(r)
		if err != nil {
			return Key{}, err
		}
		v, err := readBytes(r)
		if err != nil {
			return Key{}, err
		}
		cols = append(cols, Column{Name: string(name), Value: v})
	}
	return Key{Columns: cols}, nil
}
