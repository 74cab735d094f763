package kv

import (
	"bytes"
	"encoding/binary"

	"github.com/bootjp/consensuscommit/internal"
	"github.com/cockroachdb/errors"
)

const stateRecordVersion byte = 1

// EncodeState serializes a decision for the raft log.
func EncodeState(s State) []byte {
	var buf bytes.Buffer
	buf.WriteByte(stateRecordVersion)
	_ = binary.Write(&buf, binary.BigEndian, int32(s.TxState))
	_ = binary.Write(&buf, binary.BigEndian, s.CreatedAt)
	idLen := uint64(len(s.ID))
	_ = binary.Write(&buf, binary.BigEndian, idLen)
	buf.WriteString(s.ID)
	return buf.Bytes()
}

func DecodeState(b []byte) (State, error) {
	if len(b) < 1 {
		return State{}, errors.New("state record: empty")
	}
	if b[0] != stateRecordVersion {
		return State{}, errors.WithStack(errors.Newf("state record: unsupported version %d", b[0]))
	}
	r := bytes.NewReader(b[1:])
	var st int32
	var createdAt uint64
	var idLen uint64
	if err := binary.Read(r, binary.BigEndian, &st); err != nil {
		return State{}, errors.WithStack(err)
	}
	if err := binary.Read(r, binary.BigEndian, &createdAt); err != nil {
		return State{}, errors.WithStack(err)
	}
	if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
		return State{}, errors.WithStack(err)
	}
	n, err := internal.Uint64ToInt(idLen)
	if err != nil {
		return State{}, err
	}
	if n != r.Len() {
		return State{}, errors.Newf("state record: id length %d, %d bytes left", n, r.Len())
	}
	id := make([]byte, n)
	if _, err := r.Read(id); err != nil && n > 0 {
		return State{}, errors.WithStack(err)
	}
	return State{ID: string(id), TxState: TransactionState(st), CreatedAt: createdAt}, nil
}
