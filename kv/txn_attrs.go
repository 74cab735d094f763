package kv

import (
	"encoding/binary"
	"strings"

	"github.com/bootjp/consensuscommit/store"
	"github.com/cockroachdb/errors"
)

// Reserved columns every transactional record carries next to user columns.
const (
	attrID          = "tx_id"
	attrState       = "tx_state"
	attrVersion     = "tx_version"
	attrPreparedAt  = "tx_prepared_at"
	attrCommittedAt = "tx_committed_at"

	// beforePrefix marks the image of the last committed record a prepared
	// record replaces, kept for read-repair.
	beforePrefix = "before_"
)

const attrUint64Len = 8

var ErrInvalidAttribute = errors.New("invalid transaction attribute")

func isTxnAttr(name string) bool {
	switch name {
	case attrID, attrState, attrVersion, attrPreparedAt, attrCommittedAt:
		return true
	}
	return strings.HasPrefix(name, beforePrefix)
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, attrUint64Len), v)
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != attrUint64Len {
		return 0, errors.Wrapf(ErrInvalidAttribute, "want %d bytes, got %d", attrUint64Len, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodeState(s TransactionState) []byte {
	return encodeUint64(uint64(s))
}

func decodeState(b []byte) (TransactionState, error) {
	v, err := decodeUint64(b)
	if err != nil {
		return StateUnknown, err
	}
	s := TransactionState(v)
	if s < StatePrepared || s > StateAborted {
		return StateUnknown, errors.Wrapf(ErrInvalidState, "%d", v)
	}
	return s, nil
}

// recordVersion returns the tx_version of r, or 0 for records written outside
// a transaction.
func recordVersion(r *store.Record) (uint64, error) {
	raw, ok := r.Value(attrVersion)
	if !ok {
		return 0, nil
	}
	return decodeUint64(raw)
}

// RecordState returns the transaction state stamped on r.
func RecordState(r *store.Record) (TransactionState, error) {
	raw, ok := r.Value(attrState)
	if !ok {
		return StateUnknown, nil
	}
	return decodeState(raw)
}

// RecordTxID returns the id of the transaction that last wrote r.
func RecordTxID(r *store.Record) string {
	raw, _ := r.Value(attrID)
	return string(raw)
}
