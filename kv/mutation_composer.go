package kv

import (
	"strings"

	"github.com/bootjp/consensuscommit/store"
)

// The composers turn a partition group of user writes into the storage batch
// for one protocol step. None of them modify the snapshot's Puts.

// composePrepare builds the tentative records for a group. Each record is
// stamped PREPARED with our id and a bumped version, carries the image of
// what it replaces, and is guarded so it only lands if nobody wrote the
// record since the transaction read it.
func composePrepare(snap *Snapshot, g *PartitionGroup, preparedAt uint64) ([]store.Mutation, error) {
	muts := make([]store.Mutation, 0, len(g.Puts))
	for _, p := range g.Puts {
		read, _ := snap.ReadRecord(p.Target)
		version, err := recordVersion(read)
		if err != nil {
			return nil, err
		}

		values := make(map[string][]byte, len(p.Values)+txnAttrCount+len(readValues(read)))
		for k, v := range p.Values {
			values[k] = v
		}
		for k, v := range readValues(read) {
			if !strings.HasPrefix(k, beforePrefix) {
				values[beforePrefix+k] = v
			}
		}
		values[attrID] = []byte(snap.ID())
		values[attrState] = encodeState(StatePrepared)
		values[attrVersion] = encodeUint64(version + 1)
		values[attrPreparedAt] = encodeUint64(preparedAt)

		muts = append(muts, store.NewPut(p.Target, values).WithCondition(prepareCondition(read)))
	}
	return muts, nil
}

const txnAttrCount = 4

func readValues(r *store.Record) map[string][]byte {
	if r == nil {
		return nil
	}
	return r.Values
}

// prepareCondition guards a prepare write with what the transaction saw.
// Records never read, or read as absent, must still be absent. Records
// written outside any transaction carry no version, so only their existence
// can be checked.
func prepareCondition(read *store.Record) *store.Condition {
	if read == nil {
		return store.IfNotExists()
	}
	version, hasVersion := read.Value(attrVersion)
	if !hasVersion {
		return store.IfExists()
	}
	id, _ := read.Value(attrID)
	return store.If(
		store.Eq(attrID, id),
		store.Eq(attrVersion, version),
	)
}

// ownedPrepared matches records this transaction prepared and nobody has
// finalized or rolled back since.
func ownedPrepared(txID string) *store.Condition {
	return store.If(
		store.Eq(attrID, []byte(txID)),
		store.Eq(attrState, encodeState(StatePrepared)),
	)
}

// composeCommit flips a group's prepared records to COMMITTED.
func composeCommit(txID string, g *PartitionGroup, committedAt uint64) []store.Mutation {
	muts := make([]store.Mutation, 0, len(g.Puts))
	for _, p := range g.Puts {
		muts = append(muts, store.NewPut(p.Target, map[string][]byte{
			attrState:       encodeState(StateCommitted),
			attrCommittedAt: encodeUint64(committedAt),
		}).WithCondition(ownedPrepared(txID)))
	}
	return muts
}

// composeRollback undoes a group's prepared records: records the transaction
// created are deleted, records it replaced are restored to the image it read.
// The delete is guarded, so the batch fails with store.ErrNoMutation when the
// group holds nothing of ours.
func composeRollback(snap *Snapshot, g *PartitionGroup) []store.Mutation {
	muts := make([]store.Mutation, 0, len(g.Puts)*2)
	for _, p := range g.Puts {
		del := store.NewDelete(p.Target)
		del.Condition = ownedPrepared(snap.ID())
		muts = append(muts, del)

		if read, _ := snap.ReadRecord(p.Target); read != nil {
			muts = append(muts, store.NewPut(p.Target, read.Values))
		}
	}
	return muts
}
