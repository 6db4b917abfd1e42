package service

import (
	"hash/fnv"
	"sync"

	"kehilla/pkg/domain"
)

// Operations on a single identity record are read-modify-write and must be
// serialized. We use sharded mutexes keyed by a hash of the record id
// rather than optimistic versioning: contention is per-member and low, and
// the lock keeps collaborator calls (vault, document store) inside the
// critical section so partial writes cannot interleave. Operations on
// distinct identities proceed concurrently across shards.
const numRecordShards = 128

type recordLocks struct {
	shards [numRecordShards]sync.Mutex
}

func (l *recordLocks) lock(id domain.IdentityID) func() {
	shard := &l.shards[shardFor(id)]
	shard.Lock()
	return shard.Unlock
}

func shardFor(id domain.IdentityID) int {
	h := fnv.New32a()
	h.Write([]byte(id.String()))
	return int(h.Sum32() % numRecordShards)
}
