package websocket

import (
	"hash/fnv"
	"sync"
)

const userLockShards = 64

// userLocks serializes the steps that decide where a user's traffic goes:
// joining or leaving the personal room, draining the mailbox and delivering.
// Users are spread over a fixed set of mutexes.
type userLocks struct {
	shards [userLockShards]sync.Mutex
}

func (l *userLocks) lock(userID string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	m := &l.shards[h.Sum32()%userLockShards]
	m.Lock()
	return m.Unlock
}
