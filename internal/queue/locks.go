package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/aristath/agentd/internal/task"
)

// Lock records exclusive ownership of a resource key by an in-flight task.
type Lock struct {
	Key        string
	HolderID   string
	AcquiredAt time.Time
}

// LockTable provides per-resource-key mutual exclusion between tasks.
// Unlike a keyed mutex, acquisition never blocks: the scheduling tick
// try-acquires all of a task's keys atomically and leaves the task queued
// on conflict, which serializes same-resource tasks in priority/FIFO order.
type LockTable struct {
	mu   sync.Mutex
	held map[string]Lock // resource key -> live lock
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]Lock)}
}

// TryAcquireAll atomically acquires every key for the holder, or none of them.
// Keys already held by the same holder are counted as acquired (re-dispatch of
// a retried task). Returns task.ErrLockConflict if any key is held elsewhere.
func (lt *LockTable) TryAcquireAll(keys []string, holderID string, now time.Time) error {
	if len(keys) == 0 {
		return nil
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()

	for _, key := range keys {
		if lock, ok := lt.held[key]; ok && lock.HolderID != holderID {
			return task.ErrLockConflict
		}
	}
	for _, key := range keys {
		if _, ok := lt.held[key]; !ok {
			lt.held[key] = Lock{Key: key, HolderID: holderID, AcquiredAt: now}
		}
	}
	return nil
}

// ReleaseHolder drops every lock owned by the holder. Called on any terminal
// or failed transition so no lock outlives its task.
func (lt *LockTable) ReleaseHolder(holderID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for key, lock := range lt.held {
		if lock.HolderID == holderID {
			delete(lt.held, key)
		}
	}
}

// Holder returns the live lock for a key, if any.
func (lt *LockTable) Holder(key string) (Lock, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lock, ok := lt.held[key]
	return lock, ok
}

// Held returns all live locks sorted by key, for stats and the dashboard.
func (lt *LockTable) Held() []Lock {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	locks := make([]Lock, 0, len(lt.held))
	for _, lock := range lt.held {
		locks = append(locks, lock)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Key < locks[j].Key })
	return locks
}
