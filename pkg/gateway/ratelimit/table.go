package ratelimit

import (
	"sync"
	"time"
)

type principalState struct {
	bucket      bucket
	requests    slots
	subscribers slots
	lastSeen    time.Time
}

func (st *principalState) busy() bool { return st.requests.busy() || st.subscribers.busy() }

// table maps principal keys to their state. It is bounded: idle entries
// expire after EntryTTL, and when full an idle entry is evicted. Entries
// holding slots are never evicted.
type table struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalState
}

func newTable(cfg Config) *table {
	return &table{cfg: cfg, m: make(map[string]*principalState)}
}

func (t *table) get(principal string, now time.Time) *principalState {
	if principal == "" {
		principal = "anonymous"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.m[principal]; ok {
		st.lastSeen = now
		return st
	}
	if len(t.m) >= t.cfg.MaxEntries {
		t.expireLocked(now)
	}
	if len(t.m) >= t.cfg.MaxEntries {
		t.evictOneLocked()
	}

	st := &principalState{lastSeen: now}
	st.requests.limit = int64(t.cfg.MaxConcurrentRequests)
	st.subscribers.limit = int64(t.cfg.MaxConcurrentSubscribers)
	t.m[principal] = st
	return st
}

func (t *table) expireLocked(now time.Time) {
	for k, st := range t.m {
		if !st.busy() && now.Sub(st.lastSeen) > t.cfg.EntryTTL {
			delete(t.m, k)
		}
	}
}

func (t *table) evictOneLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, st := range t.m {
		if st.busy() {
			continue
		}
		if oldestKey == "" || st.lastSeen.Before(oldest) {
			oldestKey, oldest = k, st.lastSeen
		}
	}
	if oldestKey != "" {
		delete(t.m, oldestKey)
	}
}

func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
