// Package subscribers is the registry of connected transcript subscribers,
// indexed by session. The gateway reports it on /readyz and drains it on
// shutdown.
package subscribers

import (
	"context"
	"sync"
)

// Transport is how a subscriber receives frames.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

// Handle is how the tracker reaches one subscriber.
type Handle struct {
	SessionID string
	Transport Transport
	Cancel    func()
	Warn      func(code, message string) error
}

// Stats summarizes the connected subscribers.
type Stats struct {
	Subscribers int               `json:"subscribers"`
	Sessions    int               `json:"sessions"`
	ByTransport map[Transport]int `json:"by_transport,omitempty"`
}

// Tracker is safe for concurrent use. A nil Tracker tracks nothing.
type Tracker struct {
	mu        sync.Mutex
	byID      map[string]*member
	bySession map[string]map[*member]struct{}
	// empty is closed whenever no subscriber is registered.
	empty chan struct{}
}

type member struct {
	id     string
	handle Handle
	gone   bool
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.init()
	return t
}

func (t *Tracker) init() {
	if t.byID != nil {
		return
	}
	t.byID = make(map[string]*member)
	t.bySession = make(map[string]map[*member]struct{})
	t.empty = make(chan struct{})
	close(t.empty)
}

// Register adds a subscriber. A second registration under the same id
// replaces the first. The returned func removes the subscriber and is safe to
// call more than once.
func (t *Tracker) Register(id string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	m := &member{id: id, handle: h}

	t.mu.Lock()
	t.init()
	if old := t.byID[id]; old != nil {
		t.removeLocked(old)
	}
	if len(t.byID) == 0 {
		t.empty = make(chan struct{})
	}
	t.byID[id] = m
	peers := t.bySession[h.SessionID]
	if peers == nil {
		peers = make(map[*member]struct{})
		t.bySession[h.SessionID] = peers
	}
	peers[m] = struct{}{}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		t.removeLocked(m)
		t.mu.Unlock()
	}
}

func (t *Tracker) removeLocked(m *member) {
	if m.gone {
		return
	}
	m.gone = true
	if t.byID[m.id] == m {
		delete(t.byID, m.id)
	}
	if peers := t.bySession[m.handle.SessionID]; peers != nil {
		delete(peers, m)
		if len(peers) == 0 {
			delete(t.bySession, m.handle.SessionID)
		}
	}
	if len(t.byID) == 0 {
		close(t.empty)
	}
}

// Count returns the number of registered subscribers.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// InSession returns the number of subscribers joined to sessionID.
func (t *Tracker) InSession(sessionID string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySession[sessionID])
}

func (t *Tracker) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats{Subscribers: len(t.byID), Sessions: len(t.bySession)}
	for _, m := range t.byID {
		if st.ByTransport == nil {
			st.ByTransport = make(map[Transport]int)
		}
		st.ByTransport[m.handle.Transport]++
	}
	return st
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.byID))
	for _, m := range t.byID {
		out = append(out, m.handle)
	}
	return out
}

// WarnAll sends a warning to every subscriber and returns how many took it.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn != nil && h.Warn(code, message) == nil {
			sent++
		}
	}
	return sent
}

// CancelAll cancels every subscriber. Each one unregisters when its handler
// returns.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel != nil {
			h.Cancel()
			canceled++
		}
	}
	return canceled
}

// Wait blocks until no subscriber is registered or ctx ends, and reports
// which happened first.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	t.init()
	empty := t.empty
	t.mu.Unlock()

	select {
	case <-empty:
		return true
	case <-ctx.Done():
		return false
	}
}
