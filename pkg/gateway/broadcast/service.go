package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/vango-go/vai-dialog/pkg/core/transcript"
)

var (
	ErrInvalidEvent   = errors.New("invalid transcript event")
	ErrClosed         = errors.New("broadcast service closed")
	ErrSlowSubscriber = errors.New("subscriber fell behind")
)

// Store is durable transcript storage consulted when memory history is empty.
type Store interface {
	AppendTranscript(ctx context.Context, ev transcript.Event) error
	LoadTranscript(ctx context.Context, sessionID string, limit int) ([]transcript.Event, error)
}

// DeliveryType is the fan-out frame kind.
type DeliveryType string

const (
	DeliveryTranscript DeliveryType = "transcript"
	DeliveryError      DeliveryType = "transcript-error"
)

// Delivery is one frame delivered to a subscriber.
type Delivery struct {
	Type      DeliveryType `json:"type"`
	Entry     *Entry       `json:"entry,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Config tunes the service.
type Config struct {
	LiveWindow       time.Duration
	CatchupWindow    time.Duration
	HistoryLimit     int
	FlushWindow      time.Duration
	SweepInterval    time.Duration
	IdleShardTTL     time.Duration
	SubscriberBuffer int
	StoreTimeout     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LiveWindow:       30 * time.Second,
		CatchupWindow:    15 * time.Second,
		HistoryLimit:     200,
		FlushWindow:      80 * time.Millisecond,
		SweepInterval:    10 * time.Second,
		IdleShardTTL:     30 * time.Minute,
		SubscriberBuffer: 64,
		StoreTimeout:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LiveWindow <= 0 {
		c.LiveWindow = def.LiveWindow
	}
	if c.CatchupWindow <= 0 {
		c.CatchupWindow = def.CatchupWindow
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.FlushWindow <= 0 {
		c.FlushWindow = def.FlushWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.IdleShardTTL <= 0 {
		c.IdleShardTTL = def.IdleShardTTL
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = def.SubscriberBuffer
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	return c
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
}

// Result reports the outcome of a submission.
type Result struct {
	Accepted  bool
	Duplicate bool
	Ignored   bool
	Key       DedupeKey
}

// Stats is a snapshot of service counters.
type Stats struct {
	Sessions        int
	Accepted        uint64
	Duplicates      uint64
	Ignored         uint64
	Flushed         uint64
	Persisted       uint64
	PersistErrors   uint64
	SlowSubscribers uint64
}

// Catchup is the retained history of a session.
type Catchup struct {
	SessionID  string                `json:"session_id"`
	Provenance transcript.Provenance `json:"provenance"`
	Entries    []Entry               `json:"entries"`
	LastSeq    uint64                `json:"last_seq"`
}

// Service deduplicates transcript events and fans them out per session.
type Service struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	now    func() time.Time
	bus    *bus

	mu     sync.Mutex
	shards map[string]*shard
	closed bool

	accepted        atomic.Uint64
	duplicates      atomic.Uint64
	ignored         atomic.Uint64
	flushed         atomic.Uint64
	persisted       atomic.Uint64
	persistErrors   atomic.Uint64
	slowSubscribers atomic.Uint64
}

type pendingEvent struct {
	event   transcript.Event
	persist bool
}

type shard struct {
	id string

	// flushMu orders batches and error frames on the bus.
	flushMu sync.Mutex

	mu           sync.Mutex
	dedupe       *Deduper
	history      *history
	pending      []pendingEvent
	timer        *time.Timer
	seq          uint64
	subscribers  int
	lastActivity time.Time
	// retired is set under both locks when Sweep removes the shard. Holders of
	// a stale pointer must look the session up again.
	retired bool
}

// New creates a Service.
func New(cfg Config, deps Dependencies) *Service {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		cfg:    cfg,
		store:  deps.Store,
		logger: deps.Logger,
		now:    deps.Now,
		bus:    newBus(deps.Logger),
		shards: make(map[string]*shard),
	}
}

// Submit accepts a live transcript event.
func (s *Service) Submit(ctx context.Context, ev transcript.Event) (Result, error) {
	return s.submit(ev, s.cfg.LiveWindow, transcript.ProvenanceLive, true)
}

// SubmitCatchup accepts events replayed by a reconnecting producer. They are
// deduplicated with the catch-up window and are not persisted again.
func (s *Service) SubmitCatchup(ctx context.Context, events []transcript.Event) ([]Result, error) {
	out := make([]Result, 0, len(events))
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.submit(ev, s.cfg.CatchupWindow, transcript.ProvenanceReplay, false)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Service) submit(ev transcript.Event, window time.Duration, prov transcript.Provenance, persist bool) (Result, error) {
	if strings.TrimSpace(ev.SessionID) == "" {
		return Result{}, fmt.Errorf("%w: session id is required", ErrInvalidEvent)
	}
	if _, ok := transcript.ParseRole(string(ev.Role)); !ok {
		return Result{}, fmt.Errorf("%w: unknown role %q", ErrInvalidEvent, ev.Role)
	}
	ev.Role, _ = transcript.ParseRole(string(ev.Role))

	now := s.now()
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = now
	}
	if ev.Provenance == "" {
		ev.Provenance = prov
	}

	if ev.IsFinal && strings.TrimSpace(ev.Text) == "" {
		s.ignored.Add(1)
		return Result{Ignored: true}, nil
	}

	var res Result
	var sh *shard
	for {
		var err error
		sh, err = s.shard(ev.SessionID, true)
		if err != nil {
			return Result{}, err
		}
		if ev.IsFinal {
			res.Key = KeyFor(ev, now)
			if !sh.dedupe.CheckAndRecord(res.Key, window, now) {
				s.duplicates.Add(1)
				s.logger.Debug("duplicate transcript dropped",
					"session_id", ev.SessionID,
					"role", ev.Role,
					"key", string(res.Key),
				)
				res.Duplicate = true
				return res, nil
			}
		}
		sh.mu.Lock()
		if !sh.retired {
			break
		}
		sh.mu.Unlock()
	}

	sh.pending = append(sh.pending, pendingEvent{event: ev, persist: persist && ev.IsFinal})
	sh.lastActivity = now
	if sh.timer == nil {
		sh.timer = time.AfterFunc(s.cfg.FlushWindow, func() { s.flush(sh) })
	}
	sh.mu.Unlock()

	s.accepted.Add(1)
	res.Accepted = true
	return res, nil
}

// Flush emits the pending batch of sessionID immediately.
func (s *Service) Flush(sessionID string) {
	sh, err := s.shard(sessionID, false)
	if err != nil || sh == nil {
		return
	}
	s.flush(sh)
}

func (s *Service) flush(sh *shard) {
	sh.flushMu.Lock()
	defer sh.flushMu.Unlock()

	now := s.now()
	sh.mu.Lock()
	if sh.timer != nil {
		sh.timer.Stop()
		sh.timer = nil
	}
	batch := sh.pending
	sh.pending = nil
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].event.OrderingTime().Before(batch[j].event.OrderingTime())
	})
	entries := make([]Entry, len(batch))
	for i, p := range batch {
		sh.seq++
		entries[i] = Entry{Seq: sh.seq, Event: p.event}
		if p.event.IsFinal {
			sh.history.append(entries[i])
		}
	}
	sh.lastActivity = now
	sh.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	for i := range entries {
		e := entries[i]
		if err := s.bus.publish(sh.id, Delivery{Type: DeliveryTranscript, Entry: &e, Timestamp: now}); err != nil {
			s.logger.Warn("publish transcript failed", "session_id", sh.id, "seq", e.Seq, "error", err)
		}
	}
	s.flushed.Add(uint64(len(entries)))

	if s.store == nil {
		return
	}
	for i, p := range batch {
		if !p.persist {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		err := s.store.AppendTranscript(ctx, entries[i].Event)
		cancel()
		if err != nil {
			s.persistErrors.Add(1)
			s.logger.Warn("persist transcript failed", "session_id", sh.id, "seq", entries[i].Seq, "error", err)
			continue
		}
		s.persisted.Add(1)
	}
}

// PublishError fans out an upstream failure to the session's subscribers.
func (s *Service) PublishError(sessionID string, reason string) error {
	sh, err := s.shard(sessionID, true)
	if err != nil {
		return err
	}
	sh.flushMu.Lock()
	defer sh.flushMu.Unlock()
	return s.bus.publish(sessionID, Delivery{Type: DeliveryError, Error: reason, Timestamp: s.now()})
}

// Catchup returns the retained history of sessionID. Memory history is
// preferred; when it is empty the durable store is consulted and the result is
// tagged as replayed.
func (s *Service) Catchup(ctx context.Context, sessionID string) (Catchup, error) {
	out := Catchup{SessionID: sessionID, Provenance: transcript.ProvenanceLive}

	sh, err := s.shard(sessionID, false)
	if err != nil {
		return out, err
	}
	if sh != nil {
		sh.mu.Lock()
		out.Entries = sh.history.snapshot()
		out.LastSeq = sh.seq
		sh.mu.Unlock()
	}
	if len(out.Entries) > 0 || s.store == nil {
		return out, nil
	}

	events, err := s.store.LoadTranscript(ctx, sessionID, s.cfg.HistoryLimit)
	if err != nil {
		return out, fmt.Errorf("load transcript %s: %w", sessionID, err)
	}
	out.Provenance = transcript.ProvenanceReplay
	out.Entries = make([]Entry, 0, len(events))
	for _, ev := range events {
		ev.Provenance = transcript.ProvenanceReplay
		out.Entries = append(out.Entries, Entry{Event: ev})
	}
	return out, nil
}

// Subscription delivers a session's frames until its context ends.
type Subscription struct {
	ID        string
	SessionID string

	c      chan Delivery
	cancel context.CancelFunc
	err    error
}

// C returns the delivery channel. It is closed when the subscription ends.
func (sub *Subscription) C() <-chan Delivery { return sub.c }

// Close ends the subscription.
func (sub *Subscription) Close() { sub.cancel() }

// Err reports why the subscription ended. Valid after C is closed.
func (sub *Subscription) Err() error { return sub.err }

// Subscribe joins sessionID's broadcast group.
func (s *Service) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidEvent)
	}
	sh, err := s.lockShard(sessionID)
	if err != nil {
		return nil, err
	}
	sh.subscribers++
	sh.lastActivity = s.now()
	sh.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := s.bus.subscribe(subCtx, sessionID)
	if err != nil {
		cancel()
		sh.mu.Lock()
		sh.subscribers--
		sh.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		c:         make(chan Delivery, s.cfg.SubscriberBuffer),
		cancel:    cancel,
	}
	go s.pump(subCtx, sub, msgs, sh)
	return sub, nil
}

func (s *Service) pump(ctx context.Context, sub *Subscription, msgs <-chan *message.Message, sh *shard) {
	defer func() {
		sub.cancel()
		sh.mu.Lock()
		sh.subscribers--
		sh.lastActivity = s.now()
		sh.mu.Unlock()
		close(sub.c)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var d Delivery
			if err := json.Unmarshal(msg.Payload, &d); err != nil {
				msg.Ack()
				s.logger.Warn("drop undecodable delivery", "session_id", sub.SessionID, "error", err)
				continue
			}
			select {
			case sub.c <- d:
				msg.Ack()
			default:
				msg.Ack()
				sub.err = ErrSlowSubscriber
				s.slowSubscribers.Add(1)
				s.logger.Warn("subscriber dropped", "session_id", sub.SessionID, "subscriber_id", sub.ID, "error", ErrSlowSubscriber)
				return
			}
		}
	}
}

// Sweep evicts expired dedupe keys and tears down idle shards. Idleness is
// decided with the service and shard locks both held, so a concurrent Submit
// either keeps the shard alive or lands in its replacement.
func (s *Service) Sweep(now time.Time) (evictedKeys, removedShards int) {
	s.mu.Lock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	for _, sh := range shards {
		evictedKeys += sh.dedupe.Sweep(now)
		if s.retire(sh, now) {
			removedShards++
		}
	}
	return evictedKeys, removedShards
}

func (s *Service) retire(sh *shard, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s.shards[sh.id] != sh || !sh.idle(now, s.cfg.IdleShardTTL) {
		return false
	}
	sh.retired = true
	delete(s.shards, sh.id)
	return true
}

func (sh *shard) idle(now time.Time, ttl time.Duration) bool {
	return sh.subscribers == 0 && len(sh.pending) == 0 && sh.dedupe.Len() == 0 && now.Sub(sh.lastActivity) > ttl
}

// Run sweeps periodically until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			keys, shards := s.Sweep(s.now())
			if keys > 0 || shards > 0 {
				s.logger.Debug("broadcast sweep", "evicted_keys", keys, "removed_sessions", shards)
			}
		}
	}
}

// Close flushes pending batches and stops fan-out. Subscriptions end.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	for _, sh := range shards {
		s.flush(sh)
	}
	return s.bus.close()
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	sessions := len(s.shards)
	s.mu.Unlock()
	return Stats{
		Sessions:        sessions,
		Accepted:        s.accepted.Load(),
		Duplicates:      s.duplicates.Load(),
		Ignored:         s.ignored.Load(),
		Flushed:         s.flushed.Load(),
		Persisted:       s.persisted.Load(),
		PersistErrors:   s.persistErrors.Load(),
		SlowSubscribers: s.slowSubscribers.Load(),
	}
}

// lockShard returns the live shard of sessionID with its mutex held.
func (s *Service) lockShard(sessionID string) (*shard, error) {
	for {
		sh, err := s.shard(sessionID, true)
		if err != nil {
			return nil, err
		}
		sh.mu.Lock()
		if !sh.retired {
			return sh, nil
		}
		sh.mu.Unlock()
	}
}

func (s *Service) shard(sessionID string, create bool) (*shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if sh, ok := s.shards[sessionID]; ok {
		return sh, nil
	}
	if !create {
		return nil, nil
	}
	retention := s.cfg.LiveWindow
	if s.cfg.CatchupWindow > retention {
		retention = s.cfg.CatchupWindow
	}
	sh := &shard{
		id:           sessionID,
		dedupe:       NewDeduper(retention),
		history:      newHistory(s.cfg.HistoryLimit),
		lastActivity: s.now(),
	}
	s.shards[sessionID] = sh
	return sh, nil
}
