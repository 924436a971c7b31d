package broadcast

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vango-go/vai-dialog/pkg/core/transcript"
)

const (
	signaturePrefixHex = 16
	signatureBucket    = 5 * time.Second
)

// DedupeKey identifies "the same utterance" across producers.
type DedupeKey string

// KeyFor derives the dedupe key of ev. Events with an item id are keyed by it.
// Otherwise the key is a signature of the normalized text, its length and a
// coarse time bucket. now is used when ev carries no timestamp.
func KeyFor(ev transcript.Event, now time.Time) DedupeKey {
	if id := strings.TrimSpace(ev.ItemID); id != "" {
		return DedupeKey(fmt.Sprintf("%s|%s|id:%s", ev.SessionID, ev.Role, id))
	}

	norm := normalizeText(ev.Text)
	sum := sha256.Sum256([]byte(norm))
	ts := ev.OrderingTime()
	if ts.IsZero() {
		ts = now
	}
	bucket := ts.UnixNano() / int64(signatureBucket)
	return DedupeKey(fmt.Sprintf("%s|%s|sig:%s:%d:%d",
		ev.SessionID, ev.Role,
		hex.EncodeToString(sum[:])[:signaturePrefixHex],
		utf8.RuneCountInString(norm),
		bucket,
	))
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Deduper remembers recently accepted keys. The same instance serves live and
// catch-up producers; only the window differs.
type Deduper struct {
	mu        sync.Mutex
	seen      map[DedupeKey]time.Time
	retention time.Duration
}

// NewDeduper creates a Deduper whose Sweep evicts keys older than retention.
func NewDeduper(retention time.Duration) *Deduper {
	return &Deduper{
		seen:      make(map[DedupeKey]time.Time),
		retention: retention,
	}
}

// Check reports whether key was accepted within window of now.
func (d *Deduper) Check(key DedupeKey, window time.Duration, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isDuplicateLocked(key, window, now)
}

// Record stores key as seen at now.
func (d *Deduper) Record(key DedupeKey, now time.Time) {
	d.mu.Lock()
	d.seen[key] = now
	d.mu.Unlock()
}

// CheckAndRecord accepts key unless it is a duplicate within window. An accepted
// key is recorded before returning so concurrent submissions of the same key
// cannot both pass.
func (d *Deduper) CheckAndRecord(key DedupeKey, window time.Duration, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isDuplicateLocked(key, window, now) {
		return false
	}
	d.seen[key] = now
	return true
}

// Sweep evicts keys older than the retention window and returns how many were
// removed.
func (d *Deduper) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for k, seen := range d.seen {
		if now.Sub(seen) > d.retention {
			delete(d.seen, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduper) isDuplicateLocked(key DedupeKey, window time.Duration, now time.Time) bool {
	seen, ok := d.seen[key]
	return ok && now.Sub(seen) <= window
}
