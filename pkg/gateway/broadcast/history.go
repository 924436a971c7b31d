package broadcast

import "github.com/vango-go/vai-dialog/pkg/core/transcript"

// Entry is a retained transcript event with its per-session sequence number.
type Entry struct {
	Seq   uint64           `json:"seq"`
	Event transcript.Event `json:"event"`
}

// history is a fixed-capacity ring of the most recent entries.
type history struct {
	buf   []Entry
	start int
	n     int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1
	}
	return &history{buf: make([]Entry, capacity)}
}

func (h *history) append(e Entry) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = e
		h.n++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

func (h *history) len() int { return h.n }

// snapshot returns the entries oldest first.
func (h *history) snapshot() []Entry {
	out := make([]Entry, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}
