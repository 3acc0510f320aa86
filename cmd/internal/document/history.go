package document

// MaxVersions is the capacity of a document's version history.
const MaxVersions = 10

// history is a bounded FIFO of prior content snapshots, oldest first.
// It is not safe for concurrent use; Document guards it with its content lock.
type history struct {
	entries []string
	limit   int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = MaxVersions
	}
	return &history{
		entries: make([]string, 0, limit),
		limit:   limit,
	}
}

// push appends s, evicting the oldest entry once at capacity.
func (h *history) push(s string) {
	if len(h.entries) == h.limit {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:h.limit-1]
	}
	h.entries = append(h.entries, s)
}

func (h *history) at(i int) (string, bool) {
	if i < 0 || i >= len(h.entries) {
		return "", false
	}
	return h.entries[i], true
}

func (h *history) len() int { return len(h.entries) }

func (h *history) snapshot() []string {
	return append([]string(nil), h.entries...)
}
