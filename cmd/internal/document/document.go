package document

import (
	"log/slog"
	"sort"
	"sync"

	"docsync/cmd/internal/metrics"
	v1 "docsync/shared/contracts/docsync/v1"
)

// Member is a live session attached to a document.
//
// Send must not block: documents call it while holding their membership lock.
// A returned error is treated as a delivery fault for that member only.
type Member interface {
	ID() string
	Send(msg v1.Message) error
}

// Document is the authoritative state of one collaboratively edited text.
//
// Concurrency guarantees:
//   - content and history are guarded by mu; compare-append-replace is one step.
//   - users and members are guarded by membersMu, independent of mu.
//   - Fanout never holds mu, so slow membership traffic cannot stall edits.
type Document struct {
	log     *slog.Logger
	metrics metrics.Collector
	ID      string

	mu      sync.Mutex
	content string
	history *history

	membersMu sync.RWMutex
	users     map[string]int // display name -> attached sessions
	members   map[string]memberEntry
}

type memberEntry struct {
	name   string
	member Member
}

// New constructs an empty document.
func New(log *slog.Logger, id string, m metrics.Collector) *Document {
	if log == nil {
		log = slog.Default()
	}
	return &Document{
		log:     log,
		metrics: metrics.OrNoop(m),
		ID:      id,
		history: newHistory(MaxVersions),
		users:   make(map[string]int),
		members: make(map[string]memberEntry),
	}
}

// UpdateContent replaces the content with text.
//
// The previous content is recorded in the version history only when it is
// non-empty and differs from text. It reports whether a snapshot was recorded.
func (d *Document) UpdateContent(text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	recorded := false
	if d.content != "" && d.content != text {
		d.history.push(d.content)
		recorded = true
		d.metrics.VersionRecorded()
	}
	d.content = text
	return recorded
}

// Content returns the current text.
func (d *Document) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

// VersionHistory returns a copy of the retained snapshots, oldest first.
func (d *Document) VersionHistory() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.snapshot()
}

// VersionCount returns the number of retained snapshots.
func (d *Document) VersionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.len()
}

// RollbackToVersion sets the content to the snapshot at index and returns it.
//
// The overwritten content is not recorded. An index outside the history
// returns an ErrInvalidIndex error and leaves the document unchanged.
func (d *Document) RollbackToVersion(index int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap, ok := d.history.at(index)
	if !ok {
		d.metrics.Rollback(false)
		return "", invalidIndex("document.RollbackToVersion", index, d.history.len())
	}

	d.content = snap
	d.metrics.Rollback(true)
	return snap, nil
}

// AddUser attaches member under name and broadcasts the new user list to every member.
// Adding an already attached member is a no-op apart from the broadcast.
func (d *Document) AddUser(name string, member Member) {
	if d == nil || member == nil || member.ID() == "" {
		return
	}

	d.membersMu.Lock()
	defer d.membersMu.Unlock()

	if _, ok := d.members[member.ID()]; !ok {
		d.members[member.ID()] = memberEntry{name: name, member: member}
		d.users[name]++
	}

	d.log.Info("document.member.join", "document_id", d.ID, "session_id", member.ID(), "user", name)
	d.broadcastUsersLocked()
}

// RemoveUser detaches member and broadcasts the new user list to the remaining members.
// The name leaves the user list once no attached session uses it.
func (d *Document) RemoveUser(name string, member Member) {
	if d == nil || member == nil {
		return
	}

	d.membersMu.Lock()
	defer d.membersMu.Unlock()

	if e, ok := d.members[member.ID()]; ok {
		delete(d.members, member.ID())
		name = e.name
		if d.users[name]--; d.users[name] <= 0 {
			delete(d.users, name)
		}
	}

	d.log.Info("document.member.leave", "document_id", d.ID, "session_id", member.ID(), "user", name)
	d.broadcastUsersLocked()
}

// Broadcast delivers msg unchanged to every member except exclude.
// Per-recipient failures are logged and never abort the fanout.
func (d *Document) Broadcast(msg v1.Message, exclude Member) {
	if d == nil {
		return
	}

	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID()
	}

	d.membersMu.RLock()
	defer d.membersMu.RUnlock()

	for id, e := range d.members {
		if id == excludeID {
			continue
		}
		d.deliver(e.member, msg)
	}
}

// ActiveUsers returns the sorted display names currently viewing the document.
func (d *Document) ActiveUsers() []string {
	d.membersMu.RLock()
	defer d.membersMu.RUnlock()
	return d.sortedUsersLocked()
}

// SessionCount returns the number of attached sessions.
func (d *Document) SessionCount() int {
	d.membersMu.RLock()
	defer d.membersMu.RUnlock()
	return len(d.members)
}

func (d *Document) broadcastUsersLocked() {
	msg := v1.New(v1.KindUpdateUsers, v1.ServerSender, v1.JoinUsers(d.sortedUsersLocked()))
	for _, e := range d.members {
		d.deliver(e.member, msg)
	}
}

func (d *Document) sortedUsersLocked() []string {
	out := make([]string, 0, len(d.users))
	for name := range d.users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Document) deliver(m Member, msg v1.Message) {
	if err := m.Send(msg); err != nil {
		d.metrics.DeliveryFailed()
		d.log.Warn("document.broadcast.deliver.fail",
			"document_id", d.ID,
			"session_id", m.ID(),
			"type", string(msg.Type),
			"err", err,
		)
	}
}
