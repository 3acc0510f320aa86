// Package metrics provides observability hooks for the docsync server.
//
// Components accept a Collector; a nil Collector is replaced by Noop so
// metrics can be disabled with zero wiring in tests.
package metrics

// Transport labels.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Collector records server events.
//
// Implementations must be safe for concurrent use.
type Collector interface {
	// SessionOpened records an accepted connection for the given transport.
	SessionOpened(transport string)

	// SessionClosed records a terminated session for the given transport.
	SessionClosed(transport string)

	// MessageReceived records one inbound message by protocol kind.
	MessageReceived(kind string)

	// MessageSent records one outbound message by protocol kind.
	MessageSent(kind string)

	// DeliveryFailed records a broadcast recipient that could not be reached.
	DeliveryFailed()

	// ProtocolError records an ERROR reply with a short reason label.
	ProtocolError(reason string)

	// DocumentCreated records a registry insert.
	DocumentCreated()

	// VersionRecorded records a snapshot appended to a version history.
	VersionRecorded()

	// Rollback records a rollback attempt; ok is false for rejected indexes.
	Rollback(ok bool)
}

// OrNoop returns c, or the no-op collector when c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return Noop()
	}
	return c
}

type noop struct{}

// Noop returns a Collector that discards everything.
func Noop() Collector { return noop{} }

func (noop) SessionOpened(string)   {}
func (noop) SessionClosed(string)   {}
func (noop) MessageReceived(string) {}
func (noop) MessageSent(string)     {}
func (noop) DeliveryFailed()        {}
func (noop) ProtocolError(string)   {}
func (noop) DocumentCreated()       {}
func (noop) VersionRecorded()       {}
func (noop) Rollback(bool)          {}
