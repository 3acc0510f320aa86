package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"docsync/cmd/internal/document"
	"docsync/cmd/internal/metrics"
	v1 "docsync/shared/contracts/docsync/v1"
	"docsync/shared/contracts/docsync/v1/wire"
)

var (
	// ErrSessionClosed is returned by Send once the session has stopped.
	ErrSessionClosed = errors.New("realtime: session closed")
	// ErrSendQueueFull is returned by Send when the outbound queue is full.
	// The session is closed as a side effect.
	ErrSendQueueFull = errors.New("realtime: send queue full")
)

// State is the protocol state of a Session.
type State int32

const (
	StateUnconnected State = iota
	StateConnected
	StateDocumentOpen
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateDocumentOpen:
		return "document_open"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SessionConfig tunes per-session behaviour. Zero values select defaults.
type SessionConfig struct {
	SendQueueSize int
	WriteTimeout  time.Duration

	// RateEvents <= 0 disables inbound rate limiting.
	RateEvents int
	RateWindow time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Session maps one client connection onto document operations.
//
// One goroutine (Run) reads and dispatches; a second drains the send queue,
// so all writes to the connection are serialized.
// The send channel is never closed; done signals termination instead.
type Session struct {
	id       string
	conn     Conn
	registry *document.Registry
	log      *slog.Logger
	metrics  metrics.Collector
	cfg      SessionConfig
	limiter  *RateLimiter

	send      chan v1.Message
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	state State
	name  string
	doc   *document.Document
}

// NewSession constructs a session in the UNCONNECTED state. Call Run to serve it.
func NewSession(id string, conn Conn, registry *document.Registry, log *slog.Logger, m metrics.Collector, cfg SessionConfig) *Session {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Session{
		id:       id,
		conn:     conn,
		registry: registry,
		log:      log.With("session_id", id, "transport", conn.Transport()),
		metrics:  metrics.OrNoop(m),
		cfg:      cfg,
		limiter:  newSessionLimiter(cfg.RateEvents, cfg.RateWindow),
		send:     make(chan v1.Message, cfg.SendQueueSize),
		done:     make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DisplayName returns the name registered by CONNECT, or "".
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// DocumentID returns the id of the open document, or "".
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return ""
	}
	return s.doc.ID
}

// Send queues msg for delivery without blocking.
//
// A full queue means the peer cannot keep up: the session is aborted and
// ErrSendQueueFull returned. The client has to reconnect to resynchronise.
func (s *Session) Send(msg v1.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		s.log.Warn("session.send.queue_full", "type", string(msg.Type), "queue", cap(s.send))
		s.abort()
		return ErrSendQueueFull
	}
}

// Close stops the session and closes its connection. It is idempotent.
func (s *Session) Close() {
	s.stop()
	_ = s.conn.Close()
}

func (s *Session) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

// abort is Close for callers that may hold a document lock:
// the connection close runs in the background.
func (s *Session) abort() {
	s.stop()
	go func() { _ = s.conn.Close() }()
}

// Run serves the session until the connection fails, the peer leaves or ctx ends.
// On return the session has left its document and the connection is closed.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	transport := s.conn.Transport()
	s.metrics.SessionOpened(transport)
	s.log.Info("session.open", "remote", s.conn.RemoteAddr())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	err := s.readLoop(ctx)

	s.leaveDocument()
	s.setState(StateDisconnected)
	s.stop()
	<-writerDone
	_ = s.conn.Close()

	s.metrics.SessionClosed(transport)
	if err != nil {
		s.log.Info("session.close", "user", s.DisplayName(), "err", err)
	} else {
		s.log.Info("session.close", "user", s.DisplayName())
	}
	return err
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case msg := <-s.send:
			if !s.write(ctx, msg) {
				return
			}
		case <-s.done:
			s.drain(ctx)
			return
		}
	}
}

// drain flushes what is already queued, e.g. a final ERROR before disconnect.
func (s *Session) drain(ctx context.Context) {
	for {
		select {
		case msg := <-s.send:
			if !s.write(ctx, msg) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(ctx context.Context, msg v1.Message) bool {
	if err := s.conn.Write(context.WithoutCancel(ctx), msg); err != nil {
		s.log.Info("session.write.fail", "type", string(msg.Type), "err", err)
		s.abort()
		return false
	}
	s.metrics.MessageSent(string(msg.Type))
	return true
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		msg, err := s.conn.Read(ctx)
		if err != nil {
			switch {
			case wire.IsMalformed(err):
				s.log.Info("session.read.malformed", "err", err)
				s.replyError("malformed", v1.MalformedMessageText)
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.stopped():
				return nil
			case errors.Is(err, context.Canceled):
				return nil
			default:
				return err
			}
		}

		if !s.limiter.Allow(time.Now()) {
			s.log.Warn("session.rate_limited")
			s.replyError("rate_limited", v1.RateLimitedText)
			return nil
		}

		if err := msg.Validate(); err != nil {
			if errors.Is(err, v1.ErrMissingType) {
				s.replyError("malformed", v1.MalformedMessageText)
			} else {
				s.replyError("unsupported", v1.UnsupportedTypeText)
			}
			continue
		}

		s.metrics.MessageReceived(string(msg.Type))
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg v1.Message) {
	switch msg.Type {
	case v1.KindConnect:
		s.onConnect(msg)

	case v1.KindOpenDocument:
		if s.requireConnected() {
			s.onOpenDocument(msg)
		}

	case v1.KindUpdateContent:
		if doc, ok := s.requireDocument(); ok {
			s.onUpdateContent(doc, msg)
		}

	case v1.KindRollbackDocument:
		if doc, ok := s.requireDocument(); ok {
			s.onRollback(doc, msg)
		}

	case v1.KindRemoveUser:
		if _, ok := s.requireDocument(); ok {
			s.onRemoveUser(msg)
		}

	case v1.KindConnectAck, v1.KindDocumentContent, v1.KindUpdateUsers, v1.KindError:
		s.replyError("unsupported", v1.UnsupportedTypeText)

	default:
		s.replyError("unsupported", v1.UnsupportedTypeText)
	}
}

func (s *Session) onConnect(msg v1.Message) {
	s.mu.Lock()
	if s.state != StateUnconnected {
		s.mu.Unlock()
		s.reply(v1.New(v1.KindConnectAck, v1.ServerSender, v1.ConnectAckText))
		return
	}

	name := strings.TrimSpace(msg.Sender)
	if name == "" {
		s.mu.Unlock()
		s.replyError("display_name", v1.DisplayNameRequiredText)
		return
	}
	s.name = name
	s.state = StateConnected
	s.mu.Unlock()

	s.log.Info("session.connect", "user", name)
	s.reply(v1.New(v1.KindConnectAck, v1.ServerSender, v1.ConnectAckText))
}

func (s *Session) onOpenDocument(msg v1.Message) {
	// Document ids are opaque: only an all-blank id is rejected, and the id is used as sent.
	id := msg.Content
	if strings.TrimSpace(id) == "" {
		s.replyError("document_id", v1.DocumentIDRequiredText)
		return
	}

	s.mu.Lock()
	current, name := s.doc, s.name
	s.mu.Unlock()

	if current != nil && current.ID == id {
		s.reply(v1.New(v1.KindDocumentContent, v1.ServerSender, current.Content()))
		return
	}
	if current != nil {
		s.leaveDocument()
	}

	doc := s.registry.GetOrCreate(id)

	s.mu.Lock()
	s.doc = doc
	s.state = StateDocumentOpen
	s.mu.Unlock()

	doc.AddUser(name, s)
	s.log.Info("session.document.open", "document_id", id, "user", name)
	// Content is read after AddUser, so an edit racing this open may be queued
	// ahead of the reply; the client converges on the next UPDATE_CONTENT.
	s.reply(v1.New(v1.KindDocumentContent, v1.ServerSender, doc.Content()))
}

func (s *Session) onUpdateContent(doc *document.Document, msg v1.Message) {
	doc.UpdateContent(msg.Content)
	doc.Broadcast(msg, s)
}

func (s *Session) onRollback(doc *document.Document, msg v1.Message) {
	idx, err := v1.ParseVersionIndex(msg.Content)
	if err != nil {
		s.replyError("rollback_format", v1.InvalidVersionFormat)
		return
	}

	restored, err := doc.RollbackToVersion(idx)
	if err != nil {
		if document.IsInvalidIndex(err) {
			s.replyError("rollback_index", v1.InvalidVersionIndex)
			return
		}
		s.log.Error("document.rollback.fail", "document_id", doc.ID, "err", err)
		return
	}

	s.log.Info("document.rollback", "document_id", doc.ID, "index", idx)
	content := v1.New(v1.KindDocumentContent, v1.ServerSender, restored)
	s.reply(content)
	doc.Broadcast(msg, s)
	doc.Broadcast(content, s)
}

func (s *Session) onRemoveUser(msg v1.Message) {
	if id := msg.Content; strings.TrimSpace(id) != "" && id != s.DocumentID() {
		s.log.Info("session.document.remove.mismatch", "requested", id, "document_id", s.DocumentID())
	}
	s.leaveDocument()
}

// leaveDocument detaches from the open document, if any, returning to CONNECTED.
func (s *Session) leaveDocument() {
	s.mu.Lock()
	doc, name := s.doc, s.name
	s.doc = nil
	if s.state == StateDocumentOpen {
		s.state = StateConnected
	}
	s.mu.Unlock()

	if doc == nil {
		return
	}
	doc.RemoveUser(name, s)
	s.log.Info("session.document.leave", "document_id", doc.ID, "user", name)
}

func (s *Session) requireConnected() bool {
	if s.State() == StateUnconnected {
		s.replyError("not_connected", v1.ConnectFirstText)
		return false
	}
	return true
}

func (s *Session) requireDocument() (*document.Document, bool) {
	s.mu.Lock()
	state, doc := s.state, s.doc
	s.mu.Unlock()

	switch {
	case state == StateUnconnected:
		s.replyError("not_connected", v1.ConnectFirstText)
		return nil, false
	case doc == nil:
		s.replyError("no_document", v1.NoDocumentOpenText)
		return nil, false
	default:
		return doc, true
	}
}

func (s *Session) reply(msg v1.Message) {
	if err := s.Send(msg); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.log.Info("session.reply.fail", "type", string(msg.Type), "err", err)
	}
}

func (s *Session) replyError(reason, text string) {
	s.metrics.ProtocolError(reason)
	s.reply(v1.New(v1.KindError, v1.ServerSender, text))
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
