// Package main provides a CI-friendly smoke test for a running docsync server.
//
// It validates, with two clients on one document:
//   - CONNECT / CONNECT_ACK
//   - OPEN_DOCUMENT -> UPDATE_USERS + DOCUMENT_CONTENT
//   - UPDATE_CONTENT fanout without echo to the sender
//   - ROLLBACK_DOCUMENT fanout followed by DOCUMENT_CONTENT
//   - ERROR for an out-of-range version index
//   - REMOVE_USER shrinking the other client's roster
//
// Both clients use framed TCP by default; -transport=ws drives the /ws gateway instead.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	v1 "docsync/shared/contracts/docsync/v1"
	"docsync/shared/contracts/docsync/v1/wire"

	"github.com/coder/websocket"
)

const (
	wsSubprotocol = "docsync.v1"
	maxReadBytes  = 1 << 20 // 1MiB
)

// transport is one client connection carrying whole messages.
type transport interface {
	write(ctx context.Context, msg v1.Message) error
	read(ctx context.Context) (v1.Message, error)
	close()
}

type tcpTransport struct {
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder
}

func (t *tcpTransport) write(ctx context.Context, msg v1.Message) error {
	if d, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(d)
	}
	return t.enc.Encode(msg)
}

func (t *tcpTransport) read(_ context.Context) (v1.Message, error) { return t.dec.Decode() }
func (t *tcpTransport) close()                                     { _ = t.conn.Close() }

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) write(ctx context.Context, msg v1.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, b)
}

func (t *wsTransport) read(ctx context.Context) (v1.Message, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return v1.Message{}, err
	}
	var msg v1.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return v1.Message{}, fmt.Errorf("bad json: %w", err)
	}
	return msg, nil
}

func (t *wsTransport) close() { _ = t.conn.Close(websocket.StatusNormalClosure, "bye") }

type smokeClient struct {
	name  string
	conn  transport
	inbox chan v1.Message
	errCh chan error
}

func main() {
	var (
		kind    = flag.String("transport", "tcp", "Client transport: tcp or ws")
		tcpAddr = flag.String("addr", "127.0.0.1:5000", "TCP address (transport=tcp)")
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL (transport=ws)")
		origin  = flag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		docID   = flag.String("doc", fmt.Sprintf("smoke-%d", time.Now().UnixNano()), "Document ID to open")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	dial := func(name string) *smokeClient {
		switch *kind {
		case "tcp":
			return mustDialTCP(name, *tcpAddr, *timeout)
		case "ws":
			return mustDialWS(name, *wsURL, *origin, *timeout)
		default:
			fatalf("unsupported -transport %q (want tcp or ws)", *kind)
			return nil
		}
	}

	root := context.Background()

	a := dial("alice")
	defer a.conn.close()
	b := dial("bob")
	defer b.conn.close()

	mustConnect(root, a, *timeout)
	mustConnect(root, b, *timeout)

	mustOpen(root, a, *docID, *timeout)
	mustOpen(root, b, *docID, *timeout)
	a.mustReadUsers(root, "alice,bob", *timeout)
	if *verbose {
		fmt.Printf("opened: doc=%s transport=%s\n", *docID, *kind)
	}

	mustWrite(root, a, v1.New(v1.KindUpdateContent, a.name, "first draft"), *timeout)
	mustWrite(root, a, v1.New(v1.KindUpdateContent, a.name, "second draft"), *timeout)
	b.mustReadContent(root, v1.KindUpdateContent, "first draft", *timeout)
	b.mustReadContent(root, v1.KindUpdateContent, "second draft", *timeout)

	mustWrite(root, b, v1.New(v1.KindRollbackDocument, b.name, v1.FormatVersionIndex(0)), *timeout)
	b.mustReadContent(root, v1.KindDocumentContent, "first draft", *timeout)
	a.mustReadContent(root, v1.KindRollbackDocument, "0", *timeout)
	a.mustReadContent(root, v1.KindDocumentContent, "first draft", *timeout)

	mustWrite(root, b, v1.New(v1.KindRollbackDocument, b.name, "99"), *timeout)
	b.mustReadContent(root, v1.KindError, v1.InvalidVersionIndex, *timeout)

	a.mustAssertQuiet(root, 750*time.Millisecond)

	mustWrite(root, b, v1.New(v1.KindRemoveUser, b.name, *docID), *timeout)
	a.mustReadUsers(root, "alice", *timeout)

	fmt.Printf("OK: transport=%s doc=%s\n", *kind, *docID)
}

func mustDialTCP(name, addr string, stepTimeout time.Duration) *smokeClient {
	conn, err := net.DialTimeout("tcp", addr, stepTimeout)
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	return newSmokeClient(name, &tcpTransport{
		conn: conn,
		enc:  wire.NewEncoder(conn),
		dec:  wire.NewDecoder(bufio.NewReader(conn), maxReadBytes),
	})
}

func mustDialWS(name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != wsSubprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, wsSubprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	return newSmokeClient(name, &wsTransport{conn: conn})
}

func newSmokeClient(name string, conn transport) *smokeClient {
	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Message, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			msg, err := c.conn.read(context.Background())
			if err == nil {
				err = msg.Validate()
			}
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			select {
			case c.inbox <- msg:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustConnect(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.New(v1.KindConnect, c.name, ""), stepTimeout)
	c.mustReadContent(parent, v1.KindConnectAck, v1.ConnectAckText, stepTimeout)
}

func mustOpen(parent context.Context, c *smokeClient, docID string, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.New(v1.KindOpenDocument, c.name, docID), stepTimeout)
	c.mustReadUntil(parent, v1.KindDocumentContent, stepTimeout)
}

func mustWrite(parent context.Context, c *smokeClient, msg v1.Message, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.write(ctx, msg); err != nil {
		fatalf("write %s (%s): %v", msg.Type, c.name, err)
	}
}

// mustReadUntil skips UPDATE_USERS rosters until a message of kind want arrives.
func (c *smokeClient) mustReadUntil(parent context.Context, want v1.Kind, stepTimeout time.Duration) v1.Message {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", want, c.name)
		case err := <-c.errCh:
			fatalf("read failed while waiting for %s (%s): %v", want, c.name, err)
		case msg, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", want, c.name)
			}
			if msg.Type == want {
				return msg
			}
			if msg.Type != v1.KindUpdateUsers {
				fatalf("unexpected %s %q while waiting for %s (%s)", msg.Type, msg.Content, want, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadContent(parent context.Context, want v1.Kind, content string, stepTimeout time.Duration) {
	msg := c.mustReadUntil(parent, want, stepTimeout)
	if msg.Content != content {
		fatalf("%s content mismatch (%s): got=%q want=%q", want, c.name, msg.Content, content)
	}
}

func (c *smokeClient) mustReadUsers(parent context.Context, want string, stepTimeout time.Duration) {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		if msg := c.mustReadUntil(parent, v1.KindUpdateUsers, time.Until(deadline)); msg.Content == want {
			return
		}
	}
	fatalf("timeout waiting for users %q (%s)", want, c.name)
}

// mustAssertQuiet fails if anything other than a roster arrives within wait.
func (c *smokeClient) mustAssertQuiet(parent context.Context, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("read failed (%s): %v", c.name, err)
		case msg, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed (%s)", c.name)
			}
			if msg.Type != v1.KindUpdateUsers {
				fatalf("unexpected %s %q (%s)", msg.Type, msg.Content, c.name)
			}
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
