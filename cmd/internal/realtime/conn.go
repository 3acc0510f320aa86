package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"docsync/cmd/internal/metrics"
	v1 "docsync/shared/contracts/docsync/v1"
	"docsync/shared/contracts/docsync/v1/wire"

	"github.com/coder/websocket"
)

// Conn is one client connection carrying whole Messages.
//
// Read is called from a single goroutine; Write from a single (different) goroutine.
// Read returns io.EOF once the peer has gone away cleanly and a
// *wire.MalformedError for a recoverable undecodable message.
type Conn interface {
	Read(ctx context.Context) (v1.Message, error)
	Write(ctx context.Context, msg v1.Message) error
	Close() error
	RemoteAddr() string
	Transport() string
}

// tcpConn frames Messages over a net.Conn with the wire codec.
type tcpConn struct {
	nc           net.Conn
	dec          *wire.Decoder
	enc          *wire.Encoder
	writeTimeout time.Duration
}

func newTCPConn(nc net.Conn, maxFrameBytes int, writeTimeout time.Duration) *tcpConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &tcpConn{
		nc:           nc,
		dec:          wire.NewDecoder(bufio.NewReader(nc), maxFrameBytes),
		enc:          wire.NewEncoder(nc),
		writeTimeout: writeTimeout,
	}
}

// Read blocks until a frame arrives. Cancellation is delivered by closing the conn.
func (c *tcpConn) Read(_ context.Context) (v1.Message, error) {
	msg, err := c.dec.Decode()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return v1.Message{}, io.EOF
		}
		return v1.Message{}, err
	}
	return msg, nil
}

func (c *tcpConn) Write(ctx context.Context, msg v1.Message) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.enc.Encode(msg)
}

func (c *tcpConn) Close() error       { return c.nc.Close() }
func (c *tcpConn) RemoteAddr() string { return c.nc.RemoteAddr().String() }
func (c *tcpConn) Transport() string  { return metrics.TransportTCP }

// wsConn carries one JSON Message per WebSocket data frame.
type wsConn struct {
	ws           *websocket.Conn
	remote       string
	writeTimeout time.Duration
}

func newWSConn(ws *websocket.Conn, remote string, maxFrameBytes int, writeTimeout time.Duration) *wsConn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ws.SetReadLimit(int64(maxFrameBytes))
	return &wsConn{ws: ws, remote: remote, writeTimeout: writeTimeout}
}

func (c *wsConn) Read(ctx context.Context) (v1.Message, error) {
	mt, data, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) {
			return v1.Message{}, io.EOF
		}
		return v1.Message{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Message{}, &wire.MalformedError{Err: fmt.Errorf("unsupported frame type: %v", mt)}
	}

	var msg v1.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return v1.Message{}, &wire.MalformedError{Err: err}
	}
	return msg, nil
}

func (c *wsConn) Write(parent context.Context, msg v1.Message) error {
	ctx, cancel := context.WithTimeout(parent, c.writeTimeout)
	defer cancel()

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, b)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}

func (c *wsConn) RemoteAddr() string { return c.remote }
func (c *wsConn) Transport() string  { return metrics.TransportWebSocket }
