package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"docsync/cmd/internal/document"
	"docsync/cmd/internal/metrics"
	v1 "docsync/shared/contracts/docsync/v1"
	"docsync/shared/contracts/docsync/v1/wire"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	srv      *TCPServer
	registry *document.Registry
	addr     string
	cancel   context.CancelFunc
	done     chan error
}

func startTCPTestServer(t *testing.T, cfg TCPConfig) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	reg := newTestRegistry()
	srv := NewTCPServer(testLogger(), reg, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		srv:      srv,
		registry: reg,
		addr:     ln.Addr().String(),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { ts.done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(testTimeout):
			t.Errorf("tcp server did not stop")
		}
	})
	return ts
}

type tcpClient struct {
	t   *testing.T
	nc  net.Conn
	enc *wire.Encoder
	dec *wire.Decoder
}

func dialTCP(t *testing.T, addr string) *tcpClient {
	t.Helper()

	nc, err := net.DialTimeout("tcp", addr, testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })

	return &tcpClient{t: t, nc: nc, enc: wire.NewEncoder(nc), dec: wire.NewDecoder(nc, 0)}
}

func (c *tcpClient) send(kind v1.Kind, sender, content string) {
	c.t.Helper()
	require.NoError(c.t, c.enc.Encode(v1.New(kind, sender, content)))
}

func (c *tcpClient) next() v1.Message {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(testTimeout)))
	msg, err := c.dec.Decode()
	require.NoError(c.t, err)
	return msg
}

// readUntil skips messages until one of the given kind arrives.
func (c *tcpClient) readUntil(kind v1.Kind) v1.Message {
	c.t.Helper()
	for {
		msg := c.next()
		if msg.Type == kind {
			return msg
		}
	}
}

// readUsers skips messages until an UPDATE_USERS with exactly want arrives.
func (c *tcpClient) readUsers(want string) {
	c.t.Helper()
	for {
		msg := c.readUntil(v1.KindUpdateUsers)
		if msg.Content == want {
			return
		}
	}
}

// connect performs CONNECT and waits for the ack.
func (c *tcpClient) connect(name string) {
	c.t.Helper()
	c.send(v1.KindConnect, name, "")
	ack := c.readUntil(v1.KindConnectAck)
	require.Equal(c.t, v1.ConnectAckText, ack.Content)
}

// open performs OPEN_DOCUMENT and returns the DOCUMENT_CONTENT payload.
func (c *tcpClient) open(name, id string) string {
	c.t.Helper()
	c.send(v1.KindOpenDocument, name, id)
	return c.readUntil(v1.KindDocumentContent).Content
}

// expectClosed drains until the server closes the connection.
func (c *tcpClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		_, err := c.dec.Decode()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) {
			require.False(c.t, ne.Timeout(), "connection was not closed by the server")
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, testTimeout, 10*time.Millisecond)
}

func newTestRegistry() *document.Registry {
	return document.NewRegistry(testLogger(), nil)
}

// counterValue sums every series of the named counter family.
func counterValue(t *testing.T, m *metrics.Prometheus, name string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
