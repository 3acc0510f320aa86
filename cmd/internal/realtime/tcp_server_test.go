package realtime

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	v1 "docsync/shared/contracts/docsync/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCP_TwoClientsEditAndRollback(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{})

	alice := dialTCP(t, ts.addr)
	alice.connect("alice")
	assert.Equal(t, "", alice.open("alice", "d1"))

	bob := dialTCP(t, ts.addr)
	bob.connect("bob")
	assert.Equal(t, "", bob.open("bob", "d1"))
	alice.readUsers("alice,bob")

	alice.send(v1.KindUpdateContent, "alice", "hello")
	got := bob.readUntil(v1.KindUpdateContent)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "alice", got.Sender)

	alice.send(v1.KindUpdateContent, "alice", "hello world")
	assert.Equal(t, "hello world", bob.readUntil(v1.KindUpdateContent).Content)

	doc, ok := ts.registry.Lookup("d1")
	require.True(t, ok)
	assert.Equal(t, "hello world", doc.Content())
	assert.Equal(t, []string{"hello"}, doc.VersionHistory())

	bob.send(v1.KindRollbackDocument, "bob", "0")
	restored := bob.readUntil(v1.KindDocumentContent)
	assert.Equal(t, "hello", restored.Content)

	rb := alice.next()
	assert.Equal(t, v1.KindRollbackDocument, rb.Type)
	assert.Equal(t, "0", rb.Content)
	assert.Equal(t, "bob", rb.Sender)

	content := alice.next()
	assert.Equal(t, v1.KindDocumentContent, content.Type)
	assert.Equal(t, "hello", content.Content)

	assert.Equal(t, "hello", doc.Content())
	assert.Equal(t, []string{"hello"}, doc.VersionHistory(), "rollback does not record the overwritten text")
}

func TestTCP_InvalidRollbackRepliesToRequesterOnly(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{})

	alice := dialTCP(t, ts.addr)
	alice.connect("alice")
	alice.open("alice", "d1")

	bob := dialTCP(t, ts.addr)
	bob.connect("bob")
	bob.open("bob", "d1")
	alice.readUsers("alice,bob")

	bob.send(v1.KindUpdateContent, "bob", "one")
	alice.readUntil(v1.KindUpdateContent)
	bob.send(v1.KindUpdateContent, "bob", "two")
	alice.readUntil(v1.KindUpdateContent)

	tests := []struct {
		content string
		want    string
	}{
		{"5", v1.InvalidVersionIndex},
		{"-1", v1.InvalidVersionIndex},
		{"abc", v1.InvalidVersionFormat},
		{"", v1.InvalidVersionFormat},
		{" 0", v1.InvalidVersionFormat},
		{"0\n", v1.InvalidVersionFormat},
	}
	for _, tt := range tests {
		bob.send(v1.KindRollbackDocument, "bob", tt.content)
		msg := bob.next()
		assert.Equal(t, v1.KindError, msg.Type, "content %q", tt.content)
		assert.Equal(t, tt.want, msg.Content, "content %q", tt.content)
	}

	doc, _ := ts.registry.Lookup("d1")
	assert.Equal(t, "two", doc.Content())
	assert.Equal(t, []string{"one"}, doc.VersionHistory())

	// The next thing alice sees is the later edit: no errors and no echo leaked.
	bob.send(v1.KindUpdateContent, "bob", "sync")
	next := alice.next()
	assert.Equal(t, v1.KindUpdateContent, next.Type)
	assert.Equal(t, "sync", next.Content)
}

func TestTCP_DocumentIDsAreOpaque(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{})

	alice := dialTCP(t, ts.addr)
	alice.connect("alice")
	alice.open("alice", "d1")
	alice.send(v1.KindUpdateContent, "alice", "plain")

	bob := dialTCP(t, ts.addr)
	bob.connect("bob")
	assert.Equal(t, "", bob.open("bob", "d1 "))

	assert.Equal(t, []string{"d1", "d1 "}, ts.registry.IDs())
	padded, ok := ts.registry.Lookup("d1 ")
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, padded.ActiveUsers())

	plain, _ := ts.registry.Lookup("d1")
	waitFor(t, func() bool { return plain.Content() == "plain" })
	assert.Equal(t, []string{"alice"}, plain.ActiveUsers())
	assert.Equal(t, "", padded.Content())
}

func TestTCP_UpdateIsNotEchoedToSender(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{})

	alice := dialTCP(t, ts.addr)
	alice.connect("alice")
	alice.open("alice", "d1")

	bob := dialTCP(t, ts.addr)
	bob.connect("bob")
	bob.open("bob", "d1")
	alice.readUsers("alice,bob")

	alice.send(v1.KindUpdateContent, "alice", "mine")
	bob.readUntil(v1.KindUpdateContent)

	bob.send(v1.KindUpdateContent, "bob", "theirs")
	got := alice.next()
	assert.Equal(t, "theirs", got.Content, "alice must not receive her own edit")
}

func TestTCP_DisconnectRemovesUser(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{})

	alice := dialTCP(t, ts.addr)
	alice.connect("alice")
	alice.open("alice", "d1")

	bob := dialTCP(t, ts.addr)
	bob.connect("bob")
	bob.open("bob", "d1")
	bob.send(v1.KindUpdateContent, "bob", "kept")
	alice.readUsers("alice,bob")
	alice.readUntil(v1.KindUpdateContent)

	require.NoError(t, bob.nc.Close())
	alice.readUsers("alice")

	doc, ok := ts.registry.Lookup("d1")
	require.True(t, ok)
	waitFor(t, func() bool { return doc.SessionCount() == 1 })
	assert.Equal(t, []string{"alice"}, doc.ActiveUsers())
	waitFor(t, func() bool { return ts.srv.SessionCount() == 1 })

	require.NoError(t, alice.nc.Close())
	waitFor(t, func() bool { return doc.SessionCount() == 0 })

	// The document survives its last user.
	again, ok := ts.registry.Lookup("d1")
	require.True(t, ok)
	assert.Equal(t, "kept", again.Content())
}

func TestTCP_SwitchingDocumentsLeavesThePreviousOne(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{})

	alice := dialTCP(t, ts.addr)
	alice.connect("alice")
	alice.open("alice", "d1")

	bob := dialTCP(t, ts.addr)
	bob.connect("bob")
	bob.open("bob", "d1")
	alice.readUsers("alice,bob")

	assert.Equal(t, "", bob.open("bob", "d2"))
	alice.readUsers("alice")

	d1, _ := ts.registry.Lookup("d1")
	d2, _ := ts.registry.Lookup("d2")
	assert.Equal(t, []string{"alice"}, d1.ActiveUsers())
	waitFor(t, func() bool { return d2.SessionCount() == 1 })
	assert.Equal(t, []string{"bob"}, d2.ActiveUsers())

	// Edits now go to d2 only.
	bob.send(v1.KindUpdateContent, "bob", "in d2")
	waitFor(t, func() bool { return d2.Content() == "in d2" })
	assert.Equal(t, "", d1.Content())
}

func TestTCP_RemoveUserReturnsToConnected(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{})

	alice := dialTCP(t, ts.addr)
	alice.connect("alice")
	alice.open("alice", "d1")

	bob := dialTCP(t, ts.addr)
	bob.connect("bob")
	bob.open("bob", "d1")
	alice.readUsers("alice,bob")

	bob.send(v1.KindRemoveUser, "bob", "d1")
	alice.readUsers("alice")

	bob.send(v1.KindUpdateContent, "bob", "late")
	msg := bob.readUntil(v1.KindError)
	assert.Equal(t, v1.NoDocumentOpenText, msg.Content)

	// Reopening works from CONNECTED.
	bob.open("bob", "d1")
	alice.readUsers("alice,bob")
}

func TestTCP_ProtocolErrors(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{})
	c := dialTCP(t, ts.addr)

	c.send(v1.KindOpenDocument, "x", "d1")
	assert.Equal(t, v1.ConnectFirstText, c.readUntil(v1.KindError).Content)

	c.send(v1.KindUpdateContent, "x", "text")
	assert.Equal(t, v1.ConnectFirstText, c.readUntil(v1.KindError).Content)

	c.send(v1.KindConnect, "   ", "")
	assert.Equal(t, v1.DisplayNameRequiredText, c.readUntil(v1.KindError).Content)

	c.connect("carol")

	c.send(v1.KindUpdateContent, "carol", "text")
	assert.Equal(t, v1.NoDocumentOpenText, c.readUntil(v1.KindError).Content)

	c.send(v1.KindRollbackDocument, "carol", "0")
	assert.Equal(t, v1.NoDocumentOpenText, c.readUntil(v1.KindError).Content)

	c.send(v1.KindOpenDocument, "carol", "  ")
	assert.Equal(t, v1.DocumentIDRequiredText, c.readUntil(v1.KindError).Content)

	c.send(v1.KindUpdateUsers, "carol", "mallory")
	assert.Equal(t, v1.UnsupportedTypeText, c.readUntil(v1.KindError).Content)

	c.send(v1.Kind("CURSOR_POSITION"), "carol", "3")
	assert.Equal(t, v1.UnsupportedTypeText, c.readUntil(v1.KindError).Content)

	// A repeated CONNECT is re-acknowledged and the name is kept.
	c.send(v1.KindConnect, "someone-else", "")
	c.readUntil(v1.KindConnectAck)
	c.open("carol", "d1")
	doc, _ := ts.registry.Lookup("d1")
	assert.Equal(t, []string{"carol"}, doc.ActiveUsers())
}

func TestTCP_MalformedFrameKeepsSession(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{})
	c := dialTCP(t, ts.addr)

	body := []byte("{not json")
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := c.nc.Write(frame)
	require.NoError(t, err)

	msg := c.next()
	assert.Equal(t, v1.KindError, msg.Type)
	assert.Equal(t, v1.MalformedMessageText, msg.Content)

	c.connect("dave")
}

func TestTCP_OversizedFrameDisconnects(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{MaxFrameBytes: 64})
	c := dialTCP(t, ts.addr)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<20)
	_, err := c.nc.Write(header[:])
	require.NoError(t, err)

	c.expectClosed()
}

func TestTCP_RateLimitDisconnects(t *testing.T) {
	t.Parallel()

	ts := startTCPTestServer(t, TCPConfig{Session: SessionConfig{RateEvents: 2, RateWindow: time.Minute}})
	c := dialTCP(t, ts.addr)

	c.send(v1.KindConnect, "erin", "")
	c.send(v1.KindConnect, "erin", "")
	c.send(v1.KindConnect, "erin", "")

	assert.Equal(t, v1.KindConnectAck, c.next().Type)
	assert.Equal(t, v1.KindConnectAck, c.next().Type)

	msg := c.next()
	assert.Equal(t, v1.KindError, msg.Type)
	assert.Equal(t, v1.RateLimitedText, msg.Content)

	c.expectClosed()
}

func TestTCP_ShutdownClosesSessions(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewTCPServer(testLogger(), newTestRegistry(), nil, TCPConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := dialTCP(t, ln.Addr().String())
	c.connect("frank")
	waitFor(t, func() bool { return srv.SessionCount() == 1 })

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return after cancel")
	}

	c.expectClosed()
	assert.Equal(t, 0, srv.SessionCount())
}
