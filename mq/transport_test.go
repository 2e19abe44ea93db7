package mq

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bindTCP binds s to an ephemeral loopback port and returns the endpoint
// peers should connect to.
func bindTCP(t *testing.T, s *Socket) string {
	t.Helper()
	require.NoError(t, s.Bind("tcp://127.0.0.1:*"))
	ep := s.LastEndpoint()
	require.NotContains(t, ep, "*")
	return ep
}

func TestTCP_PushPull(t *testing.T) {
	ctx := newTestContext(t)
	pull := newTestSocket(t, ctx, PULL)
	push := newTestSocket(t, ctx, PUSH)

	ep := bindTCP(t, pull)
	require.NoError(t, push.Connect(ep))
	waitPeers(t, push, 1)

	require.NoError(t, push.Send([]byte("over the wire"), 0))
	msg, err := pull.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "over the wire", string(msg))
}

func TestTCP_ReqRep(t *testing.T) {
	ctx := newTestContext(t)
	rep := newTestSocket(t, ctx, REP)
	req := newTestSocket(t, ctx, REQ)

	ep := bindTCP(t, rep)
	require.NoError(t, req.Connect(ep))
	waitPeers(t, req, 1)

	require.NoError(t, req.Send([]byte("ab"), 0))
	msg, err := rep.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(msg))

	require.NoError(t, rep.Send([]byte("ok"), 0))
	msg, err = req.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(msg))
}

func TestTCP_PubSubLargeMessage(t *testing.T) {
	ctx := newTestContext(t)
	pub := newTestSocket(t, ctx, PUB)
	sub := newTestSocket(t, ctx, SUB)
	require.NoError(t, sub.Subscribe(nil))

	ep := bindTCP(t, pub)
	require.NoError(t, sub.Connect(ep))
	waitPeers(t, pub, 1)

	payload := bytes.Repeat([]byte("0123456789"), 20000)
	require.NoError(t, pub.Send(payload, 0))

	msg, err := sub.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, payload, msg)
}

func TestTCP_MaxMsgSizeDropsPeer(t *testing.T) {
	ctx := newTestContext(t)
	pull := newTestSocket(t, ctx, PULL)
	push := newTestSocket(t, ctx, PUSH)
	require.NoError(t, pull.SetMaxMsgSize(16))
	require.NoError(t, pull.SetRecvTimeout(100*time.Millisecond))

	ep := bindTCP(t, pull)
	require.NoError(t, push.Connect(ep))
	waitPeers(t, push, 1)

	require.NoError(t, push.Send(bytes.Repeat([]byte("x"), 64), 0))
	_, err := pull.Recv(0)
	assert.ErrorIs(t, err, ErrAgain)
}

func TestTCP_IncompatiblePeerNeverAttaches(t *testing.T) {
	ctx := newTestContext(t)
	pull := newTestSocket(t, ctx, PULL)
	pub := newTestSocket(t, ctx, PUB)

	ep := bindTCP(t, pull)
	require.NoError(t, pull.Monitor("inproc://pull.events", EventAccepted|EventHandshakeSucceeded))
	events := newTestSocket(t, ctx, PAIR)
	require.NoError(t, events.SetRecvTimeout(200*time.Millisecond))
	require.NoError(t, events.Connect("inproc://pull.events"))

	require.NoError(t, pub.Connect(ep))

	_, err := events.Recv(0)
	assert.ErrorIs(t, err, ErrAgain, "no record for a peer speaking another pattern")
	assert.Zero(t, pull.PeerCount())
	assert.Zero(t, pub.PeerCount())
}

func TestTCP_ConnectBeforeBindReconnects(t *testing.T) {
	ctx := newTestContext(t)

	// reserve a port, then free it for the late binder
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	push := newTestSocket(t, ctx, PUSH)
	require.NoError(t, push.Monitor("inproc://push.events", EventConnected))
	events := newTestSocket(t, ctx, PAIR)
	require.NoError(t, events.Connect("inproc://push.events"))

	require.NoError(t, push.Connect("tcp://"+addr))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, push.PeerCount())

	pull := newTestSocket(t, ctx, PULL)
	require.NoError(t, pull.Bind("tcp://"+addr))

	rec := recvEvent(t, events)
	assert.Equal(t, EventConnected, rec.Event)
	assert.Equal(t, "tcp://"+addr, rec.Endpoint)

	require.NoError(t, push.Send([]byte("late"), 0))
	msg, err := pull.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "late", string(msg))
}

func TestTCP_PeerRestart(t *testing.T) {
	ctx := newTestContext(t)
	push := newTestSocket(t, ctx, PUSH)

	pull := newTestSocket(t, ctx, PULL)
	ep := bindTCP(t, pull)
	require.NoError(t, push.Connect(ep))
	waitPeers(t, push, 1)

	require.NoError(t, push.Send([]byte("one"), 0))
	msg, err := pull.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "one", string(msg))

	require.NoError(t, pull.Close())
	waitPeers(t, push, 0)

	restarted := newTestSocket(t, ctx, PULL)
	require.NoError(t, restarted.Bind(ep))
	waitPeers(t, push, 1)

	require.NoError(t, push.Send([]byte("two"), 0))
	msg, err = restarted.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "two", string(msg))
}

func TestIPC_PushPull(t *testing.T) {
	ctx := newTestContext(t)
	path := filepath.Join(t.TempDir(), "mq.sock")

	pull := newTestSocket(t, ctx, PULL)
	push := newTestSocket(t, ctx, PUSH)
	require.NoError(t, pull.Bind("ipc://"+path))
	require.NoError(t, push.Connect("ipc://"+path))
	waitPeers(t, push, 1)

	require.NoError(t, push.Send([]byte("local"), 0))
	msg, err := pull.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "local", string(msg))
}

func TestTCP_BindAddressInUse(t *testing.T) {
	ctx := newTestContext(t)
	a := newTestSocket(t, ctx, PULL)
	b := newTestSocket(t, ctx, PULL)

	ep := bindTCP(t, a)
	assert.Error(t, b.Bind(ep))
}

func TestTCP_UnbindDropsPeers(t *testing.T) {
	ctx := newTestContext(t)
	pull := newTestSocket(t, ctx, PULL)
	push := newTestSocket(t, ctx, PUSH)

	ep := bindTCP(t, pull)
	require.NoError(t, push.Connect(ep))
	waitPeers(t, pull, 1)

	require.NoError(t, pull.Unbind(ep))
	waitPeers(t, pull, 0)

	require.NoError(t, push.Disconnect(ep))
	assert.ErrorIs(t, push.Disconnect(ep), ErrNoEndpoint)
}
