package mq

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	ctx := NewContext()
	t.Cleanup(func() { _ = ctx.Term() })
	return ctx
}

func newTestSocket(t *testing.T, ctx *Context, typ Type) *Socket {
	t.Helper()
	s, err := ctx.NewSocket(typ)
	require.NoError(t, err)
	require.NoError(t, s.SetRecvTimeout(time.Second))
	require.NoError(t, s.SetSendTimeout(time.Second))
	require.NoError(t, s.SetReconnectInterval(10*time.Millisecond, 50*time.Millisecond))
	return s
}

// waitPeers blocks until s has n attached peers.
func waitPeers(t *testing.T, s *Socket, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.PeerCount() == n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d peers", n)
}

func TestContext_NewSocketLimits(t *testing.T) {
	ctx := NewContext(MaxSocketsOption(1))

	_, err := ctx.NewSocket(Type(5))
	assert.ErrorIs(t, err, ErrInvalidType)

	s, err := ctx.NewSocket(PUB)
	require.NoError(t, err)

	_, err = ctx.NewSocket(SUB)
	assert.ErrorIs(t, err, ErrTooManySockets)

	require.NoError(t, s.Close())
	_, err = ctx.NewSocket(SUB)
	require.NoError(t, err)

	require.NoError(t, ctx.Term())
	_, err = ctx.NewSocket(SUB)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestContext_InprocNamespaces(t *testing.T) {
	a := newTestContext(t)
	b := newTestContext(t)

	require.NoError(t, newTestSocket(t, a, PULL).Bind("inproc://shared-name"))
	assert.NoError(t, newTestSocket(t, b, PULL).Bind("inproc://shared-name"))
}

func TestInproc_PubSub(t *testing.T) {
	ctx := newTestContext(t)
	pub := newTestSocket(t, ctx, PUB)
	sub := newTestSocket(t, ctx, SUB)

	require.NoError(t, pub.Bind("inproc://feed"))
	require.NoError(t, sub.Subscribe([]byte("a.")))
	require.NoError(t, sub.Connect("inproc://feed"))
	waitPeers(t, pub, 1)

	require.NoError(t, pub.Send([]byte("b.skipped"), 0))
	require.NoError(t, pub.Send([]byte("a.kept"), 0))

	msg, err := sub.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "a.kept", string(msg))

	require.NoError(t, sub.SetRecvTimeout(50*time.Millisecond))
	_, err = sub.Recv(0)
	assert.ErrorIs(t, err, ErrAgain)
}

func TestInproc_PubWithoutSubscribersDrops(t *testing.T) {
	ctx := newTestContext(t)
	pub := newTestSocket(t, ctx, PUB)
	require.NoError(t, pub.Bind("inproc://nobody"))

	assert.NoError(t, pub.Send([]byte("lost"), 0))
}

func TestSocket_HighWaterMarks(t *testing.T) {
	ctx := newTestContext(t)
	sub := newTestSocket(t, ctx, SUB)

	require.NoError(t, sub.SetRecvHWM(2))
	require.NoError(t, sub.SetSendHWM(3))
	assert.Equal(t, 2, sub.RecvHWM())
	assert.Equal(t, 3, sub.SendHWM())
	assert.Equal(t, 2, cap(sub.currentInbox()))

	assert.ErrorIs(t, sub.SetRecvHWM(0), ErrInvalidOption)
	assert.ErrorIs(t, sub.SetSendHWM(-1), ErrInvalidOption)
	assert.Equal(t, 2, sub.RecvHWM())
}

func TestInproc_ConnectBeforeBind(t *testing.T) {
	ctx := newTestContext(t)
	pull := newTestSocket(t, ctx, PULL)
	push := newTestSocket(t, ctx, PUSH)

	require.NoError(t, pull.Connect("inproc://late"))
	require.NoError(t, push.Bind("inproc://late"))
	waitPeers(t, push, 1)

	require.NoError(t, push.Send([]byte("hello"), 0))
	msg, err := pull.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))
}

func TestInproc_PushSpreadsAcrossWorkers(t *testing.T) {
	ctx := newTestContext(t)
	push := newTestSocket(t, ctx, PUSH)
	require.NoError(t, push.Bind("inproc://work"))

	workers := []*Socket{newTestSocket(t, ctx, PULL), newTestSocket(t, ctx, PULL)}
	for _, w := range workers {
		require.NoError(t, w.Connect("inproc://work"))
	}
	waitPeers(t, push, 2)

	for i := 0; i < 4; i++ {
		require.NoError(t, push.Send([]byte(fmt.Sprint(i)), 0))
	}

	received := 0
	for _, w := range workers {
		require.NoError(t, w.SetRecvTimeout(100*time.Millisecond))
		for {
			if _, err := w.Recv(0); err != nil {
				assert.ErrorIs(t, err, ErrAgain)
				break
			}
			received++
		}
	}
	assert.Equal(t, 4, received)
}

func TestInproc_ReqRep(t *testing.T) {
	ctx := newTestContext(t)
	rep := newTestSocket(t, ctx, REP)
	req := newTestSocket(t, ctx, REQ)

	require.NoError(t, rep.Bind("inproc://rpc"))
	require.NoError(t, req.Connect("inproc://rpc"))
	waitPeers(t, req, 1)

	_, err := req.Recv(0)
	assert.ErrorIs(t, err, ErrFSM, "receive before request")
	assert.ErrorIs(t, rep.Send([]byte("x"), 0), ErrFSM, "reply before request")

	require.NoError(t, req.Send([]byte("ping"), 0))
	assert.ErrorIs(t, req.Send([]byte("again"), 0), ErrFSM)

	msg, err := rep.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))
	require.NoError(t, rep.Send([]byte("pong"), 0))

	msg, err = req.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))

	require.NoError(t, req.Send([]byte("ping 2"), 0))
}

func TestInproc_RepRoutesRepliesToRequester(t *testing.T) {
	ctx := newTestContext(t)
	rep := newTestSocket(t, ctx, REP)
	require.NoError(t, rep.Bind("inproc://routing"))

	clients := []*Socket{newTestSocket(t, ctx, REQ), newTestSocket(t, ctx, REQ)}
	for _, c := range clients {
		require.NoError(t, c.Connect("inproc://routing"))
	}
	waitPeers(t, rep, 2)
	for i, c := range clients {
		require.NoError(t, c.Send([]byte(fmt.Sprint(i)), 0))
	}

	for range clients {
		msg, err := rep.Recv(0)
		require.NoError(t, err)
		require.NoError(t, rep.Send(append([]byte("re:"), msg...), 0))
	}

	for i, c := range clients {
		msg, err := c.Recv(0)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("re:%d", i), string(msg))
	}
}

func TestInproc_RecvAppend(t *testing.T) {
	ctx := newTestContext(t)
	a := newTestSocket(t, ctx, PAIR)
	b := newTestSocket(t, ctx, PAIR)
	require.NoError(t, a.Bind("inproc://parts"))
	require.NoError(t, b.Connect("inproc://parts"))
	waitPeers(t, a, 1)

	require.NoError(t, a.Send([]byte("body"), 0))

	body, err := b.RecvAppend([]byte("> "), 0)
	require.NoError(t, err)
	assert.Equal(t, "> body", string(body))
}

func TestInproc_PairAcceptsOnePeer(t *testing.T) {
	ctx := newTestContext(t)
	server := newTestSocket(t, ctx, PAIR)
	require.NoError(t, server.Bind("inproc://pair"))

	first := newTestSocket(t, ctx, PAIR)
	require.NoError(t, first.Connect("inproc://pair"))
	waitPeers(t, server, 1)

	second := newTestSocket(t, ctx, PAIR)
	require.NoError(t, second.Connect("inproc://pair"))
	assert.Never(t, func() bool {
		return server.PeerCount() > 1 || second.PeerCount() > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, server.Send([]byte("only you"), 0))
	msg, err := first.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "only you", string(msg))
}

func TestInproc_IncompatibleTypesNeverAttach(t *testing.T) {
	ctx := newTestContext(t)
	pub := newTestSocket(t, ctx, PUB)
	pull := newTestSocket(t, ctx, PULL)

	require.NoError(t, pub.Bind("inproc://mismatch"))
	require.NoError(t, pull.Connect("inproc://mismatch"))

	assert.Never(t, func() bool {
		return pub.PeerCount() > 0 || pull.PeerCount() > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestInproc_BindTwice(t *testing.T) {
	ctx := newTestContext(t)
	a := newTestSocket(t, ctx, PUB)
	b := newTestSocket(t, ctx, PUB)

	require.NoError(t, a.Bind("inproc://taken"))
	assert.ErrorIs(t, b.Bind("inproc://taken"), ErrAddrInUse)

	require.NoError(t, a.Close())
	assert.NoError(t, b.Bind("inproc://taken"))
}

func TestSocket_RecvTimeout(t *testing.T) {
	ctx := newTestContext(t)
	pull := newTestSocket(t, ctx, PULL)
	require.NoError(t, pull.SetRecvTimeout(30*time.Millisecond))
	require.NoError(t, pull.Bind("inproc://quiet"))

	start := time.Now()
	_, err := pull.Recv(0)
	assert.ErrorIs(t, err, ErrAgain)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	require.NoError(t, pull.SetRecvTimeout(0))
	_, err = pull.Recv(0)
	assert.ErrorIs(t, err, ErrAgain)

	_, err = pull.Recv(DontWait)
	assert.ErrorIs(t, err, ErrAgain)
}

func TestSocket_Poll(t *testing.T) {
	ctx := newTestContext(t)
	push := newTestSocket(t, ctx, PUSH)
	pull := newTestSocket(t, ctx, PULL)
	require.NoError(t, push.Bind("inproc://poll"))

	ready, err := push.Poll(PollOut, 0)
	require.NoError(t, err)
	assert.Zero(t, ready, "no peer yet")

	require.NoError(t, pull.Connect("inproc://poll"))
	ready, err = push.Poll(PollOut, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, PollOut, ready)

	ready, err = pull.Poll(PollIn, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, ready)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = push.Send([]byte("wake"), 0)
	}()
	ready, err = pull.Poll(PollIn, time.Second)
	require.NoError(t, err)
	assert.Equal(t, PollIn, ready)

	msg, err := pull.Recv(DontWait)
	require.NoError(t, err)
	assert.Equal(t, "wake", string(msg))
}

func TestSocket_CloseUnblocksRecv(t *testing.T) {
	ctx := newTestContext(t)
	pull := newTestSocket(t, ctx, PULL)
	require.NoError(t, pull.SetRecvTimeout(Block))
	require.NoError(t, pull.Bind("inproc://blocked"))

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	go func() {
		defer wg.Done()
		_, recvErr = pull.Recv(0)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pull.Close())
	wg.Wait()
	assert.ErrorIs(t, recvErr, ErrClosed)

	assert.NoError(t, pull.Close(), "close is idempotent")
	_, err := pull.Recv(0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContext_TermClosesSockets(t *testing.T) {
	ctx := NewContext()
	s, err := ctx.NewSocket(PULL)
	require.NoError(t, err)
	require.NoError(t, s.Bind("inproc://term"))

	require.NoError(t, ctx.Term())
	_, err = s.Recv(DontWait)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestSocket_UnbindAndDisconnect(t *testing.T) {
	ctx := newTestContext(t)
	push := newTestSocket(t, ctx, PUSH)
	pull := newTestSocket(t, ctx, PULL)
	require.NoError(t, push.Bind("inproc://detach"))
	require.NoError(t, pull.Connect("inproc://detach"))
	waitPeers(t, push, 1)

	require.NoError(t, pull.Disconnect("inproc://detach"))
	assert.ErrorIs(t, pull.Disconnect("inproc://detach"), ErrNoEndpoint)
	waitPeers(t, push, 0)

	ready, err := push.Poll(PollOut, 0)
	require.NoError(t, err)
	assert.Zero(t, ready)

	require.NoError(t, push.Unbind("inproc://detach"))
	assert.ErrorIs(t, push.Unbind("inproc://detach"), ErrNoEndpoint)
}

func TestSocket_WrongDirection(t *testing.T) {
	ctx := newTestContext(t)
	push := newTestSocket(t, ctx, PUSH)
	pull := newTestSocket(t, ctx, PULL)

	_, err := push.Recv(0)
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.ErrorIs(t, pull.Send([]byte("x"), 0), ErrNotSupported)
	assert.ErrorIs(t, push.Subscribe(nil), ErrNotSupported)
}
