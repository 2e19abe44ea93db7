// Package mq adapts the scalability protocols of mangos to ZeroMQ-style
// sockets: PUB/SUB, PUSH/PULL, REQ/REP and PAIR.
//
// Sockets are created from a Context, attached to endpoints with Bind or
// Connect (inproc://, tcp:// and ipc:// are supported) and exchange whole
// messages. Peer attach and detach are observed through the protocol pipe
// hook and published as event records on an optional monitor endpoint, so a
// peer only counts as connected once protocol negotiation has succeeded.
//
// Like its native counterpart a Socket must be used from one goroutine at a
// time. The Context itself is safe for concurrent use.
package mq

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.nanomsg.org/mangos/v3"

	// transports reachable through Bind and Connect
	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/ipc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
)

// Default socket option values.
const (
	defaultReconnectInterval    = 100 * time.Millisecond
	defaultReconnectIntervalMax = 5 * time.Second

	// pollInterval bounds how long Poll sleeps between PollOut checks,
	// since queue drains are not signalled.
	pollInterval = 5 * time.Millisecond
)

// socketOptions holds the configuration of a socket.
type socketOptions struct {
	sendTimeout          time.Duration // <0 blocks, 0 never waits
	recvTimeout          time.Duration
	sendHWM              int
	recvHWM              int
	maxMsgSize           int64 // <0 means unlimited
	reconnectInterval    time.Duration
	reconnectIntervalMax time.Duration
}

// delivery is one inbound message. from carries the request/reply
// conversation the message belongs to.
type delivery struct {
	body []byte
	from mangos.Context
}

// binding is an active listener together with the endpoint it was asked for.
type binding struct {
	listener  mangos.Listener
	requested string
}

// Socket is a single messaging endpoint.
type Socket struct {
	ctx    *Context
	typ    Type
	id     string
	logger Logger
	sock   mangos.Socket

	lifetime context.Context
	cancel   context.CancelFunc

	mu           sync.Mutex
	opts         socketOptions
	peers        map[uint32]peer
	changed      chan struct{}
	inbox        chan delivery
	started      bool
	listeners    map[string]binding
	dialers      map[string]mangos.Dialer
	lastEndpoint string
	monitor      *monitor
	closed       bool

	// owned by the calling goroutine
	peeked        *delivery
	awaitingReply bool
	request       mangos.Context
	replyTo       mangos.Context
}

func newSocket(c *Context, t Type) (*Socket, error) {
	sock, err := t.open()
	if err != nil {
		return nil, errors.Wrapf(err, "open %s socket", t)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	s := &Socket{
		ctx:      c,
		typ:      t,
		id:       uuid.NewString(),
		logger:   c.logger,
		sock:     sock,
		lifetime: lifetime,
		cancel:   cancel,
		opts: socketOptions{
			sendTimeout:          Block,
			recvTimeout:          Block,
			sendHWM:              defaultHWM,
			recvHWM:              defaultHWM,
			maxMsgSize:           -1,
			reconnectInterval:    defaultReconnectInterval,
			reconnectIntervalMax: defaultReconnectIntervalMax,
		},
		peers:     make(map[uint32]peer),
		changed:   make(chan struct{}),
		inbox:     make(chan delivery, defaultHWM),
		listeners: make(map[string]binding),
		dialers:   make(map[string]mangos.Dialer),
	}

	sock.SetPipeEventHook(s.pipeEvent)

	// the receive pumps block in the protocol layer; timeouts are applied
	// on the inbox instead
	if err := s.setProtocolOption(mangos.OptionRecvDeadline, time.Duration(0)); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := s.setProtocolOption(mangos.OptionWriteQLen, defaultHWM); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := s.setProtocolOption(mangos.OptionReadQLen, defaultHWM); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return s, nil
}

// setProtocolOption applies an option the protocol may not implement.
func (s *Socket) setProtocolOption(name string, value any) error {
	err := s.sock.SetOption(name, value)
	if err == nil || errors.Is(err, mangos.ErrBadOption) {
		return nil
	}
	return errors.Wrapf(mapError(err), "set %s", name)
}

// Type returns the socket pattern.
func (s *Socket) Type() Type {
	return s.typ
}

// ID returns the unique identifier of the socket.
func (s *Socket) ID() string {
	return s.id
}

// LastEndpoint returns the endpoint of the most recent successful Bind with
// wildcards resolved.
func (s *Socket) LastEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEndpoint
}

// SetSendTimeout sets how long a blocking send waits. Zero never waits and a
// negative value blocks until the message is queued.
func (s *Socket) SetSendTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.opts.sendTimeout = d
	return nil
}

// SendTimeout returns the send timeout.
func (s *Socket) SendTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.sendTimeout
}

// SetRecvTimeout sets how long a blocking receive waits. Zero never waits
// and a negative value blocks until a message arrives.
func (s *Socket) SetRecvTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.opts.recvTimeout = d
	return nil
}

// RecvTimeout returns the receive timeout.
func (s *Socket) RecvTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.recvTimeout
}

// SetSendHWM limits the number of outbound messages queued by the socket.
func (s *Socket) SetSendHWM(n int) error {
	if n < 1 {
		return errors.Wrapf(ErrInvalidOption, "send high-water mark %d", n)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.opts.sendHWM = n
	s.mu.Unlock()
	return s.setProtocolOption(mangos.OptionWriteQLen, n)
}

// SetRecvHWM limits the number of inbound messages queued by the socket.
// The socket side of the limit only changes before the first Bind or
// Connect.
func (s *Socket) SetRecvHWM(n int) error {
	if n < 1 {
		return errors.Wrapf(ErrInvalidOption, "receive high-water mark %d", n)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.opts.recvHWM = n
	if !s.started && len(s.inbox) == 0 {
		s.inbox = make(chan delivery, n)
	}
	s.mu.Unlock()
	return s.setProtocolOption(mangos.OptionReadQLen, n)
}

// SendHWM returns the send high-water mark.
func (s *Socket) SendHWM() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.sendHWM
}

// RecvHWM returns the receive high-water mark.
func (s *Socket) RecvHWM() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.recvHWM
}

// SetMaxMsgSize limits the size of a message read from a stream peer. A
// negative value removes the limit.
func (s *Socket) SetMaxMsgSize(n int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.opts.maxMsgSize = n
	s.mu.Unlock()

	limit := 0
	if n >= 0 {
		limit = int(n)
	}
	return s.setProtocolOption(mangos.OptionMaxRecvSize, limit)
}

// SetReconnectInterval configures the exponential reconnect backoff of
// connects made afterwards.
func (s *Socket) SetReconnectInterval(min, max time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if min <= 0 {
		min = defaultReconnectInterval
	}
	if max < min {
		max = min
	}
	s.opts.reconnectInterval = min
	s.opts.reconnectIntervalMax = max
	return nil
}

// Subscribe adds a message prefix filter. An empty prefix matches every message.
func (s *Socket) Subscribe(prefix []byte) error {
	if s.typ != SUB {
		return ErrNotSupported
	}
	if s.isClosed() {
		return s.closedErr()
	}
	return mapError(s.sock.SetOption(mangos.OptionSubscribe, append([]byte{}, prefix...)))
}

// Unsubscribe removes one matching prefix filter.
func (s *Socket) Unsubscribe(prefix []byte) error {
	if s.typ != SUB {
		return ErrNotSupported
	}
	if s.isClosed() {
		return s.closedErr()
	}
	err := s.sock.SetOption(mangos.OptionUnsubscribe, append([]byte{}, prefix...))
	if errors.Is(err, mangos.ErrBadValue) {
		// not subscribed
		return nil
	}
	return mapError(err)
}

// Bind attaches the socket to a local endpoint and accepts peers on it.
func (s *Socket) Bind(addr string) error {
	if s.isClosed() {
		return s.closedErr()
	}
	ep, err := parseEndpoint(addr)
	if err != nil {
		return err
	}
	url, err := ep.transportURL(s.ctx.namespace, true)
	if err != nil {
		return err
	}
	if ep.scheme == schemeIPC {
		removeStaleSocket(ep.address)
	}

	l, err := s.sock.NewListener(url, nil)
	if err == nil {
		if err = l.Listen(); err != nil {
			_ = l.Close()
		}
	}
	if err != nil {
		s.emit(EventBindFailed, 0, addr)
		return errors.Wrapf(mapError(err), "bind %s", addr)
	}

	bound := boundEndpoint(ep, l.Address())
	s.mu.Lock()
	s.listeners[bound] = binding{listener: l, requested: ep.String()}
	s.lastEndpoint = bound
	s.mu.Unlock()

	s.logger.Debug("socket bound", "socket", s.id, "endpoint", bound)
	s.emit(EventListening, 0, bound)
	s.start()
	return nil
}

// Connect attaches the socket to a remote endpoint. Connecting is
// asynchronous: the call returns once the attempt has been scheduled and the
// socket keeps reconnecting until it is closed or disconnected.
func (s *Socket) Connect(addr string) error {
	if s.isClosed() {
		return s.closedErr()
	}
	ep, err := parseEndpoint(addr)
	if err != nil {
		return err
	}
	url, err := ep.transportURL(s.ctx.namespace, false)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.dialers[ep.String()]; ok {
		s.mu.Unlock()
		return nil
	}
	opts := map[string]interface{}{
		mangos.OptionDialAsynch:       true,
		mangos.OptionReconnectTime:    s.opts.reconnectInterval,
		mangos.OptionMaxReconnectTime: s.opts.reconnectIntervalMax,
	}
	s.mu.Unlock()

	d, err := s.sock.NewDialer(url, opts)
	if err != nil {
		return errors.Wrapf(mapError(err), "connect %s", addr)
	}
	if err := d.Dial(); err != nil {
		_ = d.Close()
		return errors.Wrapf(mapError(err), "connect %s", addr)
	}

	s.mu.Lock()
	s.dialers[ep.String()] = d
	s.mu.Unlock()

	s.logger.Debug("socket connecting", "socket", s.id, "endpoint", ep.String())
	s.start()
	return nil
}

// Disconnect stops connecting to addr and drops the peers attached through it.
func (s *Socket) Disconnect(addr string) error {
	if s.isClosed() {
		return s.closedErr()
	}
	ep, err := parseEndpoint(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	d, ok := s.dialers[ep.String()]
	delete(s.dialers, ep.String())
	s.mu.Unlock()
	if !ok {
		return ErrNoEndpoint
	}

	err = d.Close()
	s.dropEndpoint(ep.String())
	return mapError(err)
}

// Unbind stops accepting peers on addr and drops those already accepted.
// addr may be the endpoint passed to Bind or the resolved LastEndpoint.
func (s *Socket) Unbind(addr string) error {
	if s.isClosed() {
		return s.closedErr()
	}
	ep, err := parseEndpoint(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var (
		found binding
		bound string
	)
	for key, b := range s.listeners {
		if key == ep.String() || b.requested == ep.String() {
			found, bound = b, key
			delete(s.listeners, key)
			break
		}
	}
	s.mu.Unlock()
	if found.listener == nil {
		return ErrNoEndpoint
	}

	err = found.listener.Close()
	s.dropEndpoint(bound)
	s.emit(EventClosed, 0, bound)
	return mapError(err)
}

// sendDeadline converts a send timeout into the protocol deadline, where
// zero blocks and a negative value never waits.
func sendDeadline(timeout time.Duration) time.Duration {
	switch {
	case timeout < 0:
		return 0
	case timeout == 0:
		return -1
	}
	return timeout
}

// Send queues one message.
func (s *Socket) Send(msg []byte, flags Flag) error {
	if s.isClosed() {
		return s.closedErr()
	}
	if !s.typ.CanSend() {
		return ErrNotSupported
	}

	timeout := s.SendTimeout()
	if flags&DontWait != 0 {
		timeout = 0
	}
	deadline := sendDeadline(timeout)
	body := bytes.Clone(msg)

	switch s.typ {
	case REQ:
		return s.sendRequest(body, deadline)

	case REP:
		c := s.replyTo
		if c == nil {
			return ErrFSM
		}
		s.replyTo = nil
		if err := c.SetOption(mangos.OptionSendDeadline, deadline); err != nil {
			_ = c.Close()
			return mapError(err)
		}
		err := mapError(c.Send(body))
		if errors.Is(err, ErrAgain) {
			s.replyTo = c
			return err
		}
		_ = c.Close()
		return s.sendErr(err)

	default:
		if err := s.sock.SetOption(mangos.OptionSendDeadline, deadline); err != nil && !errors.Is(err, mangos.ErrBadOption) {
			return mapError(err)
		}
		return s.sendErr(mapError(s.sock.Send(body)))
	}
}

func (s *Socket) sendRequest(body []byte, deadline time.Duration) error {
	if s.awaitingReply {
		return ErrFSM
	}
	c, err := s.sock.OpenContext()
	if err != nil {
		return s.sendErr(mapError(err))
	}
	if err := c.SetOption(mangos.OptionSendDeadline, deadline); err != nil {
		_ = c.Close()
		return mapError(err)
	}
	if err := c.SetOption(mangos.OptionRecvDeadline, time.Duration(0)); err != nil {
		_ = c.Close()
		return mapError(err)
	}
	if err := c.Send(body); err != nil {
		_ = c.Close()
		return s.sendErr(mapError(err))
	}

	s.awaitingReply = true
	s.request = c
	inbox := s.currentInbox()
	s.ctx.wg.Go(func() { s.awaitReply(c, inbox) })
	return nil
}

// sendErr reports ErrTerminated instead of ErrClosed after Context.Term.
func (s *Socket) sendErr(err error) error {
	if errors.Is(err, ErrClosed) {
		return s.closedErr()
	}
	return err
}

// Recv returns the next message. The returned slice is owned by the caller.
func (s *Socket) Recv(flags Flag) ([]byte, error) {
	if s.isClosed() {
		return nil, s.closedErr()
	}
	if !s.typ.CanRecv() {
		return nil, ErrNotSupported
	}
	if s.typ == REQ && !s.awaitingReply {
		return nil, ErrFSM
	}

	timeout := s.RecvTimeout()
	if flags&DontWait != 0 {
		timeout = 0
	}

	d, err := s.next(timeout)
	if err != nil {
		return nil, err
	}

	switch s.typ {
	case REQ:
		s.awaitingReply = false
		_ = s.request.Close()
		s.request = nil
	case REP:
		if s.replyTo != nil {
			// the previous request was never answered
			_ = s.replyTo.Close()
		}
		s.replyTo = d.from
	}

	if d.body == nil {
		return []byte{}, nil
	}
	return d.body, nil
}

// RecvAppend receives the next message and appends it to dst.
func (s *Socket) RecvAppend(dst []byte, flags Flag) ([]byte, error) {
	msg, err := s.Recv(flags)
	if err != nil {
		return dst, err
	}
	return append(dst, msg...), nil
}

// next pulls the next acceptable message from the inbox.
func (s *Socket) next(timeout time.Duration) (delivery, error) {
	if d, ok := s.tryNext(); ok {
		return d, nil
	}
	if timeout == 0 {
		return delivery{}, ErrAgain
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	inbox := s.currentInbox()
	for {
		select {
		case d := <-inbox:
			if s.accept(d) {
				return d, nil
			}
		case <-deadline:
			return delivery{}, ErrAgain
		case <-s.lifetime.Done():
			return delivery{}, s.closedErr()
		}
	}
}

// tryNext returns a peeked or immediately available message.
func (s *Socket) tryNext() (delivery, bool) {
	if s.peeked != nil {
		d := *s.peeked
		s.peeked = nil
		return d, true
	}
	inbox := s.currentInbox()
	for {
		select {
		case d := <-inbox:
			if s.accept(d) {
				return d, true
			}
		default:
			return delivery{}, false
		}
	}
}

// accept drops replies to an abandoned request.
func (s *Socket) accept(d delivery) bool {
	if s.typ == REQ {
		return s.request != nil && d.from == s.request
	}
	return true
}

// Poll waits up to timeout for any of events to become ready and returns
// the ready subset. A zero timeout checks once; a negative one blocks.
func (s *Socket) Poll(events PollEvent, timeout time.Duration) (PollEvent, error) {
	if s.isClosed() {
		return 0, s.closedErr()
	}

	var end time.Time
	if timeout > 0 {
		end = time.Now().Add(timeout)
	}

	for {
		ready := s.ready(events)
		if ready != 0 || timeout == 0 {
			return ready, nil
		}

		wait := time.Duration(-1)
		if events&PollOut != 0 {
			wait = pollInterval
		}
		if timeout > 0 {
			remaining := time.Until(end)
			if remaining <= 0 {
				return 0, nil
			}
			if wait < 0 || remaining < wait {
				wait = remaining
			}
		}

		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			tick = timer.C
		}

		var inbox chan delivery
		if events&PollIn != 0 && s.canPollIn() {
			inbox = s.currentInbox()
		}
		changed := s.changes()

		select {
		case d := <-inbox:
			if s.accept(d) {
				s.peeked = &d
			}
		case <-changed:
		case <-tick:
		case <-s.lifetime.Done():
			if timer != nil {
				timer.Stop()
			}
			return 0, s.closedErr()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Socket) ready(events PollEvent) PollEvent {
	var r PollEvent
	if events&PollIn != 0 && s.readable() {
		r |= PollIn
	}
	if events&PollOut != 0 && s.writable() {
		r |= PollOut
	}
	return r
}

func (s *Socket) canPollIn() bool {
	if !s.typ.CanRecv() {
		return false
	}
	return s.typ != REQ || s.awaitingReply
}

func (s *Socket) readable() bool {
	if s.peeked != nil {
		return true
	}
	if !s.canPollIn() {
		return false
	}
	d, ok := s.tryNext()
	if ok {
		s.peeked = &d
	}
	return ok
}

// writable reports whether a send can make progress: a pending reply on
// REP, and at least one attached peer for the point-to-point patterns.
func (s *Socket) writable() bool {
	switch s.typ {
	case PUB:
		return true
	case REP:
		return s.replyTo != nil
	case REQ:
		if s.awaitingReply {
			return false
		}
	case PUSH, PAIR:
	default:
		return false
	}
	return s.PeerCount() > 0
}

// Queued returns the number of received messages waiting to be read.
func (s *Socket) Queued() int {
	n := len(s.currentInbox())
	if s.peeked != nil {
		n++
	}
	return n
}

// Close detaches the socket from all peers and releases its endpoints.
// Messages still queued for peers are discarded. Close is idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.peers = make(map[uint32]peer)
	s.notifyLocked()
	s.mu.Unlock()

	s.stopMonitor()
	s.cancel()
	if err := s.sock.Close(); err != nil && !errors.Is(err, mangos.ErrClosed) {
		s.logger.Debug("close protocol socket", "socket", s.id, "error", err)
	}
	s.ctx.removeSocket(s)
	return nil
}

// terminate is Close as driven by Context.Term.
func (s *Socket) terminate() {
	_ = s.Close()
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) closedErr() error {
	if s.ctx.isTerminated() {
		return ErrTerminated
	}
	return ErrClosed
}

func (s *Socket) currentInbox() chan delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbox
}

func (s *Socket) changes() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// notifyLocked wakes every goroutine waiting for the peer set to change.
func (s *Socket) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
