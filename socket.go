// Package rhmq manages the lifecycle and connectivity of message sockets.
//
// A Registry hands out named Contexts; a Context creates Sockets. A Socket is
// initialized with a Pattern and an address, binds or connects according to
// the pattern and tracks whether a peer has ever been seen. The first
// connection is given a fixed time budget that is consumed across calls:
// once it is exhausted, Send fails immediately until the socket is closed or
// re-initialized.
//
// Sockets are not safe for concurrent use.
package rhmq

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/Zereker/rhmq/mq"
)

// Socket owns one engine endpoint together with its connection state.
type Socket struct {
	ctx  *Context
	opts options

	engine  *mq.Socket
	pattern Pattern
	address string
	label   string
	flags   InitFlag

	connectTimeout time.Duration

	opened         bool
	connected      bool
	timeoutExpired bool
	openTime       time.Time

	monitor *connMonitor
	recv    recvBuffer

	unknownEvents rate.Sometimes
}

func newSocket(c *Context, opts ...Option) *Socket {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	checkOptions(c, &o)

	return &Socket{
		ctx:            c,
		opts:           o,
		label:          o.label,
		connectTimeout: o.connectTimeout,
		recv:           newRecvBuffer(),
		unknownEvents:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Init creates the engine socket for pattern and address, applies the
// transport settings and registers the socket with its Context. Unless
// DelayedOpen is set the socket is opened right away.
func (s *Socket) Init(pattern Pattern, address string, flags InitFlag) error {
	if s.engine != nil {
		return ErrAlreadyInitialized
	}
	if address == "" {
		return ErrEmptyAddress
	}
	if !pattern.valid() {
		return errors.Errorf("rhmq: invalid pattern %d", int(pattern))
	}

	s.pattern = pattern
	s.address = address
	s.flags = flags
	if s.label == "" {
		s.label = address
	}

	engine, err := s.ctx.engine.NewSocket(pattern.engineType())
	if err != nil {
		s.logError("create socket", "error", err)
		return errors.Wrap(err, "create socket")
	}
	s.engine = engine

	cfg := s.opts.config
	if err := engine.SetSendTimeout(cfg.SendTimeout()); err != nil {
		s.logError("could not set send timeout", "error", err)
	}
	if err := engine.SetRecvTimeout(cfg.RecvTimeout()); err != nil {
		s.logError("could not set receive timeout", "error", err)
	}
	if err := engine.SetSendHWM(cfg.SendQueueLimit); err != nil {
		s.logError("could not set send message queue limit", "error", err)
	}
	if err := engine.SetRecvHWM(cfg.RecvQueueLimit); err != nil {
		s.logError("could not set receive message queue limit", "error", err)
	}
	if cfg.ReconnectIvlMs > 0 {
		ivl := time.Duration(cfg.ReconnectIvlMs) * time.Millisecond
		if err := engine.SetReconnectInterval(ivl, time.Duration(cfg.ReconnectIvlMaxMs)*time.Millisecond); err != nil {
			s.logError("could not set reconnect interval", "error", err)
		}
	}

	s.ctx.register(s)

	if flags&DelayedOpen != 0 {
		return nil
	}
	return s.Open()
}

// SetMessageCount overrides both queue limits. A zero count is rejected.
func (s *Socket) SetMessageCount(count uint32) error {
	if s.engine == nil {
		return ErrNotInitialized
	}
	if count == 0 {
		return errors.Wrap(ErrInvalidQueueLimit, "message count")
	}
	if err := s.engine.SetSendHWM(int(count)); err != nil {
		s.logError("could not set send message queue limit", "error", err)
	}
	if err := s.engine.SetRecvHWM(int(count)); err != nil {
		s.logError("could not set receive message queue limit", "error", err)
	}
	return nil
}

// Open binds or connects the socket. Publish, Push and Reply bind;
// Subscribe, Pull and Request connect; Pair binds unless PairClient is set.
// On failure the socket is closed.
func (s *Socket) Open() error {
	if s.engine == nil {
		return ErrNotInitialized
	}
	if s.opened {
		return ErrAlreadyOpened
	}
	s.opened = true

	if s.flags&NoMonitor == 0 {
		s.monitor = s.armMonitor()
	}

	var err error
	if s.pattern == Subscribe {
		err = s.engine.Subscribe(nil)
	}
	if err == nil {
		if s.pattern.binds(s.flags) {
			err = s.engine.Bind(s.address)
		} else {
			err = s.engine.Connect(s.address)
		}
	}

	if err != nil {
		s.logError("open failed", "error", err)
		_ = s.Close()
		return errors.Wrapf(err, "open %s", s.address)
	}

	s.openTime = time.Now()
	s.logDebug("socket opened", "pattern", s.pattern, "bind", s.pattern.binds(s.flags))
	return nil
}

// ReInit recreates the endpoint from scratch with the stored pattern,
// address and flags. It recovers request/reply sockets left unusable by a
// failed exchange and grants a fresh connect budget. A socket that was never
// opened is opened instead, honoring DelayedOpen.
func (s *Socket) ReInit() error {
	if s.engine == nil {
		return ErrNotInitialized
	}
	if !s.opened {
		if s.flags&DelayedOpen != 0 {
			return nil
		}
		return s.Open()
	}

	_ = s.Close()
	return s.Init(s.pattern, s.address, s.flags)
}

// Close releases the monitor and the endpoint and resets the connection
// state. Close is idempotent.
func (s *Socket) Close() error {
	if s.monitor != nil {
		s.monitor.stop(s.engine)
		s.monitor = nil
	}
	if s.engine != nil {
		s.ctx.unregister(s)
		if err := s.engine.Close(); err != nil {
			s.logError("close failed", "error", err)
		}
		s.engine = nil
		s.recv.reset()
	}
	s.opened = false
	s.connected = false
	s.timeoutExpired = false
	return nil
}

// IsConnected reports whether a peer has been observed, waiting up to
// timeout for one. Infinite waits until a connection event arrives. Once
// connected the call never waits.
//
// Without a monitor, send-capable patterns are checked by polling for send
// readiness and receive-only patterns are assumed connected.
func (s *Socket) IsConnected(timeout time.Duration) bool {
	if s.engine == nil {
		return false
	}
	if !s.connected && s.connectTimeout == NoConnect {
		return false
	}
	if !s.opened && s.Open() != nil {
		return false
	}

	wait := timeout
	if s.connected {
		wait = 0
	}
	if !s.processMonitor(wait) && !s.connected {
		if s.pattern.sendCapable() {
			s.connected = s.pollReady(mq.PollOut, timeout)
		} else {
			s.connected = true
		}
	}
	return s.connected
}

// Send transmits buf as one message and returns its length.
//
// Before the first connection Send waits for what is left of the connect
// budget since the socket was opened. When none is left it fails with
// ErrConnectTimeout, and all later calls fail without waiting until Close
// or ReInit.
func (s *Socket) Send(buf []byte) (int, error) {
	if s.engine == nil {
		return 0, ErrNotInitialized
	}

	if s.connected && s.monitor != nil {
		// a lost peer shows up as a DISCONNECTED record
		s.processMonitor(0)
	}
	if !s.connected {
		window := time.Duration(0)
		if !s.timeoutExpired {
			window = s.connectTimeout
			if s.opened {
				window -= time.Since(s.openTime)
			}
			if window < 0 {
				window = 0
			}
		}
		if !s.IsConnected(window) {
			if !s.timeoutExpired {
				s.logWarn("timeout waiting for socket", "address", s.address)
				s.ctx.metrics.connectTimeouts.Add(context.Background(), 1, socketAttrs(s))
			}
			s.timeoutExpired = true
			return 0, ErrConnectTimeout
		}
	}

	if err := s.engine.Send(buf, 0); err != nil {
		s.logError("send failed", "error", err)
		return 0, errors.Wrap(err, "send")
	}
	s.ctx.metrics.sent.Add(context.Background(), 1, socketAttrs(s))
	return len(buf), nil
}

// Receive copies the next message into buf and returns its length.
//
// No message within timeout is not an error and yields (0, nil), as does a
// socket that is not connected yet. A message longer than buf fills buf and
// returns ErrBufferTooSmall.
func (s *Socket) Receive(buf []byte, timeout time.Duration) (int, error) {
	msg, err := s.receive(timeout)
	if err != nil || msg == nil {
		return 0, err
	}

	n := copy(buf, msg)
	if n < len(msg) {
		s.logError("receive buffer too small", "needed", len(msg), "capacity", len(buf))
		return n, ErrBufferTooSmall
	}
	return n, nil
}

// ReceiveBuffer returns the next message in a buffer owned by the socket.
// The buffer stays valid until the next receive call on s; it is never
// overwritten by later receives. A nil result with a nil error means no
// message arrived within timeout.
func (s *Socket) ReceiveBuffer(timeout time.Duration) ([]byte, error) {
	msg, err := s.receive(timeout)
	if err != nil || msg == nil {
		return nil, err
	}
	return s.recv.lend(), nil
}

// ReceiveLast drains the queue and copies the most recent message whose
// length equals len(buf) into buf.
//
// With a zero timeout it takes whatever is immediately available and
// returns (0, nil) when nothing matched. With a positive timeout it waits
// until a matching message has arrived, then drains what is queued behind
// it; if the deadline passes first it returns ErrReceiveTimeout. Messages of
// another length are handled according to the socket's LengthPolicy.
func (s *Socket) ReceiveLast(buf []byte, timeout time.Duration) (int, error) {
	if s.engine == nil {
		return 0, ErrNotInitialized
	}

	if !s.connected && s.connectTimeout == NoConnect {
		// nothing can arrive; do not spin until the deadline
		if timeout > 0 {
			return 0, ErrReceiveTimeout
		}
		return 0, nil
	}

	length := len(buf)
	start := time.Now()
	remaining := timeout
	found := false

	for {
		var msg []byte
		if remaining != 0 || s.pollReady(mq.PollIn, 0) {
			var err error
			msg, err = s.receive(remaining)
			if err != nil {
				return 0, err
			}
		}

		if len(msg) > 0 {
			if len(msg) == length {
				copy(buf, msg)
				found = true
			} else if err := s.mismatched(len(msg), length); err != nil {
				return 0, err
			}
		}

		if timeout > 0 {
			remaining = max(0, timeout-time.Since(start))
		}
		if found {
			// anything newer is already queued
			remaining = 0
		}

		if remaining == 0 && len(msg) > 0 {
			continue
		}
		if remaining != 0 && !found {
			continue
		}
		break
	}

	if found {
		return length, nil
	}
	if timeout == 0 {
		return 0, nil
	}
	return 0, ErrReceiveTimeout
}

func (s *Socket) mismatched(got, want int) error {
	if s.opts.lengthPolicy == RejectMismatched {
		return errors.Wrapf(ErrUnexpectedLength, "got %d bytes, want %d", got, want)
	}
	s.logDebug("dropping message of unexpected length", "got", got, "want", want)
	s.ctx.metrics.dropped.Add(context.Background(), 1, socketAttrs(s))
	return nil
}

// receive performs one receive into the socket's buffer. It returns nil
// when no message is available.
func (s *Socket) receive(timeout time.Duration) ([]byte, error) {
	if s.engine == nil {
		return nil, ErrNotInitialized
	}
	if !s.connected && !s.IsConnected(timeout) {
		return nil, nil
	}
	if timeout != 0 && !s.pollReady(mq.PollIn, timeout) {
		return nil, nil
	}

	msg, err := s.engine.RecvAppend(s.recv.next(), 0)
	if err != nil {
		if errors.Is(err, mq.ErrAgain) {
			return nil, nil
		}
		s.logError("receive failed", "error", err)
		return nil, errors.Wrap(err, "receive")
	}
	s.recv.store(msg)
	if len(msg) == 0 {
		return nil, nil
	}

	s.ctx.metrics.received.Add(context.Background(), 1, socketAttrs(s))
	return msg, nil
}

// pollReady polls the engine socket for one readiness condition.
func (s *Socket) pollReady(event mq.PollEvent, timeout time.Duration) bool {
	ready, err := s.engine.Poll(event, timeout)
	if err != nil {
		s.logDebug("poll failed", "error", err)
		return false
	}
	return ready&event == event
}

// SetTimeout overrides the connect timeout. It takes effect for the next
// connection attempt of Send.
func (s *Socket) SetTimeout(timeout time.Duration) {
	s.connectTimeout = timeout
}

// Timeout returns the connect timeout.
func (s *Socket) Timeout() time.Duration {
	return s.connectTimeout
}

// SetLabel sets the name the socket uses in log records.
func (s *Socket) SetLabel(label string) {
	s.label = label
}

// Label returns the log label, which defaults to the address.
func (s *Socket) Label() string {
	return s.label
}

// Address returns the address given to Init.
func (s *Socket) Address() string {
	return s.address
}

// Endpoint returns the endpoint a bound socket listens on, with wildcards
// such as "tcp://*:*" resolved. It is empty for connecting sockets.
func (s *Socket) Endpoint() string {
	if s.engine == nil {
		return ""
	}
	return s.engine.LastEndpoint()
}

// Pattern returns the pattern given to Init.
func (s *Socket) Pattern() Pattern {
	return s.pattern
}

// Flags returns the flags given to Init.
func (s *Socket) Flags() InitFlag {
	return s.flags
}

// Opened reports whether bind or connect has been attempted.
func (s *Socket) Opened() bool {
	return s.opened
}

// Connected reports whether a connection has been observed.
func (s *Socket) Connected() bool {
	return s.connected
}

// TimeoutExpired reports whether the connect budget has been exhausted.
func (s *Socket) TimeoutExpired() bool {
	return s.timeoutExpired
}

// Context returns the context that created the socket.
func (s *Socket) Context() *Context {
	return s.ctx
}

func (s *Socket) logDebug(msg string, args ...any) {
	s.opts.logger.Debug(msg, append([]any{"socket", s.label}, args...)...)
}

func (s *Socket) logWarn(msg string, args ...any) {
	s.opts.logger.Warn(msg, append([]any{"socket", s.label}, args...)...)
}

func (s *Socket) logError(msg string, args ...any) {
	s.opts.logger.Error(msg, append([]any{"socket", s.label}, args...)...)
}

// recvBuffer is the reusable receive buffer of a socket. Every stored
// message gets a new generation; a generation handed out by lend is never
// written to again.
type recvBuffer struct {
	data    []byte
	gen     uint64
	lentGen uint64
}

func newRecvBuffer() recvBuffer {
	return recvBuffer{gen: 1}
}

// next returns an empty slice to receive into, reusing the backing array
// unless it has been lent out.
func (r *recvBuffer) next() []byte {
	if r.lentGen == r.gen {
		r.data = nil
	}
	r.gen++
	return r.data[:0]
}

// store records the received message, which may have grown the array.
func (r *recvBuffer) store(msg []byte) {
	r.data = msg
}

// lend hands the current message to the caller.
func (r *recvBuffer) lend() []byte {
	r.lentGen = r.gen
	return r.data
}

func (r *recvBuffer) reset() {
	*r = newRecvBuffer()
}
