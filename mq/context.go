package mq

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Default engine limits.
const (
	// DefaultMaxSockets is the socket limit of a new context.
	DefaultMaxSockets = 1023
	// defaultHWM is the high-water mark used when none is configured.
	defaultHWM = 1000
)

// Context owns every socket created through it together with the in-process
// endpoint namespace they share. A Context is safe for concurrent use.
type Context struct {
	logger Logger

	// namespace scopes inproc:// names; the protocol layer keeps a single
	// process-wide registry.
	namespace string

	mu         sync.Mutex
	maxSockets int
	sockets    map[*Socket]struct{}
	terminated bool

	// background goroutines: receive pumps, pending replies and monitors
	wg conc.WaitGroup

	droppedEvents metric.Int64Counter
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// ContextLoggerOption sets the logger used by the context and its sockets.
func ContextLoggerOption(logger Logger) ContextOption {
	return func(c *Context) {
		c.logger = logger
	}
}

// MaxSocketsOption overrides DefaultMaxSockets.
func MaxSocketsOption(n int) ContextOption {
	return func(c *Context) {
		c.maxSockets = n
	}
}

// NewContext creates a transport context.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		logger:     DefaultLogger(),
		namespace:  uuid.NewString(),
		maxSockets: DefaultMaxSockets,
		sockets:    make(map[*Socket]struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	meter := otel.Meter("github.com/Zereker/rhmq/mq")
	c.droppedEvents, _ = meter.Int64Counter("mq.monitor.events.dropped",
		metric.WithDescription("Number of monitor records dropped at a full monitor queue"),
		metric.WithUnit("{event}"))

	return c
}

// SetMaxSockets changes the socket limit. It does not affect sockets that
// are already open.
func (c *Context) SetMaxSockets(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSockets = n
}

// MaxSockets returns the socket limit.
func (c *Context) MaxSockets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSockets
}

// NewSocket creates a socket of the given type.
func (c *Context) NewSocket(t Type) (*Socket, error) {
	if !t.valid() {
		return nil, ErrInvalidType
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated {
		return nil, ErrTerminated
	}
	if c.maxSockets > 0 && len(c.sockets) >= c.maxSockets {
		return nil, ErrTooManySockets
	}

	s, err := newSocket(c, t)
	if err != nil {
		return nil, err
	}
	c.sockets[s] = struct{}{}
	return s, nil
}

// Term closes every socket of the context and waits for the background
// goroutines to finish. Term is idempotent.
func (c *Context) Term() error {
	c.mu.Lock()
	c.terminated = true
	sockets := make([]*Socket, 0, len(c.sockets))
	for s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.mu.Unlock()

	for _, s := range sockets {
		s.terminate()
	}

	c.wg.Wait()
	return nil
}

// isTerminated reports whether Term has been called.
func (c *Context) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func (c *Context) removeSocket(s *Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sockets, s)
}
