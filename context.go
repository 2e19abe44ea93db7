package rhmq

import (
	"sync"
	"sync/atomic"

	"github.com/Zereker/rhmq/mq"
)

// Context owns one engine context and the sockets initialized under it.
// A Context is safe for concurrent use; its sockets are not.
type Context struct {
	name    string
	logger  Logger
	config  Config
	engine  *mq.Context
	metrics *metrics

	mu      sync.Mutex
	sockets []*Socket

	monitorSeq atomic.Uint64
}

// NewContext creates a context with its own engine.
func NewContext(name string, opts ...ContextOption) *Context {
	if name == "" {
		name = DefaultName
	}

	o := contextOptions{
		logger: defaultLogger(),
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}

	engine := mq.NewContext(mq.ContextLoggerOption(o.logger))
	engine.SetMaxSockets(o.config.MaxSockets)

	return &Context{
		name:    name,
		logger:  o.logger,
		config:  o.config,
		engine:  engine,
		metrics: newMetrics(),
	}
}

// Name returns the name the context was created with.
func (c *Context) Name() string {
	return c.name
}

// Engine returns the engine context shared by the sockets.
func (c *Context) Engine() *mq.Context {
	return c.engine
}

// Config returns the configuration inherited by new sockets.
func (c *Context) Config() Config {
	return c.config
}

// CreateSocket returns an uninitialized socket owned by c.
func (c *Context) CreateSocket(opts ...Option) *Socket {
	return newSocket(c, opts...)
}

// Sockets returns the initialized sockets in the order they were initialized.
func (c *Context) Sockets() []*Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Socket, len(c.sockets))
	copy(out, c.sockets)
	return out
}

// UnconnectedCount returns how many initialized sockets do not report a
// connection. Each socket is checked without waiting, so it must not be in
// use by another goroutine.
func (c *Context) UnconnectedCount() int {
	n := 0
	for _, s := range c.Sockets() {
		if !s.IsConnected(0) {
			n++
		}
	}
	return n
}

// Close closes every socket and terminates the engine.
func (c *Context) Close() error {
	for _, s := range c.Sockets() {
		_ = s.Close()
	}
	return c.engine.Term()
}

func (c *Context) register(s *Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sockets = append(c.sockets, s)
}

func (c *Context) unregister(s *Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, candidate := range c.sockets {
		if candidate == s {
			c.sockets = append(c.sockets[:i:i], c.sockets[i+1:]...)
			return
		}
	}
}

func (c *Context) nextMonitorSeq() uint64 {
	return c.monitorSeq.Add(1)
}
