package rhmq

import (
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultName is the context name used when none is given.
const DefaultName = "DEFAULT"

// Registry maps names to contexts so components that agree on a name share
// one engine. It is created by the application and safe for concurrent use.
type Registry struct {
	logger Logger
	config Config

	mu        sync.Mutex
	instances map[string]*Context
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	o := registryOptions{
		logger: defaultLogger(),
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}

	return &Registry{
		logger:    o.logger,
		config:    o.config,
		instances: make(map[string]*Context),
	}
}

// Get returns the context registered under name, creating it on first use.
// An empty name selects DefaultName.
func (r *Registry) Get(name string) *Context {
	if name == "" {
		name = DefaultName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.instances[name]; ok {
		return c
	}
	c := NewContext(name, ContextLoggerOption(r.logger), ContextConfigOption(r.config))
	r.instances[name] = c
	r.logger.Debug("context created", "context", name)
	return c
}

// Adopt installs an externally created context under name. When another
// context is already registered there a warning is logged and c replaces it.
func (r *Registry) Adopt(name string, c *Context) {
	if c == nil {
		return
	}
	if name == "" {
		name = c.Name()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instances[name]; ok && existing != c {
		r.logger.Warn("replacing existing context", "context", name)
	}
	r.instances[name] = c
}

// CreateSocket returns an uninitialized socket of the named context.
func (r *Registry) CreateSocket(instance string, opts ...Option) *Socket {
	return r.Get(instance).CreateSocket(opts...)
}

// Names returns the registered context names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered context concurrently and returns the first
// error. The registry is empty afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[string]*Context)
	r.mu.Unlock()

	var g errgroup.Group
	for name, c := range instances {
		name, c := name, c
		g.Go(func() error {
			if err := c.Close(); err != nil {
				r.logger.Error("close context", "context", name, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
