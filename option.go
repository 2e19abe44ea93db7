package rhmq

import (
	"time"
)

// Timeout values with special meaning.
const (
	// Infinite blocks Receive, ReceiveLast and IsConnected until something
	// happens.
	Infinite time.Duration = -1
	// NoConnect as a connect timeout makes a socket never wait for a
	// connection: IsConnected and Send fail until one has been observed.
	NoConnect time.Duration = -1
)

// LengthPolicy decides what ReceiveLast does with messages whose length
// differs from the caller's buffer.
type LengthPolicy int

const (
	// DropMismatched discards such messages. They are logged at debug
	// level and counted.
	DropMismatched LengthPolicy = iota
	// RejectMismatched fails the call with ErrUnexpectedLength.
	RejectMismatched
)

// options holds the configuration for a socket.
type options struct {
	logger Logger
	config *Config

	label          string
	connectTimeout time.Duration
	hasTimeout     bool
	lengthPolicy   LengthPolicy

	// onEvent observes every decoded monitor event.
	onEvent func(MonitorEvent)
}

// Option is a function that configures socket options.
type Option func(*options)

// LoggerOption returns an Option that sets the logger.
// If not set, the logger of the owning Context is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ConfigOption returns an Option that overrides the Context configuration
// for one socket.
func ConfigOption(cfg Config) Option {
	return func(o *options) {
		o.config = &cfg
	}
}

// LabelOption returns an Option that sets the label used in log records.
// The address is used when no label is set.
func LabelOption(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// ConnectTimeoutOption returns an Option that sets the budget for the first
// connection. NoConnect disables waiting altogether.
func ConnectTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = timeout
		o.hasTimeout = true
	}
}

// LengthPolicyOption returns an Option that sets how ReceiveLast handles
// messages of unexpected length.
func LengthPolicyOption(policy LengthPolicy) Option {
	return func(o *options) {
		o.lengthPolicy = policy
	}
}

// EventHookOption returns an Option that sets a callback invoked for every
// connection monitor event the socket decodes. The callback runs on the
// goroutine calling into the socket.
func EventHookOption(cb func(MonitorEvent)) Option {
	return func(o *options) {
		o.onEvent = cb
	}
}

// checkOptions fills in defaults from the owning context.
func checkOptions(c *Context, opts *options) {
	if opts.logger == nil {
		opts.logger = c.logger
	}
	if opts.config == nil {
		cfg := c.config
		opts.config = &cfg
	}
	if !opts.hasTimeout {
		opts.connectTimeout = opts.config.ConnectTimeout()
	}
}

// contextOptions holds the configuration for a Context.
type contextOptions struct {
	logger Logger
	config Config
}

// ContextOption is a function that configures a Context.
type ContextOption func(*contextOptions)

// ContextLoggerOption returns a ContextOption that sets the logger shared by
// the context, its engine and its sockets.
func ContextLoggerOption(logger Logger) ContextOption {
	return func(o *contextOptions) {
		o.logger = logger
	}
}

// ContextConfigOption returns a ContextOption that sets the transport
// configuration inherited by sockets of the context.
func ContextConfigOption(cfg Config) ContextOption {
	return func(o *contextOptions) {
		o.config = cfg
	}
}

// registryOptions holds the configuration for a Registry.
type registryOptions struct {
	logger Logger
	config Config
}

// RegistryOption is a function that configures a Registry.
type RegistryOption func(*registryOptions)

// RegistryLoggerOption returns a RegistryOption that sets the logger of the
// registry and of every context it creates.
func RegistryLoggerOption(logger Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// RegistryConfigOption returns a RegistryOption that sets the configuration
// of every context the registry creates.
func RegistryConfigOption(cfg Config) RegistryOption {
	return func(o *registryOptions) {
		o.config = cfg
	}
}
