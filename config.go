package rhmq

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/rhmq/mq"
)

// Transport defaults applied by Init.
const (
	DefaultSendTimeout    = 3000 * time.Millisecond
	DefaultRecvTimeout    time.Duration = 0
	DefaultQueueLimit     = 10
	DefaultConnectTimeout = 60 * time.Second
	DefaultMaxSockets     = 65535
)

// Config holds the transport settings shared by the sockets of a Context.
// Durations are kept in the units used by configuration files.
type Config struct {
	// SendTimeoutMs aborts a send after this many milliseconds without
	// progress. -1 blocks.
	SendTimeoutMs int `yaml:"send_timeout_ms"`
	// RecvTimeoutMs caps a single blocking receive. 0 never waits, -1 blocks.
	RecvTimeoutMs int `yaml:"recv_timeout_ms"`
	// SendQueueLimit and RecvQueueLimit are the per-socket high-water marks,
	// at least one message each.
	SendQueueLimit int `yaml:"send_queue_limit"`
	RecvQueueLimit int `yaml:"recv_queue_limit"`
	// ConnectTimeoutS is the budget for the first connection of a socket.
	// -1 means a socket never waits for nor reports a connection.
	ConnectTimeoutS int `yaml:"connect_timeout_s"`
	// MaxSockets is the engine socket limit of a Context.
	MaxSockets int `yaml:"max_sockets"`
	// ReconnectIvlMs and ReconnectIvlMaxMs bound the reconnect backoff of
	// stream transports. Zero keeps the engine default.
	ReconnectIvlMs    int `yaml:"reconnect_ivl_ms"`
	ReconnectIvlMaxMs int `yaml:"reconnect_ivl_max_ms"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		SendTimeoutMs:   int(DefaultSendTimeout / time.Millisecond),
		RecvTimeoutMs:   int(DefaultRecvTimeout / time.Millisecond),
		SendQueueLimit:  DefaultQueueLimit,
		RecvQueueLimit:  DefaultQueueLimit,
		ConnectTimeoutS: int(DefaultConnectTimeout / time.Second),
		MaxSockets:      DefaultMaxSockets,
	}
}

// LoadConfig reads a YAML file. Keys missing from the file keep their
// default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first out-of-range setting.
func (c Config) Validate() error {
	switch {
	case c.SendTimeoutMs < -1:
		return errors.Errorf("send_timeout_ms must be >= -1, got %d", c.SendTimeoutMs)
	case c.RecvTimeoutMs < -1:
		return errors.Errorf("recv_timeout_ms must be >= -1, got %d", c.RecvTimeoutMs)
	case c.SendQueueLimit < 1:
		return errors.Wrapf(ErrInvalidQueueLimit, "send_queue_limit %d", c.SendQueueLimit)
	case c.RecvQueueLimit < 1:
		return errors.Wrapf(ErrInvalidQueueLimit, "recv_queue_limit %d", c.RecvQueueLimit)
	case c.ConnectTimeoutS < -1:
		return errors.Errorf("connect_timeout_s must be >= -1, got %d", c.ConnectTimeoutS)
	case c.MaxSockets < 1:
		return errors.Errorf("max_sockets must be positive, got %d", c.MaxSockets)
	case c.ReconnectIvlMs < 0 || c.ReconnectIvlMaxMs < 0:
		return errors.New("reconnect intervals must not be negative")
	case c.ReconnectIvlMaxMs > 0 && c.ReconnectIvlMaxMs < c.ReconnectIvlMs:
		return errors.Errorf("reconnect_ivl_max_ms (%d) is below reconnect_ivl_ms (%d)", c.ReconnectIvlMaxMs, c.ReconnectIvlMs)
	}
	return nil
}

// SendTimeout returns the send timeout as a duration.
func (c Config) SendTimeout() time.Duration {
	return millis(c.SendTimeoutMs)
}

// RecvTimeout returns the receive timeout as a duration.
func (c Config) RecvTimeout() time.Duration {
	return millis(c.RecvTimeoutMs)
}

// ConnectTimeout returns the connect budget, or NoConnect.
func (c Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutS < 0 {
		return NoConnect
	}
	return time.Duration(c.ConnectTimeoutS) * time.Second
}

func millis(ms int) time.Duration {
	if ms < 0 {
		return mq.Block
	}
	return time.Duration(ms) * time.Millisecond
}
