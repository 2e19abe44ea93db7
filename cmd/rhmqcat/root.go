package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Zereker/rhmq"
)

// settings is the parsed command line.
type settings struct {
	configPath  string
	timeout     int
	recvTimeout time.Duration
	noMonitor   bool
	delayed     bool
	pairClient  bool
	label       string
	rate        float64
	last        int
	events      bool
	logFile     string
	verbose     int
	retries     int

	pattern rhmq.Pattern
	address string
}

// execute parses args and runs one socket until ctx is done or, for sending
// patterns, stdin is exhausted.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var st settings
	fs := flag.NewFlagSet("rhmqcat", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&st.configPath, "config", "c", "", "YAML transport configuration")
	fs.IntVarP(&st.timeout, "timeout", "t", 0, "Connect timeout in seconds, -1 never connects (default from config)")
	fs.DurationVar(&st.recvTimeout, "recv-timeout", time.Second, "Wait per receive call")
	fs.BoolVar(&st.noMonitor, "no-monitor", false, "Disable the connection monitor")
	fs.BoolVar(&st.delayed, "delayed", false, "Open on first use instead of at start")
	fs.BoolVar(&st.pairClient, "pair-client", false, "Connect a pair socket instead of binding it")
	fs.StringVarP(&st.label, "label", "L", "", "Label used in log records")
	fs.Float64VarP(&st.rate, "rate", "r", 0, "Maximum messages sent per second, 0 is unlimited")
	fs.IntVar(&st.last, "last", 0, "Only print the latest message of exactly N bytes")
	fs.BoolVarP(&st.events, "events", "e", false, "Print connection events as JSON lines on stderr")
	fs.StringVar(&st.logFile, "log-file", "", "Write logs to a rotated file instead of stderr")
	fs.IntVar(&st.retries, "retries", 2, "Resend a request this many times when no reply arrives")
	fs.CountVarP(&st.verbose, "verbose", "v", "Increase verbosity (repeatable)")

	fs.Usage = func() { printUsage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := parsePositional(&st, fs.Args()); err != nil {
		return err
	}
	if st.retries < 0 {
		return errors.Errorf("retries %d must not be negative", st.retries)
	}

	cfg := rhmq.DefaultConfig()
	if st.configPath != "" {
		var err error
		if cfg, err = rhmq.LoadConfig(st.configPath); err != nil {
			return err
		}
	}
	if fs.Changed("timeout") {
		cfg.ConnectTimeoutS = st.timeout
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, closeLog := newLogger(st, stderr)
	defer closeLog()

	registry := rhmq.NewRegistry(
		rhmq.RegistryLoggerOption(logger),
		rhmq.RegistryConfigOption(cfg),
	)
	defer registry.Close()

	var opts []rhmq.Option
	if st.label != "" {
		opts = append(opts, rhmq.LabelOption(st.label))
	}
	if st.events {
		opts = append(opts, rhmq.EventHookOption(eventPrinter(stderr)))
	}

	sock := registry.CreateSocket(rhmq.DefaultName, opts...)
	if err := sock.Init(st.pattern, st.address, st.initFlags()); err != nil {
		return err
	}
	defer sock.Close()

	if st.sends() {
		return sendLines(ctx, sock, st, stdin, stdout)
	}
	return receiveLoop(ctx, sock, st, stdout)
}

func (st settings) initFlags() rhmq.InitFlag {
	var flags rhmq.InitFlag
	if st.noMonitor {
		flags |= rhmq.NoMonitor
	}
	if st.delayed {
		flags |= rhmq.DelayedOpen
	}
	if st.pairClient {
		flags |= rhmq.PairClient
	}
	return flags
}

// sends reports whether the socket is driven from stdin. A pair socket
// sends when it is the connecting side.
func (st settings) sends() bool {
	switch st.pattern {
	case rhmq.Publish, rhmq.Push, rhmq.Request:
		return true
	case rhmq.Pair:
		return st.pairClient
	}
	return false
}

func sendLines(ctx context.Context, sock *rhmq.Socket, st settings, stdin io.Reader, stdout io.Writer) error {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if st.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(st.rate), 1)
	}

	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if st.pattern != rhmq.Request {
			if _, err := sock.Send(scanner.Bytes()); err != nil {
				return err
			}
			continue
		}

		reply, err := request(ctx, sock, st, scanner.Bytes())
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\n", reply)
	}
	return scanner.Err()
}

// request sends line and waits for its reply. A lost request re-creates the
// socket and is resent up to st.retries times with exponential backoff.
func request(ctx context.Context, sock *rhmq.Socket, st settings, line []byte) ([]byte, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 50 * time.Millisecond
	backoffCfg.MaxInterval = 2 * time.Second

	for attempt := 0; ; attempt++ {
		if _, err := sock.Send(line); err != nil {
			return nil, err
		}
		reply, err := sock.ReceiveBuffer(st.recvTimeout)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			return reply, nil
		}

		// the request is lost; start over with a fresh socket
		if err := sock.ReInit(); err != nil {
			return nil, err
		}
		if attempt >= st.retries {
			return nil, errors.Errorf("no reply within %s after %d attempts", st.recvTimeout, attempt+1)
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = backoffCfg.MaxInterval
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func receiveLoop(ctx context.Context, sock *rhmq.Socket, st settings, stdout io.Writer) error {
	var last []byte
	if st.last > 0 {
		last = make([]byte, st.last)
	}

	for ctx.Err() == nil {
		var msg []byte
		if last != nil {
			n, err := sock.ReceiveLast(last, st.recvTimeout)
			if errors.Is(err, rhmq.ErrReceiveTimeout) {
				continue
			}
			if err != nil {
				return err
			}
			msg = last[:n]
		} else {
			var err error
			if msg, err = sock.ReceiveBuffer(st.recvTimeout); err != nil {
				return err
			}
		}
		if len(msg) == 0 {
			continue
		}

		fmt.Fprintf(stdout, "%s\n", msg)
		if st.pattern == rhmq.Reply {
			if _, err := sock.Send(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// eventPrinter writes monitor events as JSON lines.
func eventPrinter(w io.Writer) func(rhmq.MonitorEvent) {
	enc := json.NewEncoder(w)
	return func(ev rhmq.MonitorEvent) {
		_ = enc.Encode(ev)
	}
}

// newLogger builds the slog logger for the verbosity level. With a log file
// set, records go to a size-rotated file.
func newLogger(st settings, stderr io.Writer) (*slog.Logger, func()) {
	level := slog.LevelWarn
	switch {
	case st.verbose >= 2:
		level = slog.LevelDebug
	case st.verbose == 1:
		level = slog.LevelInfo
	}

	out := stderr
	closeFn := func() {}
	if st.logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   st.logFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		}
		out = lj
		closeFn = func() { _ = lj.Close() }
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closeFn
}

func parsePositional(st *settings, remaining []string) error {
	if len(remaining) != 2 {
		return errors.New("pattern and address required (use --help for usage)")
	}
	p, ok := rhmq.ParsePattern(remaining[0])
	if !ok {
		return errors.Errorf("unknown pattern %q", remaining[0])
	}
	st.pattern = p
	st.address = remaining[1]
	return nil
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `rhmqcat - send and receive messages over rhmq sockets

Usage:
  rhmqcat [options] <pattern> <address>

Patterns:
  publish, push, request        send stdin lines (request prints replies)
  subscribe, pull               print received messages
  reply                         print and echo received messages
  pair                          binds and prints, or sends with --pair-client

Options:
`)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  rhmqcat subscribe tcp://127.0.0.1:5555
  rhmqcat -r 10 publish tcp://*:5555 < samples.txt
  rhmqcat --last 64 -e subscribe ipc:///tmp/telemetry.sock
  rhmqcat --retries 3 request tcp://127.0.0.1:5556
`)
}
