package rhmq

import (
	"strconv"
	"strings"
	"time"

	"github.com/Zereker/rhmq/mq"
)

// MonitorEvent is one connection event observed on a socket.
type MonitorEvent struct {
	Socket   string    `json:"socket"`
	Event    mq.Event  `json:"-"`
	Name     string    `json:"event"`
	Value    int32     `json:"value"`
	Endpoint string    `json:"endpoint"`
	Time     time.Time `json:"time"`
}

// connMonitor reads the event stream the engine publishes for one socket.
type connMonitor struct {
	address string
	reader  *mq.Socket
}

// monitorAddress derives the private in-process address a socket's events
// are published on. Everything from the first ':' of address is kept, the
// last ':' is replaced by '_' when it follows the scheme, and a per-context
// sequence number keeps addresses of different sockets apart.
func monitorAddress(address string, seq uint64) (string, bool) {
	i := strings.IndexByte(address, ':')
	if i < 0 {
		return "", false
	}
	addr := "inproc" + address[i:]
	if j := strings.LastIndexByte(addr, ':'); j > 6 {
		addr = addr[:j] + "_" + addr[j+1:]
	}
	return addr + "#" + strconv.FormatUint(seq, 10), true
}

// armMonitor starts the engine monitor for s and connects a reader to it.
// It returns nil when the monitor cannot be set up; the socket then falls
// back to polling.
func (s *Socket) armMonitor() *connMonitor {
	addr, ok := monitorAddress(s.address, s.ctx.nextMonitorSeq())
	if !ok {
		s.logWarn("cannot derive monitor address", "address", s.address)
		return nil
	}

	if err := s.engine.Monitor(addr, mq.EventAll); err != nil {
		s.logWarn("could not start connection monitor", "monitor", addr, "error", err)
		return nil
	}

	reader, err := s.ctx.engine.NewSocket(mq.PAIR)
	if err == nil {
		err = reader.Connect(addr)
		if err != nil {
			_ = reader.Close()
		}
	}
	if err != nil {
		s.logWarn("could not connect connection monitor", "monitor", addr, "error", err)
		_ = s.engine.Monitor("", 0)
		return nil
	}

	return &connMonitor{address: addr, reader: reader}
}

// stop detaches the monitor from engine and closes the reader.
func (m *connMonitor) stop(engine *mq.Socket) {
	if engine != nil {
		_ = engine.Monitor("", 0)
	}
	_ = m.reader.Close()
}

// next reads one event record, or reports ok=false when none is pending.
func (m *connMonitor) next(timeout time.Duration) (mq.EventRecord, bool, error) {
	ready, err := m.reader.Poll(mq.PollIn, timeout)
	if err != nil {
		return mq.EventRecord{}, false, err
	}
	if ready&mq.PollIn == 0 {
		return mq.EventRecord{}, false, nil
	}

	msg, err := m.reader.Recv(mq.DontWait)
	if err != nil {
		return mq.EventRecord{}, false, err
	}

	rec, err := mq.DecodeEvent(msg)
	if err != nil {
		return mq.EventRecord{}, true, err
	}
	return rec, true, nil
}

// processMonitor drains connection events, waiting up to timeout for more
// until a connection is seen. It reports whether the monitor is still
// usable.
func (s *Socket) processMonitor(timeout time.Duration) bool {
	m := s.monitor
	if m == nil {
		return false
	}

	t0 := time.Now()
	for {
		rec, ok, err := m.next(timeout)
		if err != nil && !ok {
			s.logWarn("connection monitor failed", "error", err)
			s.dropMonitor()
			return false
		}
		if !ok {
			break
		}
		if err != nil {
			s.logDebug("ignoring malformed monitor record", "error", err)
		} else if !s.dispatch(rec) {
			s.dropMonitor()
			return false
		}

		if timeout > 0 {
			t := time.Now()
			timeout = max(0, timeout-t.Sub(t0))
			t0 = t
		}
		if s.connected {
			timeout = 0
		}
	}
	return true
}

// dispatch applies one event to the connection state. It returns false
// when the monitor has stopped.
func (s *Socket) dispatch(rec mq.EventRecord) bool {
	if s.opts.onEvent != nil {
		s.opts.onEvent(MonitorEvent{
			Socket:   s.label,
			Event:    rec.Event,
			Name:     rec.Event.String(),
			Value:    rec.Value,
			Endpoint: rec.Endpoint,
			Time:     time.Now(),
		})
	}

	switch rec.Event {
	case mq.EventConnected, mq.EventAccepted:
		s.connected = true
	case mq.EventDisconnected:
		s.connected = false
	case mq.EventMonitorStopped:
		s.logDebug("connection monitor stopped")
		return false
	case mq.EventHandshakeFailedNoDetail,
		mq.EventHandshakeSucceeded,
		mq.EventListening,
		mq.EventClosed,
		mq.EventConnectRetried,
		mq.EventConnectDelayed:
	default:
		s.unknownEvents.Do(func() {
			s.logWarn("unknown monitor event", "event", rec.Event, "value", rec.Value, "endpoint", rec.Endpoint)
		})
	}
	return true
}

// dropMonitor disables the monitor for the rest of the socket's life.
func (s *Socket) dropMonitor() {
	if s.monitor == nil {
		return
	}
	s.monitor.stop(s.engine)
	s.monitor = nil
}

// MonitorAddress returns the address connection events are read from, or
// an empty string when the socket has no monitor.
func (s *Socket) MonitorAddress() string {
	if s.monitor == nil {
		return ""
	}
	return s.monitor.address
}
