package mq

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Event is a socket monitor event code. Codes match the native library so
// monitor records can be decoded by existing tooling.
type Event uint16

// Monitor events.
const (
	EventConnected               Event = 0x0001
	EventConnectDelayed          Event = 0x0002
	EventConnectRetried          Event = 0x0004
	EventListening               Event = 0x0008
	EventBindFailed              Event = 0x0010
	EventAccepted                Event = 0x0020
	EventAcceptFailed            Event = 0x0040
	EventClosed                  Event = 0x0080
	EventCloseFailed             Event = 0x0100
	EventDisconnected            Event = 0x0200
	EventMonitorStopped          Event = 0x0400
	EventHandshakeFailedNoDetail Event = 0x0800
	EventHandshakeSucceeded      Event = 0x1000

	// EventAll selects every event.
	EventAll Event = 0xFFFF
)

var eventNames = map[Event]string{
	EventConnected:               "CONNECTED",
	EventConnectDelayed:          "CONNECT_DELAYED",
	EventConnectRetried:          "CONNECT_RETRIED",
	EventListening:               "LISTENING",
	EventBindFailed:              "BIND_FAILED",
	EventAccepted:                "ACCEPTED",
	EventAcceptFailed:            "ACCEPT_FAILED",
	EventClosed:                  "CLOSED",
	EventCloseFailed:             "CLOSE_FAILED",
	EventDisconnected:            "DISCONNECTED",
	EventMonitorStopped:          "MONITOR_STOPPED",
	EventHandshakeFailedNoDetail: "HANDSHAKE_FAILED_NO_DETAIL",
	EventHandshakeSucceeded:      "HANDSHAKE_SUCCEEDED",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EVENT(0x%04x)", uint16(e))
}

// EventHeaderSize is the length of the fixed part of a monitor record.
const EventHeaderSize = 6

const (
	// monitorQueueLen bounds the records waiting for the monitor socket.
	monitorQueueLen = 256
	// monitorSendTimeout bounds how long a record waits for the reader.
	monitorSendTimeout = time.Second
	// monitorLinger is how long a stopped monitor waits for its reader to
	// drain the final records.
	monitorLinger = 250 * time.Millisecond
)

// EventRecord is one decoded monitor record.
type EventRecord struct {
	Event    Event
	Value    int32
	Endpoint string
}

// EncodeEvent renders a monitor record: the event code as a little-endian
// uint16, the value as a little-endian int32 and the endpoint bytes.
func EncodeEvent(ev Event, value int32, endpoint string) []byte {
	buf := make([]byte, EventHeaderSize, EventHeaderSize+len(endpoint))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(ev))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(value))
	return append(buf, endpoint...)
}

// DecodeEvent parses a monitor record.
func DecodeEvent(msg []byte) (EventRecord, error) {
	if len(msg) < EventHeaderSize {
		return EventRecord{}, errors.Errorf("monitor record too short: %d bytes", len(msg))
	}
	return EventRecord{
		Event:    Event(binary.LittleEndian.Uint16(msg[0:2])),
		Value:    int32(binary.LittleEndian.Uint32(msg[2:6])),
		Endpoint: string(msg[EventHeaderSize:]),
	}, nil
}

// monitor publishes the events of one socket on an internal PAIR socket.
// Pipe hooks must not block, so records are queued and sent by a
// publisher goroutine.
type monitor struct {
	sock   *Socket
	events Event
	queue  chan []byte

	mu     sync.Mutex
	closed bool
}

// Monitor publishes the selected events of s on a PAIR socket bound at the
// in-process address addr. An empty addr stops an active monitor, which
// sends MONITOR_STOPPED as its final record. Starting a monitor replaces any
// previous one.
func (s *Socket) Monitor(addr string, events Event) error {
	if s.isClosed() {
		return s.closedErr()
	}
	if addr == "" {
		s.stopMonitor()
		return nil
	}

	ep, err := parseEndpoint(addr)
	if err != nil {
		return err
	}
	if ep.scheme != schemeInproc {
		return errors.Wrapf(ErrUnsupportedTransport, "monitor %s", addr)
	}

	pair, err := s.ctx.NewSocket(PAIR)
	if err != nil {
		return errors.Wrap(err, "monitor socket")
	}
	if err := pair.SetSendTimeout(monitorSendTimeout); err != nil {
		_ = pair.Close()
		return err
	}
	if err := pair.Bind(addr); err != nil {
		_ = pair.Close()
		return err
	}

	s.stopMonitor()

	m := &monitor{sock: pair, events: events, queue: make(chan []byte, monitorQueueLen)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pair.Close()
		return s.closedErr()
	}
	s.monitor = m
	s.mu.Unlock()

	s.ctx.wg.Go(m.run)
	return nil
}

// emit publishes one event if a monitor selected it. Records that cannot be
// queued immediately are dropped.
func (s *Socket) emit(ev Event, value int32, endpoint string) {
	s.mu.Lock()
	m := s.monitor
	s.mu.Unlock()
	if m == nil {
		return
	}
	if !m.publish(ev, value, endpoint) {
		s.logger.Debug("monitor record dropped", "socket", s.id, "event", ev.String())
		if s.ctx.droppedEvents != nil {
			s.ctx.droppedEvents.Add(context.Background(), 1)
		}
	}
}

// stopMonitor detaches the active monitor, if any. The monitor socket is
// closed once its final record went out.
func (s *Socket) stopMonitor() {
	s.mu.Lock()
	m := s.monitor
	s.monitor = nil
	s.mu.Unlock()
	if m == nil {
		return
	}
	m.publish(EventMonitorStopped, 0, "")
	m.stop()
}

// publish queues a record and reports false when the queue is full.
func (m *monitor) publish(ev Event, value int32, endpoint string) bool {
	if m.events&ev == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return true
	}
	select {
	case m.queue <- EncodeEvent(ev, value, endpoint):
		return true
	default:
		return false
	}
}

func (m *monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.queue)
}

// run sends queued records until the monitor is stopped, then lingers for
// the reader before closing the monitor socket.
func (m *monitor) run() {
	defer func() {
		_ = m.sock.Close()
	}()

	failed := false
	for rec := range m.queue {
		if failed {
			continue
		}
		if err := m.sock.Send(rec, 0); err != nil {
			// the reader is gone or the context terminated
			failed = true
		}
	}
	if !failed {
		m.sock.waitDetached(monitorLinger)
	}
}
