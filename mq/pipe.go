package mq

import (
	"time"

	"github.com/pkg/errors"
	"go.nanomsg.org/mangos/v3"
)

// peer is an attached protocol pipe.
type peer struct {
	pipe     mangos.Pipe
	endpoint string
}

// dropEndpoint closes every pipe attached through endpoint.
func (s *Socket) dropEndpoint(endpoint string) {
	s.mu.Lock()
	var pipes []mangos.Pipe
	for _, p := range s.peers {
		if p.endpoint == endpoint {
			pipes = append(pipes, p.pipe)
		}
	}
	s.mu.Unlock()

	for _, p := range pipes {
		_ = p.Close()
	}
}

// pipeEvent tracks attached peers. The protocol layer only attaches a pipe
// after the peers agreed on compatible patterns.
func (s *Socket) pipeEvent(ev mangos.PipeEvent, p mangos.Pipe) {
	switch ev {
	case mangos.PipeEventAttaching:
		s.emit(EventHandshakeSucceeded, int32(p.ID()), s.pipeEndpoint(p))

	case mangos.PipeEventAttached:
		endpoint := s.pipeEndpoint(p)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.peers[p.ID()] = peer{pipe: p, endpoint: endpoint}
		s.notifyLocked()
		s.mu.Unlock()

		if p.Dialer() != nil {
			s.emit(EventConnected, int32(p.ID()), endpoint)
		} else {
			s.emit(EventAccepted, int32(p.ID()), endpoint)
		}

	case mangos.PipeEventDetached:
		s.mu.Lock()
		attached, ok := s.peers[p.ID()]
		if ok {
			delete(s.peers, p.ID())
			s.notifyLocked()
		}
		closed := s.closed
		s.mu.Unlock()

		if ok && !closed {
			s.emit(EventDisconnected, int32(p.ID()), attached.endpoint)
		}
	}
}

// pipeEndpoint returns the user-facing endpoint a pipe was established on.
func (s *Socket) pipeEndpoint(p mangos.Pipe) string {
	if d := p.Dialer(); d != nil {
		return userEndpoint(s.ctx.namespace, d.Address())
	}
	if l := p.Listener(); l != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		for bound, b := range s.listeners {
			if b.listener == l {
				return bound
			}
		}
		return userEndpoint(s.ctx.namespace, l.Address())
	}
	return userEndpoint(s.ctx.namespace, p.Address())
}

// start launches the receive pump once the socket has an endpoint.
func (s *Socket) start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	inbox := s.inbox
	s.mu.Unlock()

	switch s.typ {
	case PULL, SUB, PAIR:
		s.ctx.wg.Go(func() { s.pump(inbox) })
	case REP:
		s.ctx.wg.Go(func() { s.serveRequests(inbox) })
	}
}

// pump moves messages from the protocol socket into the inbox.
func (s *Socket) pump(inbox chan<- delivery) {
	for {
		m, err := s.sock.RecvMsg()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) && s.lifetime.Err() == nil {
				continue
			}
			return
		}
		select {
		case inbox <- delivery{body: m.Body}:
		case <-s.lifetime.Done():
			return
		}
	}
}

// serveRequests receives each request on its own protocol context so the
// reply is routed back to the requester that sent it.
func (s *Socket) serveRequests(inbox chan<- delivery) {
	for {
		c, err := s.sock.OpenContext()
		if err != nil {
			return
		}
		if err := c.SetOption(mangos.OptionRecvDeadline, time.Duration(0)); err != nil {
			_ = c.Close()
			return
		}
		m, err := c.RecvMsg()
		if err != nil {
			_ = c.Close()
			if errors.Is(err, mangos.ErrRecvTimeout) && s.lifetime.Err() == nil {
				continue
			}
			return
		}
		select {
		case inbox <- delivery{body: m.Body, from: c}:
		case <-s.lifetime.Done():
			_ = c.Close()
			return
		}
	}
}

// awaitReply waits for the reply to the request sent on c.
func (s *Socket) awaitReply(c mangos.Context, inbox chan<- delivery) {
	m, err := c.RecvMsg()
	if err != nil {
		// the request was abandoned or the socket closed
		return
	}
	select {
	case inbox <- delivery{body: m.Body, from: c}:
	case <-s.lifetime.Done():
	}
}

// PeerCount returns the number of attached peers.
func (s *Socket) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// waitDetached blocks until every peer detached or timeout elapsed.
func (s *Socket) waitDetached(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		n := len(s.peers)
		changed := s.changed
		s.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-changed:
		case <-timer.C:
			return
		case <-s.lifetime.Done():
			return
		}
	}
}
