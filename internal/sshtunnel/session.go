package sshtunnel

import (
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kincerb/tools/internal/tunnel"
)

// Session is one SSH connection plus the forwarders running over it.
type Session struct {
	id        string
	createdAt time.Time
	cfg       tunnel.Config
	client    *ssh.Client

	mu         sync.Mutex
	closed     bool
	deadErr    error // set once the SSH connection is known to be gone
	forwarders map[string]*forwarder
	stopAlive  func()
}

var _ tunnel.Session = (*Session)(nil)

// errKeepaliveTimeout means the server stopped answering keepalives while the
// TCP connection stayed up.
var errKeepaliveTimeout = errors.New("keepalive got no reply")

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the SSH connection was established.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// IsOpen reports whether Close has not yet been called.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Forwarders returns the forwarder names in sorted order.
func (s *Session) Forwarders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.forwarders))
	for name := range s.forwarders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Session) snapshot() []*forwarder {
	s.mu.Lock()
	defer s.mu.Unlock()
	fws := make([]*forwarder, 0, len(s.forwarders))
	for _, fw := range s.forwarders {
		fws = append(fws, fw)
	}
	return fws
}

// markDead records the first reason the SSH connection was lost.
func (s *Session) markDead(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadErr == nil {
		s.deadErr = err
	}
}

func (s *Session) dead() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadErr
}

// close tears everything down once. Later calls are no-ops.
func (s *Session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fws := s.forwarders
	stop := s.stopAlive
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, fw := range fws {
		fw.stop()
	}
	if err := s.client.Close(); err != nil && s.dead() == nil {
		return err
	}
	return nil
}

// keepalive sends one keepalive request and waits up to timeout for the
// reply. A request still pending at timeout is abandoned; closing the client
// releases it.
func (s *Session) keepalive(timeout time.Duration) error {
	res := make(chan error, 1)
	go func() {
		_, _, err := s.client.SendRequest(keepaliveRequest, true, nil)
		res <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-res:
		return err
	case <-timer.C:
		return errKeepaliveTimeout
	}
}
