// Package supervisor keeps one tunnel alive for as long as its context
// lives.
//
// The Supervisor is an explicit state machine (see state.go). It gates on
// the private key once, then loops forever: open a session, poll its health
// at a fixed interval, restart forwarders in place when some are down, and
// discard and reopen the session when the transport fails. Every failure
// costs exactly one fixed backoff before the next open. There is no retry
// limit; only context cancellation or a missing key ends the loop.
//
// At most one session exists at any time. The loop goroutine owns it and
// closes it before opening another.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/kincerb/tools/internal/sshkeys"
	"github.com/kincerb/tools/internal/tunnel"
)

// DefaultBackoff is the fixed wait between a failed connect or restart and
// the next connect attempt.
const DefaultBackoff = 60 * time.Second

// ErrCredentialMissing is returned by Run when the private key cannot be
// read. It is the only error that ends the loop on its own.
var ErrCredentialMissing = errors.New("private key not found or not readable")

// errAlreadyStarted is returned when Run is called twice.
var errAlreadyStarted = errors.New("supervisor already started")

// errNoSession is reported when a transport's Open succeeds without a session.
var errNoSession = errors.New("transport returned no session")

// Options configures a Supervisor.
type Options struct {
	Config    tunnel.Config
	Transport tunnel.Transport
	Logger    *logrus.Entry

	// Clock drives backoff and poll waits. Defaults to the wall clock.
	Clock clock.Clock
	// Backoff defaults to DefaultBackoff.
	Backoff time.Duration
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// KeyVerified defaults to sshkeys.Verified.
	KeyVerified func(path string) bool
}

// SessionInfo is a copy of what is known about the current session.
type SessionInfo struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	Forwarders map[string]bool `json:"forwarders"`
	LastCheck  time.Time       `json:"last_check,omitempty"`
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State               State        `json:"state"`
	Since               time.Time    `json:"since"`
	Session             *SessionInfo `json:"session,omitempty"`
	ConnectAttempts     int64        `json:"connect_attempts"`
	Restarts            int64        `json:"restarts"`
	ConsecutiveFailures int64        `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
}

// Supervisor runs the tunnel control loop. Create one with New and call Run
// once.
type Supervisor struct {
	cfg       tunnel.Config
	transport tunnel.Transport
	log       *logrus.Entry
	clock     clock.Clock
	backoff   time.Duration
	health    *HealthMonitor
	verified  func(string) bool

	// Owned by the loop goroutine.
	session        tunnel.Session
	waitBeforePoll bool
	exitErr        error

	mu        sync.RWMutex
	status    Status
	history   history
	callbacks []StateChangeCallback
}

// New validates opts and returns an idle Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Transport == nil {
		return nil, errors.New("supervisor: transport is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("supervisor: logger is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.KeyVerified == nil {
		opts.KeyVerified = sshkeys.Verified
	}

	s := &Supervisor{
		cfg:       opts.Config,
		transport: opts.Transport,
		log:       opts.Logger.WithField("component", "supervisor"),
		clock:     opts.Clock,
		backoff:   opts.Backoff,
		health:    NewHealthMonitor(opts.PollInterval, opts.Clock),
		verified:  opts.KeyVerified,
	}
	s.status = Status{State: StateIdle, Since: opts.Clock.Now()}
	return s, nil
}

// OnStateChange registers cb for every subsequent state change. Register
// callbacks before calling Run.
func (s *Supervisor) OnStateChange(cb StateChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.State
}

// Status returns a snapshot safe to hand to other goroutines.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.Session != nil {
		info := *st.Session
		info.Forwarders = make(map[string]bool, len(st.Session.Forwarders))
		for k, v := range st.Session.Forwarders {
			info.Forwarders[k] = v
		}
		st.Session = &info
	}
	return st
}

// Transitions returns recent state changes, oldest first.
func (s *Supervisor) Transitions() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.list()
}

// Run drives the state machine until ctx is cancelled, returning nil, or
// until the private key check fails, returning an error wrapping
// ErrCredentialMissing. Transient failures never end Run.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.status.State != StateIdle {
		s.mu.Unlock()
		return errAlreadyStarted
	}
	s.mu.Unlock()

	s.transition(EventStart, "supervisor started")

	for {
		state := s.State()
		if state.Terminal() {
			return s.exitErr
		}
		if ctx.Err() != nil {
			s.shutdown()
			continue
		}

		switch state {
		case StateValidating:
			s.validate()
		case StateConnecting:
			s.connect(ctx)
		case StateConnected:
			s.poll(ctx)
		case StateDegraded:
			s.restart(ctx)
		case StateDisconnected:
			s.wait(ctx)
		}
	}
}

func (s *Supervisor) validate() {
	if !s.verified(s.cfg.PrivateKeyPath) {
		s.exitErr = fmt.Errorf("%w: %s", ErrCredentialMissing, s.cfg.PrivateKeyPath)
		s.log.WithField("private_key", s.cfg.PrivateKeyPath).Error("private key not found, giving up")
		s.transition(EventCredentialMissing, s.exitErr.Error())
		return
	}
	s.transition(EventCredentialPresent, "private key present")
}

func (s *Supervisor) connect(ctx context.Context) {
	// A session left behind by a connection-level restart failure is
	// released here, so two sessions never coexist. Close is idempotent.
	s.closeSession()

	s.mu.Lock()
	s.status.ConnectAttempts++
	attempt := s.status.ConnectAttempts
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{
		"server":  s.cfg.ServerAddr(),
		"attempt": attempt,
	})
	log.Debug("opening tunnel")

	sess, err := s.transport.Open(ctx, s.cfg)
	if err == nil && sess == nil {
		err = errNoSession
	}
	if ctx.Err() != nil {
		if sess != nil {
			s.session = sess
		}
		return
	}
	if err != nil {
		if sess != nil {
			s.session = sess
			s.closeSession()
		}
		s.recordFailure(err)
		if tunnel.IsConnectionError(err) {
			log.WithError(err).Error("tunnel connection failed")
			s.transition(EventOpenFailed, err.Error())
		} else {
			log.WithError(err).WithField("error_type", fmt.Sprintf("%T", err)).Error("unexpected error opening tunnel")
			s.transition(EventOpenFailedUnexpected, err.Error())
		}
		return
	}

	s.session = sess
	s.waitBeforePoll = false
	s.clearFailures()
	s.setSession(&SessionInfo{
		ID:         sess.ID(),
		CreatedAt:  sess.CreatedAt(),
		Forwarders: forwarderMap(sess.Forwarders()),
	})
	s.transition(EventOpenSucceeded, "tunnel established")
}

func (s *Supervisor) poll(ctx context.Context) {
	if s.waitBeforePoll {
		if err := s.health.Wait(ctx); err != nil {
			return
		}
	}

	health, status, err := s.health.Check(s.transport, s.session)
	if ctx.Err() != nil {
		return
	}
	s.recordCheck(status)

	switch health {
	case HealthHealthy:
		s.waitBeforePoll = true
		s.transition(EventHealthy, "tunnel still up")
	case HealthDegraded:
		reason := "no forwarders reported"
		if down := downForwarders(status); len(down) > 0 {
			reason = "forwarders down: " + strings.Join(down, ", ")
		}
		s.transition(EventDegraded, reason)
	case HealthUnusable:
		s.recordFailure(err)
		s.log.WithError(err).Error("tunnel unusable, discarding session")
		s.closeSession()
		s.transition(EventUnusable, err.Error())
	}
}

func (s *Supervisor) restart(ctx context.Context) {
	err := s.transport.Restart(ctx, s.session)
	if ctx.Err() != nil {
		return
	}

	switch {
	case err == nil:
		s.mu.Lock()
		s.status.Restarts++
		s.mu.Unlock()
		s.waitBeforePoll = true
		s.transition(EventRestartSucceeded, "tunnel restarted")
	case tunnel.IsConnectionError(err):
		// The transport has released the connection; the session handle
		// is dropped before the next open.
		s.recordFailure(err)
		s.log.WithError(err).Error("tunnel restart failed")
		s.transition(EventRestartFailed, err.Error())
	default:
		s.recordFailure(err)
		s.log.WithError(err).WithField("error_type", fmt.Sprintf("%T", err)).Error("unexpected error restarting tunnel")
		s.closeSession()
		s.transition(EventRestartFailedUnexpected, err.Error())
	}
}

func (s *Supervisor) wait(ctx context.Context) {
	s.log.WithField("backoff", s.backoff.String()).Info("waiting before next connection attempt")
	if err := sleep(ctx, s.clock, s.backoff); err != nil {
		return
	}
	s.transition(EventBackoffElapsed, fmt.Sprintf("waited %s", s.backoff))
}

func (s *Supervisor) shutdown() {
	s.log.Info("cancellation received, shutting down")
	s.closeSession()
	s.exitErr = nil
	s.transition(EventCancelled, "cancelled")
}

// closeSession closes the current session, if any, exactly once.
func (s *Supervisor) closeSession() {
	if s.session == nil {
		return
	}
	sess := s.session
	s.session = nil
	s.setSession(nil)
	if err := s.transport.Close(sess); err != nil {
		s.log.WithError(err).WithField("session", sess.ID()).Warn("error closing tunnel session")
		return
	}
	s.log.WithField("session", sess.ID()).Debug("tunnel session closed")
}

// transition applies event, logs it, records it and notifies callbacks.
// A self-transition is logged but not recorded.
func (s *Supervisor) transition(event Event, reason string) {
	s.mu.Lock()
	from := s.status.State
	to, err := Next(from, event)
	if err != nil {
		s.mu.Unlock()
		s.log.WithError(err).Error("rejected state transition")
		return
	}

	var sessionID string
	if s.session != nil {
		sessionID = s.session.ID()
	}
	t := Transition{
		From:      from,
		To:        to,
		Event:     event,
		Reason:    reason,
		SessionID: sessionID,
		Timestamp: s.clock.Now(),
	}

	changed := from != to
	var cbs []StateChangeCallback
	if changed {
		s.status.State = to
		s.status.Since = t.Timestamp
		s.history.record(t)
		cbs = make([]StateChangeCallback, len(s.callbacks))
		copy(cbs, s.callbacks)
	}
	s.mu.Unlock()

	fields := logrus.Fields{
		"state": to.String(),
		"from":  from.String(),
		"event": string(event),
	}
	if sessionID != "" {
		fields["session"] = sessionID
	}
	s.log.WithFields(fields).Info(reason)

	for _, cb := range cbs {
		cb(t)
	}
}

func (s *Supervisor) setSession(info *SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Session = info
}

func (s *Supervisor) recordCheck(status map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Session == nil || status == nil {
		return
	}
	s.status.Session.Forwarders = make(map[string]bool, len(status))
	for k, v := range status {
		s.status.Session.Forwarders[k] = v
	}
	s.status.Session.LastCheck = s.clock.Now()
}

func (s *Supervisor) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.ConsecutiveFailures++
	if err != nil {
		s.status.LastError = err.Error()
	}
}

func (s *Supervisor) clearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.ConsecutiveFailures = 0
}

func forwarderMap(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, name := range names {
		m[name] = true
	}
	return m
}
