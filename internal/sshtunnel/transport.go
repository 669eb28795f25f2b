// Package sshtunnel implements tunnel.Transport over golang.org/x/crypto/ssh.
//
// One Session is one SSH client connection plus a forwarder per configured
// bind pair. Forward sessions listen locally and dial the remote bind
// through the server (ssh -L); reverse sessions ask the server to listen
// on the remote bind and dial the local bind (ssh -R).
//
// A keepalive goroutine sends keepalive@openssh.com requests at the
// configured interval and waits at most one interval for each reply. Once a
// keepalive fails or goes unanswered, or the connection ends,
// ForwarderStatus and Restart report a *tunnel.ConnectionError so the
// supervisor discards the session.
package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/user"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kincerb/tools/internal/sshkeys"
	"github.com/kincerb/tools/internal/tunnel"
)

// keepaliveRequest is the global request OpenSSH servers answer without side
// effects.
const keepaliveRequest = "keepalive@openssh.com"

// Transport opens SSH sessions. The zero value is not usable; use
// NewTransport.
type Transport struct {
	log          *logrus.Entry
	probeTimeout time.Duration
	now          func() time.Time
}

var _ tunnel.Transport = (*Transport)(nil)

// NewTransport returns a Transport that logs through log.
func NewTransport(log *logrus.Entry) *Transport {
	return &Transport{
		log:          log.WithField("component", "sshtunnel"),
		probeTimeout: tunnel.DefaultForwarderTimeout,
		now:          time.Now,
	}
}

// Open connects to the server, authenticates with the configured key and
// starts the forwarder. It does not retry.
func (t *Transport) Open(ctx context.Context, cfg tunnel.Config) (tunnel.Session, error) {
	clientCfg, err := t.clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := cfg.ServerAddr()
	client, err := dialSSH(ctx, addr, clientCfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         uuid.NewString(),
		createdAt:  t.now(),
		cfg:        cfg,
		client:     client,
		forwarders: make(map[string]*forwarder),
	}
	log := t.log.WithField("session", s.id)

	fw, err := startForwarder(client, cfg, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.forwarders[fw.name] = fw

	t.watch(s, log)

	log.WithFields(logrus.Fields{
		"server":    addr,
		"forwarder": fw.name,
	}).Debug("ssh session opened")
	return s, nil
}

// Restart replaces forwarders whose accept loop has stopped, reusing the
// existing SSH connection. If the connection itself is gone the session is
// closed and a *tunnel.ConnectionError is returned.
func (t *Transport) Restart(ctx context.Context, ts tunnel.Session) error {
	s, err := asSession(ts)
	if err != nil {
		return err
	}
	if !s.IsOpen() {
		return tunnel.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.dead(); err != nil {
		s.close()
		return &tunnel.ConnectionError{Op: "restart", Addr: s.cfg.ServerAddr(), Err: err}
	}
	if err := s.keepalive(t.probeTimeout); err != nil {
		s.markDead(err)
		s.close()
		return &tunnel.ConnectionError{Op: "restart", Addr: s.cfg.ServerAddr(), Err: err}
	}

	log := t.log.WithField("session", s.id)

	var stale []*forwarder
	for _, fw := range s.snapshot() {
		if !fw.probe(t.probeTimeout) {
			stale = append(stale, fw)
		}
	}

	for _, old := range stale {
		old.stop()
		fw, err := startForwarder(s.client, s.cfg, log)
		if err != nil {
			s.close()
			return err
		}
		s.mu.Lock()
		s.forwarders[fw.name] = fw
		s.mu.Unlock()
		log.WithField("forwarder", fw.name).Debug("forwarder restarted")
	}
	return nil
}

// ForwarderStatus reports, per forwarder, whether it accepts connections.
// An error means the SSH connection is gone and the session is unusable.
func (t *Transport) ForwarderStatus(ts tunnel.Session) (map[string]bool, error) {
	s, err := asSession(ts)
	if err != nil {
		return nil, err
	}
	if !s.IsOpen() {
		return nil, tunnel.ErrSessionClosed
	}
	if err := s.dead(); err != nil {
		return nil, &tunnel.ConnectionError{Op: "status", Addr: s.cfg.ServerAddr(), Err: err}
	}

	fws := s.snapshot()
	status := make(map[string]bool, len(fws))
	for _, fw := range fws {
		status[fw.name] = fw.probe(t.probeTimeout)
	}
	return status, nil
}

// Close tears the session down. Closing a closed session is a no-op.
func (t *Transport) Close(ts tunnel.Session) error {
	s, err := asSession(ts)
	if err != nil {
		return err
	}
	if err := s.close(); err != nil {
		return fmt.Errorf("close ssh session %s: %w", s.id, err)
	}
	return nil
}

// clientConfig builds the ssh.ClientConfig for cfg.
func (t *Transport) clientConfig(cfg tunnel.Config) (*ssh.ClientConfig, error) {
	signer, err := sshkeys.LoadSigner(cfg.PrivateKeyPath, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	t.log.WithField("fingerprint", sshkeys.Fingerprint(signer)).Debug("loaded private key")

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		path, err := sshkeys.ExpandPath(cfg.KnownHostsPath)
		if err != nil {
			return nil, err
		}
		hostKeyCallback, err = knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	} else {
		t.log.Debug("no known_hosts file configured, host key is not verified")
	}

	username := cfg.Username
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = tunnel.DefaultConnectTimeout
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// dialSSH dials addr and runs the handshake. Cancelling ctx aborts both.
func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &tunnel.ConnectionError{Op: "dial", Addr: addr, Err: err}
	}

	netConn.SetDeadline(time.Now().Add(cfg.Timeout))
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	cancelled := !stop()
	if err != nil {
		netConn.Close()
		if cancelled {
			err = errors.Join(err, ctx.Err())
		}
		return nil, &tunnel.ConnectionError{Op: "handshake", Addr: addr, Err: err}
	}
	if cancelled {
		sshConn.Close()
		return nil, &tunnel.ConnectionError{Op: "handshake", Addr: addr, Err: ctx.Err()}
	}
	netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// watch starts the goroutines that notice a dead connection: one waits for
// the connection to end, the other sends keepalives.
func (t *Transport) watch(s *Session, log *logrus.Entry) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopAlive = cancel
	s.mu.Unlock()

	go func() {
		err := s.client.Wait()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("connection closed by server")
		}
		log.WithError(err).Warn("ssh connection lost")
		s.markDead(err)
	}()

	interval := s.cfg.Keepalive
	if interval <= 0 {
		interval = tunnel.DefaultKeepalive
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.keepalive(interval); err != nil {
					log.WithError(err).Warn("ssh keepalive failed")
					s.markDead(err)
					return
				}
			}
		}
	}()
}

func asSession(ts tunnel.Session) (*Session, error) {
	s, ok := ts.(*Session)
	if !ok || s == nil {
		return nil, fmt.Errorf("sshtunnel: unsupported session type %T", ts)
	}
	return s, nil
}
