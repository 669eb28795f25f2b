// Package tunnel defines the contract between the supervisor and the
// transport that actually carries forwarded traffic.
//
// The supervisor only ever sees the Transport interface and opaque Session
// values. sshtunnel provides the SSH implementation; tests provide fakes that
// fail on demand.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Direction indicates which side of the connection listens.
type Direction string

const (
	// DirectionForward listens on the local bind and forwards each connection
	// to the remote bind through the SSH server (ssh -L).
	DirectionForward Direction = "forward"

	// DirectionReverse asks the SSH server to listen on the remote bind and
	// forwards each connection to the local bind (ssh -R).
	DirectionReverse Direction = "reverse"
)

// Default bind addresses and timings.
const (
	DefaultSSHPort          = 22
	DefaultRemoteBindHost   = "127.0.0.1"
	DefaultLocalBindHost    = "0.0.0.0"
	DefaultKeepalive        = 120 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
	DefaultForwarderTimeout = 5 * time.Second
)

// Endpoint is a host/port pair.
type Endpoint struct {
	Host string
	Port int
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Config describes one tunnel. It is built once at startup and never
// mutated, so it can be read from any goroutine without locking.
type Config struct {
	Host           string
	SSHPort        int
	Username       string
	PrivateKeyPath string
	Passphrase     string
	KnownHostsPath string

	RemoteBind Endpoint
	LocalBind  Endpoint
	Direction  Direction

	Keepalive      time.Duration
	ConnectTimeout time.Duration
}

// ServerAddr returns the SSH server address.
func (c Config) ServerAddr() string {
	port := c.SSHPort
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// ForwarderName returns the key under which the single forwarder of this
// config is reported in status maps.
func (c Config) ForwarderName() string {
	if c.Direction == DirectionReverse {
		return fmt.Sprintf("%s<-%s", c.LocalBind, c.RemoteBind)
	}
	return fmt.Sprintf("%s->%s", c.LocalBind, c.RemoteBind)
}

// Session is one live attempt to forward traffic. Implementations are owned
// by a single supervisor and are not shared.
type Session interface {
	ID() string
	CreatedAt() time.Time
	IsOpen() bool
	Forwarders() []string
}

// Transport manages the lifecycle of sessions.
//
// Open and Restart report connection-level failures as *ConnectionError.
// Any other error is treated by callers as unexpected. Open never retries.
type Transport interface {
	Open(ctx context.Context, cfg Config) (Session, error)
	Restart(ctx context.Context, s Session) error
	ForwarderStatus(s Session) (map[string]bool, error)
	Close(s Session) error
}

// ConnectionError is a handshake, authentication, network or bind failure.
// The transport has already released whatever the failed operation held.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// ErrSessionClosed is returned when an operation needs an open session.
var ErrSessionClosed = errors.New("tunnel session is closed")
