package sshtunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/kincerb/tools/internal/tunnel"
)

// forwarder owns one listener and the accept loop feeding it. It is up while
// the accept loop is running.
type forwarder struct {
	name      string
	direction tunnel.Direction
	listener  net.Listener
	cancel    context.CancelFunc
	done      chan struct{}
	log       *logrus.Entry
}

// startForwarder binds the listening side for cfg and starts its accept
// loop. Bind failures come back as *tunnel.ConnectionError.
func startForwarder(client *ssh.Client, cfg tunnel.Config, log *logrus.Entry) (*forwarder, error) {
	var (
		listener net.Listener
		dial     func() (net.Conn, error)
		err      error
	)

	switch cfg.Direction {
	case tunnel.DirectionReverse:
		listener, err = client.Listen("tcp", cfg.RemoteBind.String())
		if err != nil {
			return nil, &tunnel.ConnectionError{Op: "remote listen", Addr: cfg.RemoteBind.String(), Err: err}
		}
		target := cfg.LocalBind.String()
		dial = func() (net.Conn, error) {
			return net.DialTimeout("tcp", target, tunnel.DefaultForwarderTimeout)
		}
	default:
		listener, err = net.Listen("tcp", cfg.LocalBind.String())
		if err != nil {
			return nil, &tunnel.ConnectionError{Op: "local listen", Addr: cfg.LocalBind.String(), Err: err}
		}
		target := cfg.RemoteBind.String()
		dial = func() (net.Conn, error) {
			return client.Dial("tcp", target)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	fw := &forwarder{
		name:      cfg.ForwarderName(),
		direction: cfg.Direction,
		listener:  listener,
		cancel:    cancel,
		done:      make(chan struct{}),
		log:       log.WithField("forwarder", cfg.ForwarderName()),
	}
	go fw.acceptLoop(ctx, dial)
	return fw, nil
}

// running reports whether the accept loop is still alive.
func (fw *forwarder) running() bool {
	select {
	case <-fw.done:
		return false
	default:
		return true
	}
}

// probe checks that a local listener accepts connections. Reverse
// forwarders listen on the server, so only the accept loop is checked.
//
// A forward probe is a real connection: the accept loop forwards it, so
// every probe opens a direct-tcpip channel and a connection to the remote
// bind, which the far side sees as a short-lived client.
func (fw *forwarder) probe(timeout time.Duration) bool {
	if !fw.running() {
		return false
	}
	if fw.direction == tunnel.DirectionReverse {
		return true
	}

	addr, ok := fw.listener.Addr().(*net.TCPAddr)
	if !ok {
		return true
	}
	host := addr.IP
	if host == nil || host.IsUnspecified() {
		host = net.IPv4(127, 0, 0, 1)
	}
	conn, err := net.DialTimeout("tcp", (&net.TCPAddr{IP: host, Port: addr.Port}).String(), timeout)
	if err != nil {
		fw.log.WithError(err).Debug("forwarder probe failed")
		return false
	}
	conn.Close()
	return true
}

// stop closes the listener and waits for the accept loop to exit.
func (fw *forwarder) stop() {
	fw.cancel()
	fw.listener.Close()
	<-fw.done
}

func (fw *forwarder) acceptLoop(ctx context.Context, dial func() (net.Conn, error)) {
	defer close(fw.done)
	defer fw.listener.Close()

	for {
		conn, err := fw.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				fw.log.WithError(err).Warn("forwarder stopped accepting")
			}
			return
		}
		go fw.forward(ctx, conn, dial)
	}
}

// forward pipes one accepted connection to the far side of the tunnel.
func (fw *forwarder) forward(ctx context.Context, in net.Conn, dial func() (net.Conn, error)) {
	defer in.Close()

	out, err := dial()
	if err != nil {
		fw.log.WithError(err).Debug("forward dial failed")
		return
	}
	defer out.Close()

	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		if _, err := io.Copy(dst, src); err != nil && !errors.Is(err, net.ErrClosed) {
			fw.log.WithError(err).Debug("forward copy ended")
		}
	}
	go cp(out, in)
	go cp(in, out)

	select {
	case <-done:
	case <-ctx.Done():
	}
	in.Close()
	out.Close()
	<-done
}
