package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kincerb/tools/internal/tunnel"
)

var errBoom = errors.New("boom")

func connErr(op string) error {
	return &tunnel.ConnectionError{Op: op, Addr: "example:22", Err: errors.New("connection refused")}
}

type fakeSession struct {
	id        string
	createdAt time.Time
	t         *fakeTransport
}

func (s *fakeSession) ID() string           { return s.id }
func (s *fakeSession) CreatedAt() time.Time { return s.createdAt }
func (s *fakeSession) Forwarders() []string { return []string{"fw"} }
func (s *fakeSession) IsOpen() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.closes[s.id] == 0
}

type statusResult struct {
	status map[string]bool
	err    error
}

// fakeTransport scripts transport behaviour and records every call in
// order.
type fakeTransport struct {
	mu sync.Mutex

	openErrs       []error // consumed one per Open; nil means success
	defaultOpenErr error   // used once openErrs is exhausted
	blockOpen      bool    // Open waits for ctx to end
	nilOpens       int     // Opens that return neither a session nor an error

	statuses    []statusResult // consumed one per status call; last repeats
	restartErrs []error        // consumed one per Restart; nil means success

	calls       []string
	opened      int
	statusCalls int
	restarts    int
	closes      map[string]int
	openNow     int
	maxOpen     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closes: make(map[string]int)}
}

func (f *fakeTransport) Open(ctx context.Context, _ tunnel.Config) (tunnel.Session, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "open")
	block := f.blockOpen
	var err error
	if len(f.openErrs) > 0 {
		err = f.openErrs[0]
		f.openErrs = f.openErrs[1:]
	} else {
		err = f.defaultOpenErr
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if f.nilOpens > 0 {
		f.nilOpens--
		return nil, nil
	}
	f.opened++
	f.openNow++
	if f.openNow > f.maxOpen {
		f.maxOpen = f.openNow
	}
	return &fakeSession{id: fmt.Sprintf("s%d", f.opened), createdAt: time.Unix(0, 0), t: f}, nil
}

func (f *fakeTransport) Restart(_ context.Context, s tunnel.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "restart:"+s.ID())
	f.restarts++
	if len(f.restartErrs) == 0 {
		return nil
	}
	err := f.restartErrs[0]
	f.restartErrs = f.restartErrs[1:]
	return err
}

func (f *fakeTransport) ForwarderStatus(s tunnel.Session) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "status:"+s.ID())
	f.statusCalls++
	if len(f.statuses) == 0 {
		return map[string]bool{"fw": true}, nil
	}
	r := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return r.status, r.err
}

func (f *fakeTransport) Close(s tunnel.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "close:"+s.ID())
	if f.closes[s.ID()] == 0 {
		f.openNow--
	}
	f.closes[s.ID()]++
	return nil
}

func (f *fakeTransport) snapshot() (opened, statusCalls, restarts int, calls []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls = make([]string, len(f.calls))
	copy(calls, f.calls)
	return f.opened, f.statusCalls, f.restarts, calls
}

func (f *fakeTransport) openCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == "open" {
			n++
		}
	}
	return n
}

func (f *fakeTransport) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeTransport) closeCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes[id]
}

func (f *fakeTransport) peakOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}
