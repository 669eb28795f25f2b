package supervisor

import (
	"context"
	"sort"
	"time"

	"github.com/juju/clock"

	"github.com/kincerb/tools/internal/tunnel"
)

// DefaultPollInterval is how long a healthy tunnel is left alone between
// checks.
const DefaultPollInterval = 300 * time.Second

// Health is the classification of an open session.
type Health int

const (
	// HealthHealthy means every forwarder is up.
	HealthHealthy Health = iota
	// HealthDegraded means the transport answers but at least one
	// forwarder is down.
	HealthDegraded
	// HealthUnusable means the status query itself failed and the session
	// must be discarded.
	HealthUnusable
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// Classify maps a forwarder status query result to a Health. A session
// reporting no forwarders at all is degraded: restart is what repopulates
// it.
func Classify(status map[string]bool, err error) Health {
	if err != nil {
		return HealthUnusable
	}
	if len(status) == 0 {
		return HealthDegraded
	}
	for _, up := range status {
		if !up {
			return HealthDegraded
		}
	}
	return HealthHealthy
}

// downForwarders returns the names of forwarders reported down, sorted.
func downForwarders(status map[string]bool) []string {
	var down []string
	for name, up := range status {
		if !up {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return down
}

// HealthMonitor checks sessions and paces the checks. Apart from the poll
// interval it holds no state.
type HealthMonitor struct {
	interval time.Duration
	clock    clock.Clock
}

// NewHealthMonitor returns a monitor that waits interval between checks
// using clk. A non-positive interval selects DefaultPollInterval.
func NewHealthMonitor(interval time.Duration, clk clock.Clock) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &HealthMonitor{interval: interval, clock: clk}
}

// Interval returns the poll interval.
func (m *HealthMonitor) Interval() time.Duration { return m.interval }

// Check queries the transport and classifies the answer.
func (m *HealthMonitor) Check(t tunnel.Transport, s tunnel.Session) (Health, map[string]bool, error) {
	status, err := t.ForwarderStatus(s)
	return Classify(status, err), status, err
}

// Wait blocks for one poll interval, or until ctx is done.
func (m *HealthMonitor) Wait(ctx context.Context) error {
	return sleep(ctx, m.clock, m.interval)
}

// sleep waits d on clk, returning ctx.Err() if ctx ends first.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
