// Package metrics exports supervisor activity as Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kincerb/tools/internal/supervisor"
)

var allStates = []supervisor.State{
	supervisor.StateIdle,
	supervisor.StateValidating,
	supervisor.StateConnecting,
	supervisor.StateConnected,
	supervisor.StateDegraded,
	supervisor.StateDisconnected,
	supervisor.StateShuttingDown,
}

// Collectors holds the daemon's metrics. Feed it with Record, typically
// registered through Supervisor.OnStateChange.
type Collectors struct {
	State               *prometheus.GaugeVec
	TransitionsTotal    *prometheus.CounterVec
	OpenFailuresTotal   *prometheus.CounterVec
	SessionsTotal       prometheus.Counter
	RestartsTotal       prometheus.Counter
	SessionDurationSecs prometheus.Histogram

	mu           sync.Mutex
	sessionStart time.Time
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	c := &Collectors{
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sshconnd_state",
			Help: "1 for the current supervisor state",
		}, []string{"state"}),
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sshconnd_transitions_total",
			Help: "State transitions by event",
		}, []string{"event"}),
		OpenFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sshconnd_open_failures_total",
			Help: "Failed tunnel opens by kind",
		}, []string{"kind"}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sshconnd_sessions_established_total",
			Help: "Tunnel sessions established",
		}),
		RestartsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sshconnd_restarts_total",
			Help: "Successful in-place forwarder restarts",
		}),
		SessionDurationSecs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sshconnd_session_duration_seconds",
			Help:    "Tunnel session lifetime seconds",
			Buckets: prometheus.ExponentialBuckets(60, 2, 12),
		}),
	}
	c.setState(supervisor.StateIdle)
	return c
}

// Record updates the collectors for one transition.
func (c *Collectors) Record(t supervisor.Transition) {
	c.setState(t.To)
	c.TransitionsTotal.WithLabelValues(string(t.Event)).Inc()

	switch t.Event {
	case supervisor.EventOpenFailed:
		c.OpenFailuresTotal.WithLabelValues("connection").Inc()
	case supervisor.EventOpenFailedUnexpected:
		c.OpenFailuresTotal.WithLabelValues("unexpected").Inc()
	case supervisor.EventRestartSucceeded:
		c.RestartsTotal.Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Event == supervisor.EventOpenSucceeded {
		c.SessionsTotal.Inc()
		c.sessionStart = t.Timestamp
		return
	}
	live := t.From == supervisor.StateConnected || t.From == supervisor.StateDegraded
	if live && !c.sessionStart.IsZero() && (t.To == supervisor.StateDisconnected || t.To == supervisor.StateShuttingDown) {
		c.SessionDurationSecs.Observe(t.Timestamp.Sub(c.sessionStart).Seconds())
		c.sessionStart = time.Time{}
	}
}

func (c *Collectors) setState(current supervisor.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.State.WithLabelValues(s.String()).Set(v)
	}
}
