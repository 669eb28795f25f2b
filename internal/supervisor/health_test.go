package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status map[string]bool
		err    error
		want   Health
	}{
		{"all up", map[string]bool{"a": true, "b": true}, nil, HealthHealthy},
		{"one down", map[string]bool{"a": true, "b": false}, nil, HealthDegraded},
		{"empty", map[string]bool{}, nil, HealthDegraded},
		{"nil", nil, nil, HealthDegraded},
		{"query failed", nil, connErr("status"), HealthUnusable},
		{"query failed with stale map", map[string]bool{"a": true}, errBoom, HealthUnusable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, tt.err))
		})
	}
}

func TestDownForwardersSorted(t *testing.T) {
	got := downForwarders(map[string]bool{"c": false, "a": false, "b": true})
	assert.Equal(t, []string{"a", "c"}, got)
	assert.Empty(t, downForwarders(map[string]bool{"a": true}))
}

func TestHealthMonitorCheck(t *testing.T) {
	ft := newFakeTransport()
	ft.statuses = []statusResult{{status: map[string]bool{"fw": false}}}
	m := NewHealthMonitor(0, nil)
	assert.Equal(t, DefaultPollInterval, m.Interval())

	h, status, err := m.Check(ft, &fakeSession{id: "s1", t: ft})
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, h)
	assert.Equal(t, map[string]bool{"fw": false}, status)
}

func TestHealthMonitorWait(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	m := NewHealthMonitor(10*time.Second, clk)

	done := make(chan error, 1)
	go func() { done <- m.Wait(context.Background()) }()

	require.NoError(t, clk.WaitAdvance(9*time.Second, time.Second, 1))
	select {
	case <-done:
		t.Fatal("Wait returned before the interval elapsed")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestHealthMonitorWaitCancelled(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	m := NewHealthMonitor(time.Minute, clk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Wait(ctx), context.Canceled)
}
