package supervisor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from  State
		event Event
		want  State
	}{
		{StateIdle, EventStart, StateValidating},
		{StateValidating, EventCredentialMissing, StateShuttingDown},
		{StateValidating, EventCredentialPresent, StateConnecting},
		{StateConnecting, EventOpenSucceeded, StateConnected},
		{StateConnecting, EventOpenFailed, StateDisconnected},
		{StateConnecting, EventOpenFailedUnexpected, StateDisconnected},
		{StateConnected, EventHealthy, StateConnected},
		{StateConnected, EventDegraded, StateDegraded},
		{StateConnected, EventUnusable, StateDisconnected},
		{StateDegraded, EventRestartSucceeded, StateConnected},
		{StateDegraded, EventRestartFailed, StateDisconnected},
		{StateDegraded, EventRestartFailedUnexpected, StateDisconnected},
		{StateDisconnected, EventBackoffElapsed, StateConnecting},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+string(tt.event), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextCancelledFromAnyLiveState(t *testing.T) {
	for _, s := range []State{StateIdle, StateValidating, StateConnecting, StateConnected, StateDegraded, StateDisconnected} {
		got, err := Next(s, EventCancelled)
		require.NoError(t, err, s.String())
		assert.Equal(t, StateShuttingDown, got)
	}
}

func TestNextRejectsUnknownTransitions(t *testing.T) {
	_, err := Next(StateIdle, EventOpenSucceeded)
	assert.Error(t, err)

	_, err = Next(StateDisconnected, EventHealthy)
	assert.Error(t, err)

	_, err = Next(StateShuttingDown, EventCancelled)
	assert.Error(t, err, "shutting down is terminal")

	_, err = Next(StateShuttingDown, EventStart)
	assert.Error(t, err)
}

func TestStateText(t *testing.T) {
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateShuttingDown.Terminal())
	assert.False(t, StateDisconnected.Terminal())

	b, err := json.Marshal(Transition{From: StateConnected, To: StateDegraded, Event: EventDegraded})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"from":"connected"`)
	assert.Contains(t, string(b), `"to":"degraded"`)
	assert.NotContains(t, string(b), "session_id")
}

func TestHistoryRing(t *testing.T) {
	var h history
	assert.Nil(t, h.list())

	base := time.Unix(0, 0)
	for i := 0; i < historySize+7; i++ {
		h.record(Transition{Reason: "r", Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	list := h.list()
	require.Len(t, list, historySize)
	assert.Equal(t, base.Add(7*time.Second), list[0].Timestamp, "oldest entries are overwritten")
	assert.Equal(t, base.Add(time.Duration(historySize+6)*time.Second), list[len(list)-1].Timestamp)
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i].Timestamp.After(list[i-1].Timestamp))
	}
}

func TestHistoryPartial(t *testing.T) {
	var h history
	h.record(Transition{Event: EventStart})
	h.record(Transition{Event: EventCredentialPresent})

	list := h.list()
	require.Len(t, list, 2)
	assert.Equal(t, EventStart, list[0].Event)
	assert.Equal(t, EventCredentialPresent, list[1].Event)
}
