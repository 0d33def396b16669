package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionHappyPath(t *testing.T) {
	state := StateConnected

	var err error
	state, err = Transition(state, EventCommand)
	require.NoError(t, err)
	require.Equal(t, StateProcessing, state)

	state, err = Transition(state, EventReplied)
	require.NoError(t, err)
	require.Equal(t, StateConnected, state)

	state, err = Transition(state, EventDisconnect)
	require.NoError(t, err)
	require.Equal(t, StateClosed, state)
}

func TestTransitionDisconnectWhileProcessing(t *testing.T) {
	state, err := Transition(StateProcessing, EventDisconnect)
	require.NoError(t, err)
	require.Equal(t, StateClosed, state)
}

func TestTransitionRejectsInvalidEvents(t *testing.T) {
	cases := []struct {
		state State
		event Event
	}{
		{StateConnected, EventReplied},
		{StateProcessing, EventCommand},
		{StateClosed, EventCommand},
		{StateClosed, EventReplied},
		{StateClosed, EventDisconnect},
	}
	for _, tc := range cases {
		next, err := Transition(tc.state, tc.event)
		require.Error(t, err, "%s + %s", tc.state, tc.event)
		require.Equal(t, tc.state, next)
	}
}
