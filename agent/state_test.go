package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/hybridrag/types"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TurnState
		want     bool
	}{
		{StateReceived, StateSessionResolved, true},
		{StateSessionResolved, StateToolsSelected, true},
		{StateToolsSelected, StateRetrievalComplete, true},
		{StateRetrievalComplete, StateSynthesized, true},
		{StateSynthesized, StatePersisted, true},
		{StateSynthesized, StateDiscarded, true},
		{StateReceived, StateDiscarded, true},
		{StateReceived, StateSynthesized, false},
		{StateToolsSelected, StatePersisted, false},
		{StatePersisted, StateDiscarded, false},
		{StateDiscarded, StateReceived, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTurn_Advance(t *testing.T) {
	tr := newTurn()
	for _, s := range []TurnState{StateSessionResolved, StateToolsSelected, StateRetrievalComplete, StateSynthesized, StatePersisted} {
		require.NoError(t, tr.advance(s))
	}
	assert.Equal(t, StatePersisted, tr.state)
	assert.Len(t, tr.states(), 6)

	err := tr.advance(StateDiscarded)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	var cause ErrInvalidTransition
	require.True(t, errors.As(err, &cause))
	assert.Equal(t, StatePersisted, cause.From)
	assert.Equal(t, StateDiscarded, cause.To)
}

func TestTurn_Discard(t *testing.T) {
	tr := newTurn()
	require.NoError(t, tr.advance(StateSessionResolved))
	tr.discard()
	assert.Equal(t, StateDiscarded, tr.state)

	// 终态上重复丢弃无副作用
	tr.discard()
	assert.Equal(t, []TurnState{StateReceived, StateSessionResolved, StateDiscarded}, tr.states())
	assert.True(t, StateDiscarded.Terminal())
	assert.False(t, StateSynthesized.Terminal())
}
