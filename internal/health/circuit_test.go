package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuit_StartsClosed(t *testing.T) {
	c := NewCircuit()
	snap := c.Read()
	assert.Equal(t, Closed, snap.State)
}

func TestCircuit_DoesNotOpenBeforeMinObservations(t *testing.T) {
	c := NewCircuit()
	for i := 0; i < MinObservations-1; i++ {
		state := c.ObserveOutcome(false, int64(i+1), 0)
		assert.Equal(t, Closed, state)
	}
}

func TestCircuit_OpensAfterMinObservationsWithLowSuccessRate(t *testing.T) {
	c := NewCircuit()
	state := c.ObserveOutcome(false, MinObservations, 0.1)
	assert.Equal(t, Open, state)
}

func TestCircuit_StaysOpenUntilBreakDurationElapses(t *testing.T) {
	c := NewCircuit()
	c.ObserveOutcome(false, MinObservations, 0.0)
	require.Equal(t, Open, c.Read().State)

	shouldProbe, state := c.BeginProbe(time.Now())
	assert.False(t, shouldProbe)
	assert.Equal(t, Open, state)

	future := time.Now().Add(BreakDuration + time.Second)
	shouldProbe, state = c.BeginProbe(future)
	assert.True(t, shouldProbe)
	assert.Equal(t, HalfOpen, state)
}

func TestCircuit_HalfOpenToClosedRequiresSuccess(t *testing.T) {
	c := NewCircuit()
	c.ObserveOutcome(false, MinObservations, 0.0)
	c.BeginProbe(time.Now().Add(BreakDuration + time.Second))
	require.Equal(t, HalfOpen, c.Read().State)

	state := c.ObserveOutcome(true, MinObservations+1, 0.2)
	assert.Equal(t, Closed, state)
}

func TestCircuit_HalfOpenToOpenRequiresFailureAndMinThroughput(t *testing.T) {
	c := NewCircuit()
	c.ObserveOutcome(false, MinObservations, 0.0)
	c.BeginProbe(time.Now().Add(BreakDuration + time.Second))
	require.Equal(t, HalfOpen, c.Read().State)

	// A failure that doesn't satisfy the minimum-throughput rule
	// leaves HalfOpen untouched.
	state := c.ObserveOutcome(false, 3, 0.3)
	assert.Equal(t, HalfOpen, state)

	state = c.ObserveOutcome(false, MinObservations+1, 0.2)
	assert.Equal(t, Open, state)
}

func TestCircuit_ReadPairIsAtomic(t *testing.T) {
	c := NewCircuit()
	before := c.Read()
	c.ObserveOutcome(false, MinObservations, 0.0)
	after := c.Read()

	assert.NotEqual(t, before.LastStateChange, after.LastStateChange)
	assert.Equal(t, Open, after.State)
}
