package health

import (
	"sync"
	"time"
)

// State is one of the three circuit-breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// BreakDuration is how long the breaker stays Open before allowing a
// probe through to HalfOpen.
const BreakDuration = 30 * time.Second

// MinObservations is the minimum-throughput rule: the breaker never
// opens before a destination has accumulated this many observations.
const MinObservations = 10

// Circuit is a small critical section guarding the (state,
// last_state_change) pair: a reader must never observe a state from
// one transition paired with a timestamp from another, so all access
// goes through the same mutex rather than two independent atomics.
type Circuit struct {
	mu        sync.Mutex
	state     State
	lastState time.Time
}

// NewCircuit returns a Circuit starting Closed.
func NewCircuit() *Circuit {
	return &Circuit{state: Closed, lastState: time.Now().UTC()}
}

// CircuitSnapshot is the atomically-read (state, last_state_change) pair.
type CircuitSnapshot struct {
	State           State
	LastStateChange time.Time
}

// Read returns the current (state, last_state_change) pair atomically.
func (c *Circuit) Read() CircuitSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CircuitSnapshot{State: c.state, LastStateChange: c.lastState}
}

// transition moves the circuit to next and stamps last_state_change
// atomically with it. Caller must hold c.mu.
func (c *Circuit) transition(next State, at time.Time) {
	c.state = next
	c.lastState = at
}

// ObserveOutcome applies the circuit breaker's transition table given
// whether the just-completed probe/request succeeded, and the
// destination's current (total, successRate) so the minimum-throughput
// rule can be evaluated. It returns the resulting state.
func (c *Circuit) ObserveOutcome(success bool, total int64, successRate float64) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	belowThreshold := !success && total >= MinObservations && successRate < 0.5

	now := time.Now().UTC()
	switch c.state {
	case Closed:
		if belowThreshold {
			c.transition(Open, now)
		}
	case HalfOpen:
		if success {
			c.transition(Closed, now)
		} else if belowThreshold {
			c.transition(Open, now)
		}
	case Open:
		// Outcomes recorded while Open (passive traffic through
		// Monitor.RecordSuccess/RecordFailure) leave the state
		// unchanged; only BeginProbe moves Open to HalfOpen.
	}
	return c.state
}

// BeginProbe applies the Open -> HalfOpen transition rule: if the
// circuit is Open and the break duration has elapsed, it moves to
// HalfOpen and the caller should probe; if Open and not yet elapsed,
// it reports that no probe should happen. Closed and HalfOpen always
// allow the caller to proceed.
func (c *Circuit) BeginProbe(now time.Time) (shouldProbe bool, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Open:
		if now.Sub(c.lastState) > BreakDuration {
			c.transition(HalfOpen, now)
			return true, HalfOpen
		}
		return false, Open
	default:
		return true, c.state
	}
}
