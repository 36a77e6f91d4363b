package http

import "sync/atomic"

// LivenessState is where a connection sits in the heartbeat cycle.
type LivenessState int32

const (
	// Alive means the peer answered the latest probe or has just connected.
	Alive LivenessState = iota

	// Probed means a probe was sent and no acknowledgment has arrived yet.
	Probed

	// Evicted is terminal. The connection was closed for being unresponsive.
	Evicted
)

func (s LivenessState) String() string {
	switch s {
	case Alive:
		return "alive"
	case Probed:
		return "probed"
	case Evicted:
		return "evicted"
	}
	return "unknown"
}

// TickAction tells the heartbeat sweep what to do with a connection.
type TickAction int

const (
	// SendProbe means the connection moved Alive -> Probed and a probe must go out.
	SendProbe TickAction = iota

	// Evict means the connection never answered the previous probe.
	Evict

	// Skip means the connection is already evicted.
	Skip
)

// Liveness is the per-connection heartbeat state machine. All transitions are
// compare-and-swap so the sweep goroutine and the connection's read goroutine
// can drive it concurrently.
//
// Transition table:
//
//	Alive  --Tick--> Probed   (SendProbe)
//	Probed --Tick--> Evicted  (Evict)
//	Probed --Ack---> Alive
//	any    --MarkEvicted--> Evicted
//
// The zero value is Alive.
type Liveness struct {
	state atomic.Int32
}

// State returns the current state.
func (l *Liveness) State() LivenessState {
	return LivenessState(l.state.Load())
}

// Tick applies a heartbeat sweep to this connection.
func (l *Liveness) Tick() TickAction {
	for {
		switch cur := LivenessState(l.state.Load()); cur {
		case Alive:
			if l.state.CompareAndSwap(int32(Alive), int32(Probed)) {
				return SendProbe
			}
		case Probed:
			if l.state.CompareAndSwap(int32(Probed), int32(Evicted)) {
				return Evict
			}
		default:
			return Skip
		}
	}
}

// Ack records a probe acknowledgment. It returns true if the connection went
// from Probed back to Alive. Acks on Alive or Evicted connections are ignored.
func (l *Liveness) Ack() bool {
	return l.state.CompareAndSwap(int32(Probed), int32(Alive))
}

// MarkEvicted forces the terminal state. It returns false if the connection
// was already evicted.
func (l *Liveness) MarkEvicted() bool {
	return LivenessState(l.state.Swap(int32(Evicted))) != Evicted
}
