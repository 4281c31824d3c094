// Package transport implements the duplex, message-framed connection between
// the audio core and the remote voice-processing service, together with the
// supervisor that owns its lifecycle and reconnection policy.
//
// The wire protocol mirrors the service's WebSocket framing: binary messages
// carry audio (outbound raw PCM16 capture buffers, inbound self-describing
// speech containers), text messages carry small JSON control events of the
// form {"type": ..., "data": ...}.
//
// Send is deliberately lossy while disconnected: capture frames produced
// during an outage are dropped, never buffered, so memory stays bounded and
// no stale audio is delivered after a reconnect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotConnected is returned by Send when no connection is established.
// Callers treat it as "frame dropped", not as a session failure.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection lifecycle state, owned by the [Supervisor].
// It drives send eligibility: only StateConnected accepts outbound frames.
type State int

const (
	// StateDisconnected means no connection exists and none is being
	// attempted. Terminal after an explicit disconnect or after the retry
	// ceiling is exhausted; a new Run call starts a fresh cycle.
	StateDisconnected State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the duplex channel is established.
	StateConnected

	// StateBackoff means the last connection failed and the supervisor is
	// waiting out the current backoff delay before redialling.
	StateBackoff
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// StateChange describes one supervisor state transition. Published on the
// event bus as the Data of a connection_state event.
type StateChange struct {
	// State is the state being entered.
	State State

	// Attempt is the reconnection attempt number; zero outside backoff
	// cycles.
	Attempt int

	// Delay is the backoff delay before the next dial; zero outside
	// StateBackoff.
	Delay time.Duration
}

// MessageKind discriminates inbound wire messages.
type MessageKind int

const (
	// KindAudio is a binary message carrying a self-describing audio
	// container.
	KindAudio MessageKind = iota

	// KindControl is a text message carrying a JSON control event.
	KindControl
)

// Message is one inbound wire message. Exactly one of Audio or Control is
// meaningful, selected by Kind. Ownership is transient: the component that
// receives a Message consumes it and must not retain Audio beyond processing.
type Message struct {
	Kind    MessageKind
	Audio   []byte
	Control ControlEvent
}

// ControlEvent is a typed control message from the service. Data is opaque
// to this core except for the types named below.
type ControlEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Control event types recognised by the audio core. Everything else is
// re-published on the event bus for external collaborators.
const (
	// ControlInterruptionDetected signals server-side barge-in detection:
	// all pending playback must be cancelled immediately.
	ControlInterruptionDetected = "interruption_detected"
)

// Conn abstracts an established duplex connection. [Channel] is the
// production WebSocket implementation; tests supply in-memory fakes so the
// supervisor's state machine can be exercised without a network.
type Conn interface {
	// Send writes one outbound binary audio payload. It must not block
	// longer than the write deadline of the underlying connection.
	Send(ctx context.Context, payload []byte) error

	// Inbound returns the ordered stream of messages from the service. The
	// channel is closed when the connection terminates for any reason;
	// ordering is guaranteed only within this one connection.
	Inbound() <-chan Message

	// Close tears the connection down. Idempotent.
	Close() error
}

// DialFunc establishes a [Conn] to endpoint. The production value is
// [Dial]; tests inject fakes.
type DialFunc func(ctx context.Context, endpoint string) (Conn, error)
