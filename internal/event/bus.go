// Package event provides the status surface of the duplex audio core: a
// small typed publish/subscribe bus carrying connection-state changes,
// decode errors, interruptions, and reconnect exhaustion to external
// collaborators (dashboards, event logs).
//
// The bus replaces implicit cross-component state interception with explicit
// message passing: components publish, collaborators subscribe, and nobody
// reaches into anybody else's state. Publishing never blocks the audio path;
// a subscriber that falls behind loses events rather than stalling capture
// or playback.
package event

import (
	"sync"
	"time"
)

// Type classifies events on the bus.
type Type string

const (
	// TypeConnectionState reports a transport state transition. Data is a
	// transport state value.
	TypeConnectionState Type = "connection_state"

	// TypeDecodeError reports a dropped inbound chunk. Data is the decode
	// error.
	TypeDecodeError Type = "decode_error"

	// TypeInterruption reports that pending playback was cancelled. Data is
	// the number of chunks cancelled.
	TypeInterruption Type = "interruption"

	// TypeReconnectFailed reports that the supervisor exhausted its attempt
	// ceiling and stopped retrying. Data is the attempt count.
	TypeReconnectFailed Type = "reconnect_failed"

	// TypeSchedulingViolation reports that the scheduler computed a start
	// time behind its cursor and dropped the chunk. Should never fire in
	// correct operation. Data is a description string.
	TypeSchedulingViolation Type = "scheduling_violation"

	// TypeMetricsSnapshot carries a periodic counter snapshot for external
	// display. Data is an app-defined snapshot struct.
	TypeMetricsSnapshot Type = "metrics_snapshot"

	// TypeControl carries an unrecognised inbound control message through to
	// collaborators without further decoding. Data is the parsed control
	// event (a transport ControlEvent) with its opaque payload intact.
	TypeControl Type = "control"
)

// Event is a single entry on the bus.
type Event struct {
	// Type classifies the event.
	Type Type

	// Time is when the event was published. Publish stamps it if zero.
	Time time.Time

	// Data is event-specific payload; see the Type constants.
	Data any
}

// historyLimit bounds the replay buffer handed to new subscribers.
const historyLimit = 100

// Bus is a bounded-replay publish/subscribe event bus.
// All methods are safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	history []Event
	closed  bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish delivers evt to every subscriber and appends it to the replay
// buffer. Delivery is best-effort: a subscriber whose channel is full misses
// the event. Publish never blocks.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.history = append(b.history, evt)
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber is not keeping up; drop rather than block the
			// audio path.
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel along
// with an unsubscribe function. Up to the last 100 events are replayed into
// the channel before any new event arrives, so late subscribers see recent
// history. buffer sizes the channel; values smaller than the replay window
// are raised to it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buffer < historyLimit {
		buffer = historyLimit
	}
	ch := make(chan Event, buffer)
	for _, evt := range b.history {
		ch <- evt
	}

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close shuts the bus down and closes all subscriber channels. Subsequent
// publishes are dropped. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
