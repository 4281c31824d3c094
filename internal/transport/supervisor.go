package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dusterbloom/maestrocat/internal/event"
	"github.com/dusterbloom/maestrocat/internal/observe"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts = 10
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	backoffFactor      = 1.5
)

// SupervisorConfig configures a [Supervisor].
type SupervisorConfig struct {
	// Endpoint is the WebSocket URL of the voice-processing service.
	Endpoint string

	// Dial establishes connections. Defaults to [Dial] if nil; tests inject
	// in-memory fakes.
	Dial DialFunc

	// Bus receives connection_state and reconnect_failed events. Required.
	Bus *event.Bus

	// MaxAttempts is the maximum number of reconnection attempts per outage
	// before giving up. Defaults to 10 if zero.
	MaxAttempts int

	// Backoff is the delay before the first reconnection attempt. Grows by
	// half again each attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the backoff delay. Defaults to 30s
	// if zero.
	MaxBackoff time.Duration

	// Metrics records reconnection attempt outcomes. Defaults to
	// [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics

	// Logger is used for connection lifecycle logging. Defaults to
	// [slog.Default] if nil.
	Logger *slog.Logger
}

// Supervisor owns the connection lifecycle: it dials, detects drops, retries
// with capped exponential backoff, and gives up after the attempt ceiling.
//
// The state machine is
//
//	Disconnected → Connecting → Connected → Backoff → Connecting → …
//
// with two terminal exits: an explicit [Supervisor.Disconnect] (no further
// reconnection, ever) and attempt exhaustion (a reconnect_failed event is
// published and [Supervisor.Run] returns; a fresh Run call starts a new
// cycle). Every transition is published on the event bus so collaborators
// can track connectivity without polling.
//
// Inbound messages from all connections are merged, in order, onto the single
// channel returned by [Supervisor.Inbound]; sequence numbering and ordering
// guarantees reset at each reconnection.
//
// All methods are safe for concurrent use.
type Supervisor struct {
	endpoint    string
	dial        DialFunc
	bus         *event.Bus
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	metrics     *observe.Metrics
	logger      *slog.Logger

	inbound chan Message

	mu      sync.Mutex
	state   State
	conn    Conn
	running bool

	done     chan struct{} // closed by Disconnect; terminal
	stopOnce sync.Once
}

// NewSupervisor creates a [Supervisor] in the Disconnected state.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	dial := cfg.Dial
	if dial == nil {
		dial = Dial
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		endpoint:    cfg.Endpoint,
		dial:        dial,
		bus:         cfg.Bus,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		metrics:     metrics,
		logger:      logger,
		inbound:     make(chan Message, inboundBuffer),
		done:        make(chan struct{}),
	}
}

// Inbound returns the merged stream of messages from the service. The channel
// stays open across reconnections and closes only on [Supervisor.Close].
func (s *Supervisor) Inbound() <-chan Message { return s.inbound }

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send transmits one outbound audio payload. It fails fast with
// [ErrNotConnected] while the supervisor is in any state other than
// Connected; frames are never buffered for later delivery.
func (s *Supervisor) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ctx, payload)
}

// Run drives one connection cycle: initial dial, then reconnection with
// backoff after every drop. It returns nil when the cycle ends without a
// supervisor fault, which happens on context cancellation, explicit
// disconnect, or attempt exhaustion (reported as a reconnect_failed event,
// not an error). After an exhaustion return, a new Run call starts a fresh
// cycle with a reset attempt counter.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("transport: supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.setState(StateChange{State: StateDisconnected})
	}()

	attempt := 0
	delay := s.backoff

	for {
		if stopped(ctx, s.done) {
			return nil
		}

		// Every failure (dial or remote close) passes through Backoff before
		// the next dial. The initial dial of a cycle skips it.
		if attempt > 0 {
			if attempt > s.maxAttempts {
				s.logger.Error("reconnection attempts exhausted",
					"endpoint", s.endpoint,
					"attempts", s.maxAttempts,
				)
				s.metrics.RecordReconnect(ctx, "exhausted")
				if s.bus != nil {
					s.bus.Publish(event.Event{Type: event.TypeReconnectFailed, Data: s.maxAttempts})
				}
				return nil
			}

			s.setState(StateChange{State: StateBackoff, Attempt: attempt, Delay: delay})
			select {
			case <-ctx.Done():
				return nil
			case <-s.done:
				return nil
			case <-time.After(delay):
			}
			delay = nextBackoff(delay, s.maxBackoff)
		}

		s.setState(StateChange{State: StateConnecting, Attempt: attempt})

		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		conn, err := s.dial(dialCtx, s.endpoint)
		cancel()
		if err != nil {
			s.logger.Warn("connection attempt failed",
				"endpoint", s.endpoint,
				"attempt", attempt,
				"max_attempts", s.maxAttempts,
				"error", err,
			)
			s.metrics.RecordReconnect(ctx, "failure")
			attempt++
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateChange{State: StateConnected})
		s.metrics.RecordReconnect(ctx, "success")
		s.logger.Info("connected", "endpoint", s.endpoint, "attempt", attempt)

		// Success resets the backoff schedule.
		attempt = 0
		delay = s.backoff

		s.pump(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()

		if stopped(ctx, s.done) {
			return nil
		}
		s.logger.Warn("connection lost, starting reconnection cycle",
			"endpoint", s.endpoint,
		)
		attempt = 1
	}
}

// Disconnect requests a permanent disconnect. The current connection is torn
// down, Run returns, and no reconnection is ever attempted on this
// supervisor. Safe to call more than once.
func (s *Supervisor) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Close releases the supervisor after Run has returned, closing the inbound
// channel. Callers must not use the supervisor afterwards.
func (s *Supervisor) Close() {
	s.Disconnect()
	close(s.inbound)
}

// pump forwards inbound messages from conn onto the merged channel until the
// connection dies or shutdown is requested.
func (s *Supervisor) pump(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-conn.Inbound():
			if !ok {
				return
			}
			select {
			case s.inbound <- msg:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

// setState records the new state and publishes it on the bus.
func (s *Supervisor) setState(change StateChange) {
	s.mu.Lock()
	if s.state == change.State && change.State == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = change.State
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.TypeConnectionState, Data: change})
	}
}

// nextBackoff grows the delay by half again, capped at max.
func nextBackoff(cur, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > max {
		return max
	}
	return next
}

// stopped reports whether the context is cancelled or an explicit disconnect
// was requested.
func stopped(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-done:
		return true
	default:
		return false
	}
}
