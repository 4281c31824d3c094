package playback

import (
	"context"
	"log/slog"

	"github.com/dusterbloom/maestrocat/internal/event"
	"github.com/dusterbloom/maestrocat/internal/observe"
	"github.com/dusterbloom/maestrocat/internal/transport"
)

// Interruption trigger sources, used as the metrics "source" attribute.
const (
	SourceLocal     = "local"
	SourceControl   = "control"
	SourceReconnect = "reconnect"
)

// CoordinatorConfig configures a [Coordinator].
type CoordinatorConfig struct {
	// Scheduler receives the resets. Required.
	Scheduler *Scheduler

	// Bus is watched for connection-state changes so a reconnect discards
	// any schedule computed before the disconnect. Required.
	Bus *event.Bus

	// Metrics defaults to [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default] if nil.
	Logger *slog.Logger
}

// Coordinator routes interruption triggers to the scheduler. Three sources
// feed it: a local user action ([Coordinator.Interrupt]), the service's
// interruption control event ([Coordinator.HandleControl]), and transport
// reconnection (observed on the event bus by [Coordinator.Run]).
//
// Every trigger applies the same reset: cancel all pending chunks and move
// the cursor to now. Resets are idempotent, so overlapping triggers are
// harmless.
type Coordinator struct {
	sched   *Scheduler
	bus     *event.Bus
	metrics *observe.Metrics
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator. Call [Coordinator.Run] to watch for
// reconnect resets.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sched:   cfg.Scheduler,
		bus:     cfg.Bus,
		metrics: metrics,
		logger:  logger,
	}
}

// Interrupt applies a locally triggered interruption (the user cutting the
// agent off). Returns the number of chunks cancelled.
func (c *Coordinator) Interrupt(ctx context.Context) (int, error) {
	return c.sched.Interrupt(ctx, SourceLocal)
}

// HandleControl processes one inbound control event. An interruption signal
// resets the scheduler; anything else is re-published on the bus untouched
// for external collaborators.
func (c *Coordinator) HandleControl(ctx context.Context, ctrl transport.ControlEvent) {
	switch ctrl.Type {
	case transport.ControlInterruptionDetected:
		if _, err := c.sched.Interrupt(ctx, SourceControl); err != nil {
			c.logger.Warn("control interruption not applied", "error", err)
		}
	default:
		c.bus.Publish(event.Event{Type: event.TypeControl, Data: ctrl})
	}
}

// Run watches the event bus and resets the scheduler each time the transport
// re-enters Connected. The reset on the very first connect is a no-op (empty
// pending set, cursor already at now). Returns when ctx is cancelled.
//
// Bus delivery is best-effort, but this subscription cannot lose a Connected
// transition in practice: its buffer is at least the bus's 100-event replay
// window, the supervisor emits only a handful of transitions per dial cycle
// with backoff delays between them, and the only blocking call below is a
// scheduler reset, which the scheduler services ahead of queued audio. The
// buffer could only fill if the scheduler loop were gone, and then there is
// no schedule left to reset.
func (c *Coordinator) Run(ctx context.Context) error {
	events, cancel := c.bus.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if evt.Type != event.TypeConnectionState {
				continue
			}
			change, ok := evt.Data.(transport.StateChange)
			if !ok || change.State != transport.StateConnected {
				continue
			}
			if _, err := c.sched.Interrupt(ctx, SourceReconnect); err != nil {
				return nil
			}
		}
	}
}
