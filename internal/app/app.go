// Package app wires the MaestroCat subsystems into one running client:
// microphone capture feeding the transport, the connection supervisor, the
// playback scheduler and its interruption coordinator, the event bus, and
// the status HTTP server.
//
// Construction ([New]) builds and connects everything; [App.Run] drives the
// whole duplex path until the context is cancelled. Subsystems communicate
// through channels and the event bus only, never by reaching into each
// other's state.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dusterbloom/maestrocat/internal/config"
	"github.com/dusterbloom/maestrocat/internal/event"
	"github.com/dusterbloom/maestrocat/internal/health"
	"github.com/dusterbloom/maestrocat/internal/observe"
	"github.com/dusterbloom/maestrocat/internal/playback"
	"github.com/dusterbloom/maestrocat/internal/transport"
	"github.com/dusterbloom/maestrocat/pkg/audio"
	"github.com/dusterbloom/maestrocat/pkg/device"
)

// statusShutdownTimeout bounds the graceful shutdown of the status server.
const statusShutdownTimeout = 5 * time.Second

// Snapshot is the payload of a metrics_snapshot event, published periodically
// for external display (dashboards, event logs).
type Snapshot struct {
	Time          time.Time       `json:"time"`
	State         transport.State `json:"-"`
	StateName     string          `json:"state"`
	PendingChunks int             `json:"pending_chunks"`
	FramesSent    uint64          `json:"frames_sent"`
	FramesDropped uint64          `json:"frames_dropped"`
}

// App owns all MaestroCat subsystems and their lifecycles.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *event.Bus
	metrics *observe.Metrics

	input        device.Input
	output       device.Output
	dialOverride transport.DialFunc

	sup    *transport.Supervisor
	sched  *playback.Scheduler
	coord  *playback.Coordinator
	status *http.Server

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64

	closers  []func() error
	stopOnce sync.Once
}

// Option customises [New]. Options exist mainly so tests can inject in-memory
// devices and transports.
type Option func(*App)

// WithInput sets the capture device. Required; there is no default.
func WithInput(in device.Input) Option {
	return func(a *App) { a.input = in }
}

// WithOutput sets the playback device. Required; there is no default.
func WithOutput(out device.Output) Option {
	return func(a *App) { a.output = out }
}

// WithDialer overrides the WebSocket dialer used by the connection
// supervisor. Tests use it to swap in in-memory connections.
func WithDialer(dial transport.DialFunc) Option {
	return func(a *App) { a.dialOverride = dial }
}

// WithBus sets the event bus. Defaults to a fresh [event.Bus].
func WithBus(bus *event.Bus) Option {
	return func(a *App) { a.bus = bus }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New creates the application and wires every subsystem. cfg must already be
// normalized and validated (see [config.Load]). An input and output device
// must be provided via [WithInput] and [WithOutput]; device adapters live
// outside this module, so the core never picks one on its own.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}

	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if a.input == nil {
		return nil, fmt.Errorf("app: no capture device; pass one with WithInput")
	}
	if a.output == nil {
		return nil, fmt.Errorf("app: no playback device; pass one with WithOutput")
	}

	// ── 1. Shared infrastructure ──────────────────────────────────────────
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.bus == nil {
		a.bus = event.NewBus()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Transport supervisor ───────────────────────────────────────────
	a.sup = transport.NewSupervisor(transport.SupervisorConfig{
		Endpoint:    cfg.Endpoint,
		Dial:        a.dialOverride,
		Bus:         a.bus,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Backoff:     cfg.Reconnect.Backoff,
		MaxBackoff:  cfg.Reconnect.MaxBackoff,
		Metrics:     a.metrics,
		Logger:      a.logger.With("component", "transport"),
	})

	// ── 3. Playback ───────────────────────────────────────────────────────
	a.sched = playback.NewScheduler(playback.SchedulerConfig{
		Output:  a.output,
		Bus:     a.bus,
		Metrics: a.metrics,
		Logger:  a.logger.With("component", "scheduler"),
	})
	a.coord = playback.NewCoordinator(playback.CoordinatorConfig{
		Scheduler: a.sched,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Logger:    a.logger.With("component", "coordinator"),
	})

	// ── 4. Status server ──────────────────────────────────────────────────
	if addr := cfg.Status.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		health.New(health.Connection(a.sup.State)).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())

		a.status = &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(a.metrics)(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	a.closers = append(a.closers, a.input.Stop, a.output.Close)
	return a, nil
}

// Run drives the duplex audio path until ctx is cancelled or a subsystem
// fails. The capture loop, transport supervisor, scheduler, coordinator,
// inbound router, snapshot publisher, and status server all run as one
// errgroup; the first real error (device unavailable, status server crash)
// cancels the rest and is returned.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.sup.Run(ctx) })
	g.Go(func() error { return a.sched.Run(ctx) })
	g.Go(func() error { return a.coord.Run(ctx) })
	g.Go(func() error { return a.capture(ctx) })
	g.Go(func() error { return a.route(ctx) })

	if a.cfg.Status.SnapshotInterval > 0 {
		g.Go(func() error { return a.publishSnapshots(ctx) })
	}
	if a.status != nil {
		g.Go(func() error { return a.serveStatus(ctx) })
	}

	a.logger.Info("maestrocat running",
		"endpoint", a.cfg.Endpoint,
		"capture_rate", a.cfg.Capture.SampleRate,
		"buffer_size", a.cfg.Capture.BufferSize,
	)
	return g.Wait()
}

// capture starts the microphone and streams encoded frames to the service.
// Frames produced while the transport is down are dropped, never buffered;
// the service's own jitter handling absorbs the gap after reconnection.
func (a *App) capture(ctx context.Context) error {
	frames, err := a.input.Start(ctx, device.CaptureConfig{
		Format: audio.Format{
			SampleRate: a.cfg.Capture.SampleRate,
			Channels:   a.cfg.Capture.Channels,
		},
		BufferSize:       a.cfg.Capture.BufferSize,
		EchoCancellation: a.cfg.Capture.EchoCancellation,
		NoiseSuppression: a.cfg.Capture.NoiseSuppression,
	})
	if err != nil {
		return fmt.Errorf("app: start capture: %w", err)
	}

	for frame := range frames {
		payload := audio.EncodeFrame(frame)
		switch err := a.sup.Send(ctx, payload); {
		case err == nil:
			a.metrics.FramesSent.Add(ctx, 1)
			a.framesSent.Add(1)
		case errors.Is(err, transport.ErrNotConnected):
			a.metrics.RecordFrameDropped(ctx, "disconnected")
			a.framesDropped.Add(1)
		default:
			a.logger.Warn("frame send failed", "seq", frame.Seq, "error", err)
			a.metrics.RecordFrameDropped(ctx, "send_error")
			a.framesDropped.Add(1)
		}
	}
	// Channel closed: the device was stopped or ctx was cancelled.
	return nil
}

// route demultiplexes the inbound stream: binary audio goes to the playback
// scheduler, control events to the coordinator.
func (a *App) route(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-a.sup.Inbound():
			if !ok {
				return nil
			}
			switch msg.Kind {
			case transport.KindAudio:
				if err := a.sched.Enqueue(ctx, msg.Audio); err != nil {
					return nil
				}
			case transport.KindControl:
				a.coord.HandleControl(ctx, msg.Control)
			}
		}
	}
}

// publishSnapshots emits a periodic metrics_snapshot event on the bus.
func (a *App) publishSnapshots(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Status.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			state := a.sup.State()
			a.bus.Publish(event.Event{
				Type: event.TypeMetricsSnapshot,
				Data: Snapshot{
					Time:          now,
					State:         state,
					StateName:     state.String(),
					PendingChunks: a.sched.Pending(),
					FramesSent:    a.framesSent.Load(),
					FramesDropped: a.framesDropped.Load(),
				},
			})
		}
	}
}

// serveStatus runs the status HTTP server until ctx is cancelled.
func (a *App) serveStatus(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("status server listening", "addr", a.status.Addr)
		errCh <- a.status.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
		defer cancel()
		_ = a.status.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: status server: %w", err)
	}
}

// Interrupt applies a locally triggered interruption: all pending playback is
// cancelled and the schedule cursor resets to now. Returns the number of
// chunks cancelled.
func (a *App) Interrupt(ctx context.Context) (int, error) {
	return a.coord.Interrupt(ctx)
}

// Disconnect permanently tears down the connection. No reconnection is
// attempted afterwards; Run returns once the teardown completes.
func (a *App) Disconnect() {
	a.sup.Disconnect()
}

// State returns the current transport connection state.
func (a *App) State() transport.State {
	return a.sup.State()
}

// Bus returns the event bus so external collaborators can subscribe to
// connection-state, interruption, and error events.
func (a *App) Bus() *event.Bus {
	return a.bus
}

// Shutdown releases all devices and closes the event bus. Call after Run has
// returned. Idempotent.
func (a *App) Shutdown() error {
	var errs []error
	a.stopOnce.Do(func() {
		a.sup.Disconnect()
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.bus.Close()
	})
	return errors.Join(errs...)
}
