package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/dusterbloom/maestrocat/internal/app"
	"github.com/dusterbloom/maestrocat/internal/config"
	"github.com/dusterbloom/maestrocat/internal/event"
	"github.com/dusterbloom/maestrocat/internal/observe"
	"github.com/dusterbloom/maestrocat/internal/transport"
	"github.com/dusterbloom/maestrocat/pkg/audio"
	"github.com/dusterbloom/maestrocat/pkg/device/mock"
)

var outputFormat = audio.Format{SampleRate: 48000, Channels: 1}

// testMetrics returns an isolated Metrics instance so tests do not pollute
// the global meter provider.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// fakeConn is an in-memory transport.Conn. Tests read what was sent and push
// inbound messages directly.
type fakeConn struct {
	mu        sync.Mutex
	sent      [][]byte
	inbound   chan transport.Message
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan transport.Message, 16)}
}

func (c *fakeConn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Inbound() <-chan transport.Message { return c.inbound }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.inbound) })
	return nil
}

func (c *fakeConn) sentPayloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) push(msg transport.Message) { c.inbound <- msg }

// fixture bundles a running app with its injected doubles.
type fixture struct {
	app    *app.App
	in     *mock.Input
	out    *mock.Output
	conn   *fakeConn
	bus    *event.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

func testConfig() *config.Config {
	return &config.Config{
		Endpoint: "ws://agent.test/audio",
		Capture:  config.CaptureConfig{SampleRate: 16000, Channels: 1, BufferSize: 4},
		Reconnect: config.ReconnectConfig{
			MaxAttempts: 3,
			Backoff:     2 * time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
		},
	}
}

// startApp builds an app around mock devices and a fake dialer, runs it, and
// stops it with the test. A nil dial connects to the fixture's fakeConn.
func startApp(t *testing.T, cfg *config.Config, dial transport.DialFunc) *fixture {
	t.Helper()

	f := &fixture{
		in:   &mock.Input{},
		out:  mock.NewOutput(outputFormat),
		conn: newFakeConn(),
		bus:  event.NewBus(),
		done: make(chan struct{}),
	}
	if dial == nil {
		dial = func(context.Context, string) (transport.Conn, error) { return f.conn, nil }
	}

	a, err := app.New(cfg,
		app.WithInput(f.in),
		app.WithOutput(f.out),
		app.WithDialer(dial),
		app.WithBus(f.bus),
		app.WithMetrics(testMetrics(t)),
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.done)
		if err := a.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-f.done
		_ = a.Shutdown()
	})
	return f
}

// waitState polls until the app reports the given transport state.
func waitState(t *testing.T, f *fixture, want transport.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.app.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", f.app.State(), want)
}

// waitSubmissions polls until the mock output has seen n Play calls.
func waitSubmissions(t *testing.T, out *mock.Output, n int) []*mock.Submission {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if subs := out.Submissions(); len(subs) >= n {
			return subs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("output saw %d submissions, want %d", len(out.Submissions()), n)
	return nil
}

// wavChunk builds a self-describing container holding d of silence.
func wavChunk(t *testing.T, f audio.Format, d time.Duration) []byte {
	t.Helper()
	n := int(d.Seconds()*float64(f.SampleRate)) * f.Channels * 2
	payload, err := audio.EncodeContainer(audio.Clip{PCM: make([]byte, n), Format: f})
	if err != nil {
		t.Fatalf("EncodeContainer: %v", err)
	}
	return payload
}

func TestApp_CaptureFrameReachesServiceEncoded(t *testing.T) {
	f := startApp(t, testConfig(), nil)
	waitState(t, f, transport.StateConnected)

	// Emissions before the capture loop has started are silently dropped by
	// the mock, so keep emitting until one arrives at the service.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(f.conn.sentPayloads()) == 0 {
		f.in.EmitSamples([]float64{0.5, -1.0})
		time.Sleep(time.Millisecond)
	}

	sent := f.conn.sentPayloads()
	if len(sent) == 0 {
		t.Fatal("no frame reached the service")
	}
	want := []byte{0x00, 0x40, 0x00, 0x80} // 0.5 -> 16384, -1.0 -> -32768
	if !bytes.Equal(sent[0], want) {
		t.Fatalf("payload = %x, want %x", sent[0], want)
	}
}

func TestApp_InboundAudioPlaysAtCursor(t *testing.T) {
	f := startApp(t, testConfig(), nil)
	waitState(t, f, transport.StateConnected)

	chunkFormat := audio.Format{SampleRate: 24000, Channels: 1}
	f.conn.push(transport.Message{Kind: transport.KindAudio, Audio: wavChunk(t, chunkFormat, 100*time.Millisecond)})

	subs := waitSubmissions(t, f.out, 1)
	if !subs[0].Start.Equal(f.out.Now()) {
		t.Errorf("start = %v, want device now %v", subs[0].Start, f.out.Now())
	}
	if d := subs[0].End.Sub(subs[0].Start); d != 100*time.Millisecond {
		t.Errorf("scheduled duration = %v, want 100ms", d)
	}
}

func TestApp_ControlInterruptionCancelsPlayback(t *testing.T) {
	f := startApp(t, testConfig(), nil)
	waitState(t, f, transport.StateConnected)

	f.conn.push(transport.Message{Kind: transport.KindAudio, Audio: wavChunk(t, outputFormat, 50*time.Millisecond)})
	f.conn.push(transport.Message{Kind: transport.KindAudio, Audio: wavChunk(t, outputFormat, 50*time.Millisecond)})
	subs := waitSubmissions(t, f.out, 2)

	f.conn.push(transport.Message{
		Kind:    transport.KindControl,
		Control: transport.ControlEvent{Type: transport.ControlInterruptionDetected},
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if subs[0].Cancelled() && subs[1].Cancelled() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("submissions not cancelled: %v %v", subs[0].Cancelled(), subs[1].Cancelled())
}

func TestApp_LocalInterruptReturnsCancelledCount(t *testing.T) {
	f := startApp(t, testConfig(), nil)
	waitState(t, f, transport.StateConnected)

	f.conn.push(transport.Message{Kind: transport.KindAudio, Audio: wavChunk(t, outputFormat, 50*time.Millisecond)})
	waitSubmissions(t, f.out, 1)

	n, err := f.app.Interrupt(context.Background())
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if n != 1 {
		t.Fatalf("Interrupt cancelled %d chunks, want 1", n)
	}
}

func TestApp_FramesDroppedDuringOutage(t *testing.T) {
	dialErr := errors.New("refused")
	dial := func(context.Context, string) (transport.Conn, error) { return nil, dialErr }
	f := startApp(t, testConfig(), dial)

	events, cancel := f.bus.Subscribe(16)
	defer cancel()

	deadline := time.After(3 * time.Second)
wait:
	for {
		select {
		case evt := <-events:
			if evt.Type == event.TypeReconnectFailed {
				break wait
			}
		case <-deadline:
			t.Fatal("reconnect_failed never published")
		}
	}
	// Capture keeps running after exhaustion; its frames go nowhere.
	for range 3 {
		f.in.EmitSamples([]float64{0.25})
	}
	time.Sleep(20 * time.Millisecond)
	if got := f.conn.sentPayloads(); len(got) != 0 {
		t.Fatalf("service received %d payloads during outage, want 0", len(got))
	}
}

func TestApp_PublishesMetricsSnapshots(t *testing.T) {
	cfg := testConfig()
	cfg.Status.SnapshotInterval = 5 * time.Millisecond
	f := startApp(t, cfg, nil)

	events, cancel := f.bus.Subscribe(16)
	defer cancel()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type != event.TypeMetricsSnapshot {
				continue
			}
			snap, ok := evt.Data.(app.Snapshot)
			if !ok {
				t.Fatalf("snapshot data type = %T", evt.Data)
			}
			if snap.StateName == "" {
				t.Fatal("snapshot state name is empty")
			}
			return
		case <-deadline:
			t.Fatal("no metrics snapshot published")
		}
	}
}

func TestApp_DisconnectIsTerminal(t *testing.T) {
	f := startApp(t, testConfig(), nil)
	waitState(t, f, transport.StateConnected)

	f.app.Disconnect()
	waitState(t, f, transport.StateDisconnected)

	// No reconnection: state stays down and nothing new reaches the service.
	time.Sleep(20 * time.Millisecond)
	if got := f.app.State(); got != transport.StateDisconnected {
		t.Fatalf("state after disconnect = %v, want disconnected", got)
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	f := startApp(t, testConfig(), nil)
	waitState(t, f, transport.StateConnected)

	f.cancel()
	<-f.done

	if err := f.app.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestNew_RequiresConfigAndDevices(t *testing.T) {
	if _, err := app.New(nil); err == nil {
		t.Error("New(nil) succeeded, want error")
	}
	if _, err := app.New(testConfig()); err == nil {
		t.Error("New without devices succeeded, want error")
	}
	if _, err := app.New(testConfig(), app.WithInput(&mock.Input{})); err == nil {
		t.Error("New without output succeeded, want error")
	}
}
