package playback_test

import (
	"context"
	"testing"
	"time"

	"github.com/dusterbloom/maestrocat/internal/event"
	"github.com/dusterbloom/maestrocat/internal/observe"
	"github.com/dusterbloom/maestrocat/internal/playback"
	"github.com/dusterbloom/maestrocat/pkg/audio"
	"github.com/dusterbloom/maestrocat/pkg/device/mock"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
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

// wavChunk builds a self-describing container holding d of silence in the
// given format.
func wavChunk(t *testing.T, f audio.Format, d time.Duration) []byte {
	t.Helper()
	n := int(d.Seconds()*float64(f.SampleRate)) * f.Channels * 2
	payload, err := audio.EncodeContainer(audio.Clip{PCM: make([]byte, n), Format: f})
	if err != nil {
		t.Fatalf("EncodeContainer: %v", err)
	}
	return payload
}

// startScheduler runs a scheduler against a fresh mock output and stops it
// with the test.
func startScheduler(t *testing.T, bus *event.Bus) (*playback.Scheduler, *mock.Output) {
	t.Helper()
	out := mock.NewOutput(outputFormat)
	sched := playback.NewScheduler(playback.SchedulerConfig{
		Output:  out,
		Bus:     bus,
		Metrics: testMetrics(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sched, out
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

// waitPending polls until the scheduler's pending count reaches n.
func waitPending(t *testing.T, sched *playback.Scheduler, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sched.Pending() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending = %d, want %d", sched.Pending(), n)
}

// ── Gapless sequencing ────────────────────────────────────────────────────────

// Chunks arriving faster than real time must queue strictly sequentially:
// start(i+1) == start(i) + duration(i), with no overlap.
func TestScheduler_BackToBackChunksAreGapless(t *testing.T) {
	t.Parallel()

	sched, out := startScheduler(t, nil)
	ctx := context.Background()

	durations := []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 40 * time.Millisecond}
	for _, d := range durations {
		if err := sched.Enqueue(ctx, wavChunk(t, outputFormat, d)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	subs := waitSubmissions(t, out, 3)
	if !subs[0].Start.Equal(out.Now()) {
		t.Fatalf("first chunk starts at %v, want device now %v", subs[0].Start, out.Now())
	}
	for i := 1; i < len(subs); i++ {
		if !subs[i].Start.Equal(subs[i-1].End) {
			t.Fatalf("chunk %d starts at %v, want %v (end of chunk %d)",
				i, subs[i].Start, subs[i-1].End, i-1)
		}
	}
}

// A chunk arriving after playback has drained starts at device now, leaving a
// forward gap. Jitter may only produce silence, never overlap.
func TestScheduler_LateChunkLeavesForwardGap(t *testing.T) {
	t.Parallel()

	sched, out := startScheduler(t, nil)
	ctx := context.Background()

	if err := sched.Enqueue(ctx, wavChunk(t, outputFormat, 100*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	first := waitSubmissions(t, out, 1)[0]

	// Drain: move the device clock well past the first chunk's end.
	out.Advance(400 * time.Millisecond)
	waitPending(t, sched, 0)

	if err := sched.Enqueue(ctx, wavChunk(t, outputFormat, 100*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second := waitSubmissions(t, out, 2)[1]

	if !second.Start.Equal(out.Now()) {
		t.Fatalf("late chunk starts at %v, want device now %v", second.Start, out.Now())
	}
	if second.Start.Before(first.End) {
		t.Fatalf("late chunk overlaps: starts %v before previous end %v", second.Start, first.End)
	}
}

// Chunks keep their own format's duration on the schedule even when the
// device plays a different format.
func TestScheduler_DurationFollowsChunkFormatNotDevice(t *testing.T) {
	t.Parallel()

	sched, out := startScheduler(t, nil)
	ctx := context.Background()

	// 24kHz mono chunk on a 48kHz device: 2400 samples = 100ms.
	chunkFormat := audio.Format{SampleRate: 24000, Channels: 1}
	if err := sched.Enqueue(ctx, wavChunk(t, chunkFormat, 100*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sub := waitSubmissions(t, out, 1)[0]
	if got := sub.End.Sub(sub.Start); got != 100*time.Millisecond {
		t.Fatalf("scheduled duration = %v, want 100ms", got)
	}
	if sub.Clip.Format != outputFormat {
		t.Fatalf("submitted clip format = %+v, want device format %+v", sub.Clip.Format, outputFormat)
	}
}

// ── Decode failure isolation ──────────────────────────────────────────────────

// A malformed chunk is dropped without moving the cursor; the chunks around
// it still play back to back.
func TestScheduler_DecodeFailureDropsChunkOnly(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	defer bus.Close()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sched, out := startScheduler(t, bus)
	ctx := context.Background()

	if err := sched.Enqueue(ctx, wavChunk(t, outputFormat, 100*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := sched.Enqueue(ctx, []byte("definitely not a container")); err != nil {
		t.Fatalf("Enqueue garbage: %v", err)
	}
	if err := sched.Enqueue(ctx, wavChunk(t, outputFormat, 100*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	subs := waitSubmissions(t, out, 2)
	if len(out.Submissions()) != 2 {
		t.Fatalf("output saw %d submissions, want 2 (garbage dropped)", len(out.Submissions()))
	}
	if !subs[1].Start.Equal(subs[0].End) {
		t.Fatalf("chunk after garbage starts at %v, want %v (cursor untouched by drop)",
			subs[1].Start, subs[0].End)
	}

	sawDecodeError := false
	deadline := time.After(3 * time.Second)
	for !sawDecodeError {
		select {
		case evt := <-events:
			if evt.Type == event.TypeDecodeError {
				sawDecodeError = true
			}
		case <-deadline:
			t.Fatal("no decode_error event published")
		}
	}
}

// ── Completion tracking ───────────────────────────────────────────────────────

func TestScheduler_NaturalCompletionDeregisters(t *testing.T) {
	t.Parallel()

	sched, out := startScheduler(t, nil)
	ctx := context.Background()

	if err := sched.Enqueue(ctx, wavChunk(t, outputFormat, 100*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitSubmissions(t, out, 1)
	waitPending(t, sched, 1)

	out.Advance(150 * time.Millisecond)
	waitPending(t, sched, 0)

	// Nothing left to cancel.
	n, err := sched.Interrupt(ctx, playback.SourceLocal)
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if n != 0 {
		t.Fatalf("Interrupt cancelled %d chunks after natural completion, want 0", n)
	}
}

// ── Interruption ──────────────────────────────────────────────────────────────

// An interrupt cancels pending and playing chunks alike, empties the pending
// set, and resets the cursor to now; a second interrupt is a no-op.
func TestScheduler_InterruptCancelsAndResets(t *testing.T) {
	t.Parallel()

	sched, out := startScheduler(t, nil)
	ctx := context.Background()

	for range 3 {
		if err := sched.Enqueue(ctx, wavChunk(t, outputFormat, 100*time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitSubmissions(t, out, 3)
	waitPending(t, sched, 3)

	n, err := sched.Interrupt(ctx, playback.SourceLocal)
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if n != 3 {
		t.Fatalf("Interrupt cancelled %d chunks, want 3", n)
	}
	for i, sub := range out.Submissions() {
		if !sub.Cancelled() {
			t.Fatalf("submission %d not cancelled after interrupt", i)
		}
	}
	if got := sched.Pending(); got != 0 {
		t.Fatalf("pending = %d after interrupt, want 0", got)
	}

	// Idempotence: the second call changes nothing.
	n, err = sched.Interrupt(ctx, playback.SourceLocal)
	if err != nil {
		t.Fatalf("second Interrupt: %v", err)
	}
	if n != 0 {
		t.Fatalf("second Interrupt cancelled %d chunks, want 0", n)
	}

	// The next chunk schedules from the reset cursor, not the stale one.
	if err := sched.Enqueue(ctx, wavChunk(t, outputFormat, 100*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	subs := waitSubmissions(t, out, 4)
	if !subs[3].Start.Equal(out.Now()) {
		t.Fatalf("post-interrupt chunk starts at %v, want device now %v", subs[3].Start, out.Now())
	}
}

// Interrupts win over audio already queued: everything enqueued before the
// interrupt is either cancelled on the device or never submitted at all.
func TestScheduler_InterruptBeatsQueuedAudio(t *testing.T) {
	t.Parallel()

	sched, out := startScheduler(t, nil)
	ctx := context.Background()

	for range 5 {
		if err := sched.Enqueue(ctx, wavChunk(t, outputFormat, 100*time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if _, err := sched.Interrupt(ctx, playback.SourceControl); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	if got := sched.Pending(); got != 0 {
		t.Fatalf("pending = %d after interrupt, want 0", got)
	}
	for i, sub := range out.Submissions() {
		if !sub.Cancelled() {
			t.Fatalf("pre-interrupt submission %d survived the interrupt", i)
		}
	}

	// No stale chunk may surface later: the device sees no new submissions
	// without a new enqueue.
	before := len(out.Submissions())
	time.Sleep(20 * time.Millisecond)
	if after := len(out.Submissions()); after != before {
		t.Fatalf("stale chunks scheduled after interrupt: %d -> %d", before, after)
	}
}

// Interruption events carry the cancelled count on the bus.
func TestScheduler_InterruptPublishesEvent(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	defer bus.Close()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sched, out := startScheduler(t, bus)
	ctx := context.Background()

	if err := sched.Enqueue(ctx, wavChunk(t, outputFormat, 100*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitSubmissions(t, out, 1)

	if _, err := sched.Interrupt(ctx, playback.SourceLocal); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == event.TypeInterruption {
				if got := evt.Data.(int); got != 1 {
					t.Fatalf("interruption event count = %d, want 1", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("no interruption event published")
		}
	}
}
