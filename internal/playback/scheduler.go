// Package playback turns the inbound stream of audio containers into gapless
// output on the playback device.
//
// The [Scheduler] owns the two pieces of mutable playback state, the schedule
// cursor and the pending-chunk set, from a single goroutine. Inbound chunks,
// interrupt requests, and completion notifications arrive on separate
// channels; nothing outside the loop touches the state, so there are no locks
// around it. Interrupts always win over queued audio: the loop drains the
// interrupt channel before applying any chunk it has dequeued.
//
// The [Coordinator] layers the interruption triggers on top: local action,
// the service's interruption control event, and transport reconnection (a
// schedule computed before a disconnect is stale and gets the same reset).
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dusterbloom/maestrocat/internal/event"
	"github.com/dusterbloom/maestrocat/internal/observe"
	"github.com/dusterbloom/maestrocat/pkg/audio"
	"github.com/dusterbloom/maestrocat/pkg/device"
)

// chunk is one scheduled playback buffer, tracked until it leaves the device.
type chunk struct {
	id    uuid.UUID
	start time.Time
	end   time.Time
	sub   device.Submission
}

// interruptRequest asks the loop to cancel all pending chunks and reset the
// cursor. The reply channel receives the number of chunks cancelled.
type interruptRequest struct {
	source string
	reply  chan int
}

// SchedulerConfig configures a [Scheduler].
type SchedulerConfig struct {
	// Output is the playback device. Required; its clock drives all
	// scheduling decisions.
	Output device.Output

	// Bus receives decode_error, interruption, and scheduling_violation
	// events. May be nil.
	Bus *event.Bus

	// Metrics records playback instruments. Defaults to
	// [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default] if nil.
	Logger *slog.Logger
}

// Scheduler schedules decoded audio chunks on the output device so that
// playback is free of overlap and of backward scheduling: each chunk starts
// at max(device now, cursor) and advances the cursor by its own duration.
// Jitter can only widen gaps, never overlap audio.
type Scheduler struct {
	out     device.Output
	conv    *audio.FormatConverter
	bus     *event.Bus
	metrics *observe.Metrics
	logger  *slog.Logger

	audioCh     chan []byte
	interruptCh chan interruptRequest
	doneCh      chan uuid.UUID

	// pendingCount mirrors len(pending) for lock-free status reads.
	pendingCount atomic.Int64

	// Loop-owned state. Only the Run goroutine reads or writes these.
	cursor  time.Time
	pending map[uuid.UUID]*chunk
}

// NewScheduler creates a scheduler for the given output device. Call
// [Scheduler.Run] to start it.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		out:         cfg.Output,
		conv:        &audio.FormatConverter{Target: cfg.Output.Format()},
		bus:         cfg.Bus,
		metrics:     metrics,
		logger:      logger,
		audioCh:     make(chan []byte, 16),
		interruptCh: make(chan interruptRequest),
		doneCh:      make(chan uuid.UUID, 64),
		pending:     make(map[uuid.UUID]*chunk),
	}
}

// Enqueue hands one inbound audio container to the scheduling loop. It blocks
// only while the loop's queue is full.
func (s *Scheduler) Enqueue(ctx context.Context, payload []byte) error {
	select {
	case s.audioCh <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt cancels every pending or playing chunk, clears the pending set,
// and resets the cursor to the device's current time. It returns the number
// of chunks cancelled once the loop has applied the reset, so a second
// consecutive call returns 0 and changes nothing.
//
// source labels the trigger for metrics and logs: "local", "control", or
// "reconnect".
func (s *Scheduler) Interrupt(ctx context.Context, source string) (int, error) {
	req := interruptRequest{source: source, reply: make(chan int, 1)}
	select {
	case s.interruptCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-req.reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run executes the scheduling loop until ctx is cancelled. All pending
// submissions are cancelled on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cursor = s.out.Now()
	defer s.cancelAll()

	for {
		// Interrupts take priority over queued audio.
		select {
		case req := <-s.interruptCh:
			s.applyInterrupt(ctx, req)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case req := <-s.interruptCh:
			s.applyInterrupt(ctx, req)
		case id := <-s.doneCh:
			s.complete(ctx, id)
		case payload := <-s.audioCh:
			// A chunk that was in flight when an interrupt fired belongs to
			// the cancelled utterance: apply the interrupt and drop it.
			select {
			case req := <-s.interruptCh:
				s.applyInterrupt(ctx, req)
				continue
			default:
			}
			s.schedule(ctx, payload)
		}
	}
}

// schedule decodes one container and submits it to the output device.
// A chunk that cannot be decoded or submitted is dropped without touching
// the cursor; it never blocks subsequent chunks.
func (s *Scheduler) schedule(ctx context.Context, payload []byte) {
	decodeStart := time.Now()
	clip, err := audio.DecodeContainer(payload)
	if err != nil {
		s.logger.Warn("dropping undecodable chunk",
			"size", len(payload),
			"error", err,
		)
		s.metrics.DecodeErrors.Add(ctx, 1)
		if s.bus != nil {
			s.bus.Publish(event.Event{Type: event.TypeDecodeError, Data: err})
		}
		return
	}
	s.metrics.DecodeDuration.Record(ctx, time.Since(decodeStart).Seconds())

	// Duration comes from the chunk's own format; conversion to the device
	// format never changes it.
	d := clip.Duration()
	clip = s.conv.Convert(clip)

	now := s.out.Now()
	start := s.cursor
	if now.After(start) {
		s.metrics.ScheduleGap.Record(ctx, now.Sub(start).Seconds())
		start = now
	}
	if start.Before(s.cursor) {
		// max(now, cursor) cannot go backwards; reaching this means the
		// device clock misbehaved.
		s.violation(ctx, fmt.Sprintf("computed start %v behind cursor %v", start, s.cursor))
		return
	}

	sub, err := s.out.Play(clip, start)
	if err != nil {
		s.logger.Warn("output device rejected chunk",
			"start", start,
			"duration", d,
			"error", err,
		)
		return
	}

	c := &chunk{id: uuid.New(), start: start, end: start.Add(d), sub: sub}
	s.cursor = c.end
	s.pending[c.id] = c
	s.pendingCount.Store(int64(len(s.pending)))
	s.metrics.ChunksScheduled.Add(ctx, 1)
	s.metrics.PendingChunks.Add(ctx, 1)

	// Route natural completion back into the loop.
	go func() {
		select {
		case <-sub.Done():
		case <-ctx.Done():
			return
		}
		select {
		case s.doneCh <- c.id:
		case <-ctx.Done():
		}
	}()
}

// complete deregisters a chunk that left the device. Chunks already removed
// by an interrupt are ignored.
func (s *Scheduler) complete(ctx context.Context, id uuid.UUID) {
	if _, ok := s.pending[id]; !ok {
		return
	}
	delete(s.pending, id)
	s.pendingCount.Store(int64(len(s.pending)))
	s.metrics.PendingChunks.Add(ctx, -1)
}

// applyInterrupt cancels everything pending, drops queued audio that predates
// the interrupt, and resets the cursor to now.
func (s *Scheduler) applyInterrupt(ctx context.Context, req interruptRequest) {
	n := len(s.pending)
	for id, c := range s.pending {
		c.sub.Cancel()
		delete(s.pending, id)
	}

	// Audio still queued at this point was produced before the interrupt
	// and belongs to the cancelled utterance.
	dropped := 0
	for draining := true; draining; {
		select {
		case <-s.audioCh:
			dropped++
		default:
			draining = false
		}
	}
	if dropped > 0 {
		s.logger.Debug("dropped queued audio on interrupt", "chunks", dropped)
	}
	s.cursor = s.out.Now()
	s.pendingCount.Store(0)

	if n > 0 {
		s.metrics.ChunksCancelled.Add(ctx, int64(n))
		s.metrics.PendingChunks.Add(ctx, int64(-n))
	}
	s.metrics.RecordInterrupt(ctx, req.source)
	s.logger.Info("playback reset",
		"source", req.source,
		"cancelled", n,
	)
	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.TypeInterruption, Data: n})
	}
	req.reply <- n
}

// violation reports a scheduling invariant breach and drops the chunk.
func (s *Scheduler) violation(ctx context.Context, desc string) {
	s.logger.Error("scheduling violation", "detail", desc)
	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.TypeSchedulingViolation, Data: desc})
	}
}

// cancelAll tears down all pending submissions on loop exit.
func (s *Scheduler) cancelAll() {
	for id, c := range s.pending {
		c.sub.Cancel()
		delete(s.pending, id)
	}
	s.pendingCount.Store(0)
}

// Pending reports how many chunks are scheduled but unfinished. Intended for
// status snapshots; the value is stale the moment it is read.
func (s *Scheduler) Pending() int {
	return int(s.pendingCount.Load())
}
