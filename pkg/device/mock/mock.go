// Package mock provides in-memory implementations of the [device.Input] and
// [device.Output] interfaces for use in unit tests and offline runs.
//
// Both mocks are safe for concurrent use. The output device runs on a manual
// clock: tests control time explicitly via [Output.Advance], which also
// completes submissions whose end time has been reached, so playback
// scheduling can be exercised deterministically without sleeping.
//
// Typical usage:
//
//	out := mock.NewOutput(audio.Format{SampleRate: 48000, Channels: 1})
//	sub, _ := out.Play(clip, out.Now())
//	out.Advance(clip.Duration()) // sub.Done() is now closed
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/dusterbloom/maestrocat/pkg/audio"
	"github.com/dusterbloom/maestrocat/pkg/device"
)

// Compile-time interface assertions.
var (
	_ device.Input  = (*Input)(nil)
	_ device.Output = (*Output)(nil)
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock capture device. Tests push frames with [Input.EmitSamples];
// set StartError before calling Start to simulate an unavailable device.
type Input struct {
	mu sync.Mutex

	// StartError, when non-nil, is returned by Start. Wrap
	// [device.ErrUnavailable] to simulate a missing device or denied
	// permission.
	StartError error

	// Config records the capture configuration passed to the last Start call.
	Config device.CaptureConfig

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	frames  chan audio.Frame
	seq     uint64
	stopped bool
}

// Start implements [device.Input]. The returned channel is buffered so that
// EmitSamples never blocks a test.
func (in *Input) Start(ctx context.Context, cfg device.CaptureConfig) (<-chan audio.Frame, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.CallCountStart++
	in.Config = cfg
	if in.StartError != nil {
		return nil, in.StartError
	}

	in.frames = make(chan audio.Frame, 64)
	in.seq = 0
	in.stopped = false

	ch := in.frames
	context.AfterFunc(ctx, func() { _ = in.Stop() })
	return ch, nil
}

// EmitSamples pushes one frame with the given samples, stamping the capture
// format and the next sequence number. No-op after Stop.
func (in *Input) EmitSamples(samples []float64) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.stopped || in.frames == nil {
		return
	}
	in.frames <- audio.Frame{
		Samples:    samples,
		SampleRate: in.Config.Format.SampleRate,
		Channels:   in.Config.Format.Channels,
		Seq:        in.seq,
	}
	in.seq++
}

// Stop implements [device.Input]. Closes the frame channel; idempotent.
func (in *Input) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.CallCountStop++
	if in.stopped {
		return nil
	}
	in.stopped = true
	if in.frames != nil {
		close(in.frames)
	}
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Submission records a single Play call on the mock [Output]. It implements
// [device.Submission].
type Submission struct {
	// Clip is the buffer that was submitted.
	Clip audio.Clip

	// Start is the absolute start time the scheduler requested.
	Start time.Time

	// End is Start plus the clip's intrinsic duration.
	End time.Time

	mu        sync.Mutex
	done      chan struct{}
	cancelled bool
	completed bool
}

// Cancel implements [device.Submission]. Idempotent; a no-op after natural
// completion.
func (s *Submission) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled || s.completed {
		return
	}
	s.cancelled = true
	close(s.done)
}

// Done implements [device.Submission].
func (s *Submission) Done() <-chan struct{} { return s.done }

// Cancelled reports whether the submission was cancelled before completing.
func (s *Submission) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// complete marks natural end-of-playback. No-op if already cancelled.
func (s *Submission) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled || s.completed {
		return
	}
	s.completed = true
	close(s.done)
}

// Output is a mock playback device on a manual clock.
type Output struct {
	// PlayError, when non-nil, is returned by every Play call.
	PlayError error

	mu     sync.Mutex
	format audio.Format
	now    time.Time
	subs   []*Submission
	closed bool
}

// NewOutput creates a mock output device with the given fixed format.
// The clock starts at an arbitrary non-zero instant.
func NewOutput(format audio.Format) *Output {
	return &Output{
		format: format,
		now:    time.Unix(1700000000, 0),
	}
}

// Now implements [device.Output]. Returns the manual clock's current time.
func (o *Output) Now() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Format implements [device.Output].
func (o *Output) Format() audio.Format { return o.format }

// Play implements [device.Output]. The submission is recorded and completes
// when the manual clock advances past its end time.
func (o *Output) Play(clip audio.Clip, start time.Time) (device.Submission, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.PlayError != nil {
		return nil, o.PlayError
	}

	sub := &Submission{
		Clip:  clip,
		Start: start,
		End:   start.Add(clip.Duration()),
		done:  make(chan struct{}),
	}
	o.subs = append(o.subs, sub)
	return sub, nil
}

// Advance moves the manual clock forward by d and completes every pending
// submission whose end time has been reached.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now = o.now.Add(d)
	now := o.now
	subs := append([]*Submission(nil), o.subs...)
	o.mu.Unlock()

	for _, s := range subs {
		if !s.End.After(now) {
			s.complete()
		}
	}
}

// Submissions returns a snapshot of every Play call made so far, in order.
func (o *Output) Submissions() []*Submission {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Submission(nil), o.subs...)
}

// Close implements [device.Output]. Cancels all pending submissions.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	subs := append([]*Submission(nil), o.subs...)
	o.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	return nil
}
