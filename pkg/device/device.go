// Package device defines the audio device abstractions for the MaestroCat
// duplex audio path.
//
// The two primary abstractions are:
//
//   - [Input] — a capture device producing a continuous stream of
//     fixed-size [audio.Frame] values at a fixed cadence.
//   - [Output] — a playback device that exposes a monotonic clock and
//     accepts PCM buffers with an explicit absolute start time.
//
// Implementations wrap a platform's native low-latency audio facility
// (CoreAudio, ALSA, WASAPI, PortAudio bindings, …). The interfaces are
// intentionally narrow so the playback scheduler stays decoupled from any
// particular audio backend. The mock subpackage provides in-memory
// implementations for tests and offline runs.
//
// This package lives under pkg/ because external device adapters are
// expected to implement [Input] and [Output].
package device

import (
	"context"
	"errors"
	"time"

	"github.com/dusterbloom/maestrocat/pkg/audio"
)

// ErrUnavailable is returned by [Input.Start] when no capture device exists
// or access to it was denied. It is fatal to the capture session; the caller
// decides whether to surface it or retry with a different configuration.
var ErrUnavailable = errors.New("audio device unavailable")

// CaptureConfig describes the capture session requested from an [Input].
type CaptureConfig struct {
	// Format is the requested capture format (sample rate and channels).
	Format audio.Format

	// BufferSize is the number of samples per emitted frame. One frame is
	// emitted per buffer interval; a capture callback that overruns its
	// interval drops frames rather than queueing them.
	BufferSize int

	// EchoCancellation requests the device capability of the same name.
	// Opaque to this core: devices that cannot honour it capture anyway.
	EchoCancellation bool

	// NoiseSuppression requests the device capability of the same name.
	// Opaque to this core, like EchoCancellation.
	NoiseSuppression bool
}

// Input is a capture device.
//
// Implementations must be safe for concurrent use.
type Input interface {
	// Start acquires the device and begins emitting frames on the returned
	// channel, one per buffer interval. The channel is closed by Stop or when
	// ctx is cancelled; no frames are emitted afterwards. Frame sequence
	// numbers start at zero for every capture session.
	//
	// Returns an error wrapping [ErrUnavailable] if the device cannot be
	// acquired.
	Start(ctx context.Context, cfg CaptureConfig) (<-chan audio.Frame, error)

	// Stop releases the device and closes the frame channel. Safe to call
	// more than once; subsequent calls are no-ops and return nil.
	Stop() error
}

// Submission is a single buffer handed to an [Output] for playback at an
// absolute start time.
type Submission interface {
	// Cancel stops the submission immediately, whether it is still pending
	// or already playing. Cancelling a submission that has finished naturally
	// is a silent no-op, never an error. Idempotent.
	Cancel()

	// Done returns a channel closed when the submission leaves the device,
	// either by playing to completion or by cancellation.
	Done() <-chan struct{}
}

// Output is a playback device with its own scheduling clock.
//
// The device is a singleton resource: exactly one component (the playback
// scheduler) may submit to it. Implementations must be safe for concurrent
// use regardless.
type Output interface {
	// Now returns the current time on the device's monotonic clock. All
	// start times passed to Play must come from this clock.
	Now() time.Time

	// Format returns the fixed format the device plays. Callers convert
	// buffers to this format before submitting.
	Format() audio.Format

	// Play schedules clip to begin at the absolute time start and play for
	// its full duration. start must not be in the past; the device may
	// reject late submissions.
	Play(clip audio.Clip, start time.Time) (Submission, error)

	// Close releases the device. Pending submissions are cancelled.
	Close() error
}
