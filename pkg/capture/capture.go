// Package capture defines the interfaces and types for microphone acquisition.
//
// The two primary abstractions are:
//
//   - [Source] — opens the configured input device and returns a [Stream].
//   - [Stream] — an active capture: encoded audio chunks for the transcription
//     link on one channel, raw amplitude samples for the level meter on another,
//     and an idempotent Close that releases the device.
//
// Implementations are provided by backend-specific packages (capture/ffmpeg
// for real devices, capture/mock for tests). The interfaces are intentionally
// narrow to keep the session controller decoupled from device details.
package capture

import (
	"context"
	"fmt"
	"time"
)

// Config describes an audio capture request.
type Config struct {
	// Device is the backend-specific input device identifier.
	// Empty means the backend's default device.
	Device string

	// SampleRate is the device capture rate in Hz. Zero means the backend
	// default (48000).
	SampleRate int

	// Channels is the device channel count. Zero means the backend default
	// (mono). Multi-channel input is downmixed before encoding.
	Channels int

	// ChunkDuration is the length of each encoded chunk. Zero means the
	// backend default (20ms).
	ChunkDuration time.Duration

	// MeterCadence is how often a raw [Sample] is emitted for metering,
	// independent of chunk production. Zero means the backend default (50ms).
	MeterCadence time.Duration
}

// Chunk is one encoded audio chunk ready for the transcription link.
type Chunk struct {
	// Seq increases by one per chunk, starting at zero, with no gaps on the
	// producer side. Consumers may observe gaps only if they drop.
	Seq uint64

	// Data is the encoded (Opus) audio.
	Data []byte

	// Timestamp is the capture offset of the chunk's first sample, relative
	// to stream start.
	Timestamp time.Duration
}

// Sample is one frame of raw amplitude data for the level meter.
// Samples are best-effort: a slow consumer loses samples, never chunks.
type Sample struct {
	// PCM holds mono int16 amplitude values.
	PCM []int16

	// Timestamp is the capture offset relative to stream start.
	Timestamp time.Duration
}

// Stream is an active microphone capture.
//
// Both channels are closed by Close and when the device fails. After Close
// returns, no further values are delivered on either channel.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Chunks returns the channel of encoded audio chunks. Chunks are
	// produced continuously, in capture order, until the stream closes.
	Chunks() <-chan Chunk

	// Samples returns the channel of raw metering samples, emitted at the
	// configured cadence.
	Samples() <-chan Sample

	// Close releases the device. It is safe to call Close more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// Source is the entry point for an audio capture backend.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open acquires the input device described by cfg and returns an active
	// [Stream]. Open does not return until the device is actually producing
	// audio, so a nil error means capture is live.
	//
	// The device is owned exclusively: a second Open on a device that is
	// already captured by this process fails fast with [ErrKindBusy]. The
	// supplied ctx governs the open attempt only; once producing, the Stream
	// lives until Close.
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// ErrorKind classifies device acquisition failures.
type ErrorKind int

const (
	// ErrKindPermissionDenied: the OS denied access to the device.
	ErrKindPermissionDenied ErrorKind = iota

	// ErrKindNoDevice: the requested device does not exist.
	ErrKindNoDevice

	// ErrKindBusy: the device is exclusively held by another capture.
	ErrKindBusy
)

// String returns the human-readable name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindPermissionDenied:
		return "permission denied"
	case ErrKindNoDevice:
		return "no such device"
	case ErrKindBusy:
		return "device busy"
	default:
		return "unknown"
	}
}

// DeviceError is returned by [Source.Open] when the device cannot be
// acquired. It is always fatal to the attempted session: no audio was
// captured.
type DeviceError struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Device is the device identifier from the Config.
	Device string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("capture: device %q: %s", e.Device, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error { return e.Err }
