// Package transcribe defines the client contract for the Talvox live
// transcription service.
//
// A transcription link is a single bidirectional streaming connection: the
// client pushes encoded audio chunks upstream and receives an ordered stream
// of recognition [Event] values back. The central abstraction is [Link]; a
// [Dialer] opens one. Partial results give low-latency feedback while the
// utterance is still in flight, final results are authoritative and form the
// transcript of record.
//
// Implementations must be safe for concurrent use. The event channel is
// goroutine-safe by construction.
package transcribe

import (
	"context"
	"fmt"

	"github.com/talvox/talvox/pkg/types"
)

// Config describes the recognition parameters for a new transcription link.
type Config struct {
	// Language is the BCP-47 language tag for recognition (e.g., "en", "de-DE").
	// An empty string falls back to the dialer's default.
	Language string

	// Model selects the recognition model. An empty string falls back to the
	// dialer's default.
	Model string

	// EnableVAD asks the service to emit speechStart/speechEnd events from its
	// server-side voice activity detection.
	EnableVAD bool

	// InterimResults asks the service to emit partial events while an utterance
	// is still in flight. When false only finals are delivered.
	InterimResults bool

	// PreviousSessionID carries the identifier of an earlier session so the
	// service can resume its adaptation context. Empty starts fresh.
	PreviousSessionID string
}

// EventType discriminates the recognition events a link delivers.
type EventType int

const (
	// EventPartial is a provisional transcript for the in-flight utterance.
	// Each partial supersedes the previous one; none of them are authoritative.
	EventPartial EventType = iota

	// EventFinal is an authoritative transcript for a completed utterance.
	EventFinal

	// EventSpeechStart marks the service detecting the onset of speech.
	EventSpeechStart

	// EventSpeechEnd marks the service detecting the end of speech.
	EventSpeechEnd

	// EventError reports a service-side failure. The link is unusable afterwards.
	EventError

	// EventClosed is the terminal event; no further events follow it.
	EventClosed
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventSpeechStart:
		return "speechStart"
	case EventSpeechEnd:
		return "speechEnd"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is a single recognition event delivered by a [Link].
//
// Which fields are meaningful depends on Type: partial and final events carry
// Text and Range, speechStart/speechEnd carry only Range.Start, and error and
// closed events carry Reason.
type Event struct {
	Type EventType

	// Text is the transcript content for partial and final events.
	Text string

	// Range locates the event on the session audio timeline.
	Range types.TimeRange

	// Reason explains error and closed events, as reported by the service or
	// synthesized by the link ("timeout", "connection lost").
	Reason string
}

// ConnectionState describes the lifecycle of the underlying connection. It is
// owned by the link and is distinct from any higher-level session state built
// on top of it.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateOpen         ConnectionState = "open"
	StateClosing      ConnectionState = "closing"
	StateClosed       ConnectionState = "closed"
)

// Link is an open transcription connection. It is an interface so that test
// code can provide scripted implementations without a live service.
//
// Callers must call Close when the link is no longer needed. Failing to do so
// leaks the receive goroutines and the network connection inside the
// implementation. All methods must be safe for concurrent use.
type Link interface {
	// SessionID returns the service-assigned identifier for this session. It is
	// stable for the lifetime of the link and can be passed as
	// Config.PreviousSessionID on a later link to resume context.
	SessionID() string

	// State reports the current connection state.
	State() ConnectionState

	// Send queues one encoded audio chunk for delivery. It never blocks: when
	// the outbound buffer is full the oldest unsent chunk is dropped to make
	// room and the drop is counted. Calling Send after EndStream or Close
	// returns an error.
	Send(chunk []byte) error

	// Events returns the ordered stream of recognition events. The channel is
	// closed after the terminal closed event has been delivered.
	Events() <-chan Event

	// EndStream performs a graceful shutdown: buffered audio is flushed, the
	// service is told no more audio follows, and the link waits a bounded grace
	// period for remaining finals before giving up. The end of the stream is
	// reported as a closed event; if the service does not finish within the
	// grace period the link synthesizes one with reason "timeout". EndStream is
	// idempotent and returns immediately; callers observe completion on Events.
	EndStream()

	// Close tears the connection down immediately, discarding buffered audio
	// and pending results. Calling Close more than once is safe and returns nil.
	Close() error
}

// Dialer opens transcription links.
//
// Implementations must be safe for concurrent use; every Open call yields an
// independent link.
type Dialer interface {
	// Open establishes a new transcription session. It blocks until the service
	// has acknowledged the session (the returned link carries a valid session
	// ID) or ctx is done. The caller owns the link and must call Close.
	//
	// Failures are classified: bad credentials yield an [*AuthError], an
	// overloaded service yields a [*CapacityError], and anything else yields a
	// [*NetworkError].
	Open(ctx context.Context, cfg Config) (Link, error)
}

// ─────────────────────────────── Errors ───────────────────────────────

// AuthError reports that the service rejected the client's credentials.
// Retrying without new credentials will not succeed.
type AuthError struct {
	// Status is the HTTP status the service answered with (401 or 403).
	Status int

	// Message is an optional service-provided detail.
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transcribe: authentication rejected (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("transcribe: authentication rejected (status %d)", e.Status)
}

// CapacityError reports that the service refused the session because it is
// overloaded. Retrying later may succeed.
type CapacityError struct {
	// Status is the HTTP status the service answered with (429 or 503).
	Status int

	// Message is an optional service-provided detail.
	Message string
}

func (e *CapacityError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transcribe: service over capacity (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("transcribe: service over capacity (status %d)", e.Status)
}

// NetworkError reports a transport-level failure: the service was unreachable,
// the connection dropped, or the protocol was violated.
type NetworkError struct {
	// Op names the operation that failed ("dial", "handshake", "read").
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("transcribe: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
