// Package mock provides test doubles for the transcribe package interfaces.
//
// Use Dialer to verify that the caller opens links with the expected Config.
// Use Link to feed scripted recognition events and inspect which audio chunks
// were sent.
//
// Example:
//
//	link := mock.NewLink("sess-1")
//	d := &mock.Dialer{Link: link}
//	l, _ := d.Open(ctx, cfg)
//	link.Emit(transcribe.Event{Type: transcribe.EventFinal, Text: "hello"})
package mock

import (
	"context"
	"sync"

	"github.com/talvox/talvox/pkg/transcribe"
)

// OpenCall records a single invocation of Dialer.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg transcribe.Config
}

// Dialer is a mock implementation of transcribe.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Link is the Link returned by Open. If nil, Open returns a new default
	// Link with a buffered event channel.
	Link transcribe.Link

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenGate, if non-nil, blocks Open until the gate is closed or the given
	// context is done. Tests use it to hold a session in its connecting phase.
	OpenGate chan struct{}

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

// Open records the call, waits on OpenGate if set, and returns Link, OpenErr.
func (d *Dialer) Open(ctx context.Context, cfg transcribe.Config) (transcribe.Link, error) {
	d.mu.Lock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	gate := d.OpenGate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Link != nil {
		return d.Link, nil
	}
	return NewLink("mock-session"), nil
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (d *Dialer) OpenCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// Ensure Dialer implements transcribe.Dialer at compile time.
var _ transcribe.Dialer = (*Dialer)(nil)

// SendCall records a single invocation of Link.Send.
type SendCall struct {
	// Chunk is a copy of the audio bytes that were passed to Send.
	Chunk []byte
}

// Link is a mock implementation of transcribe.Link.
// Tests feed events with Emit and close the stream with CloseEvents; the
// EndStreamed channel lets a test goroutine react once the consumer asks for
// a graceful shutdown.
type Link struct {
	mu sync.Mutex

	// ID is the value returned by SessionID.
	ID string

	// EventsCh is the channel returned by Events. NewLink creates it buffered;
	// tests own it and must close it (via CloseEvents) to end the stream.
	EventsCh chan transcribe.Event

	// ConnState is the value returned by State.
	ConnState transcribe.ConnectionState

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// DroppedCount is the value returned by Dropped.
	DroppedCount uint64

	// EndStreamed is closed the first time EndStream is called.
	EndStreamed chan struct{}

	// --- Call records ---

	// SendCalls records every call to Send in order.
	SendCalls []SendCall

	// EndStreamCallCount is the number of times EndStream was called.
	EndStreamCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	endOnce    sync.Once
	eventsOnce sync.Once
}

// NewLink returns a Link with a buffered event channel and state open.
func NewLink(sessionID string) *Link {
	return &Link{
		ID:          sessionID,
		EventsCh:    make(chan transcribe.Event, 16),
		ConnState:   transcribe.StateOpen,
		EndStreamed: make(chan struct{}),
	}
}

// SessionID returns ID.
func (l *Link) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ID
}

// State returns ConnState.
func (l *Link) State() transcribe.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ConnState
}

// SetState updates the value returned by State. Thread-safe.
func (l *Link) SetState(s transcribe.ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ConnState = s
}

// Send records the call and returns SendErr.
func (l *Link) Send(chunk []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	l.SendCalls = append(l.SendCalls, SendCall{Chunk: cp})
	return l.SendErr
}

// SendCallCount returns the number of Send calls. Thread-safe.
func (l *Link) SendCallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.SendCalls)
}

// Events returns EventsCh.
func (l *Link) Events() <-chan transcribe.Event {
	return l.EventsCh
}

// EndStream records the call and closes the EndStreamed channel.
func (l *Link) EndStream() {
	l.mu.Lock()
	l.EndStreamCallCount++
	l.mu.Unlock()
	l.endOnce.Do(func() { close(l.EndStreamed) })
}

// Close records the call and returns CloseErr.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CloseCallCount++
	return l.CloseErr
}

// Dropped returns DroppedCount.
func (l *Link) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.DroppedCount
}

// Emit sends an event on EventsCh. It reports false if the channel is full.
func (l *Link) Emit(ev transcribe.Event) bool {
	select {
	case l.EventsCh <- ev:
		return true
	default:
		return false
	}
}

// CloseEvents closes EventsCh. Safe to call more than once.
func (l *Link) CloseEvents() {
	l.eventsOnce.Do(func() { close(l.EventsCh) })
}

// Ensure Link implements transcribe.Link at compile time.
var _ transcribe.Link = (*Link)(nil)
