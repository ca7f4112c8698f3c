// Package mock provides test doubles for the capture package interfaces.
//
// Use Source to verify that the caller opens capture with the expected
// Config. Use Stream to feed controlled chunks and samples and to inspect
// close behaviour.
//
// Example:
//
//	st := mock.NewStream()
//	src := &mock.Source{OpenResult: st}
//	stream, _ := src.Open(ctx, cfg)
//	st.EmitChunk(capture.Chunk{Seq: 0, Data: []byte{0x01}})
package mock

import (
	"context"
	"sync"

	"github.com/talvox/talvox/pkg/capture"
)

// OpenCall records a single invocation of Source.Open.
type OpenCall struct {
	// Cfg is the Config passed to Open.
	Cfg capture.Config
}

// Source is a mock implementation of capture.Source.
type Source struct {
	mu sync.Mutex

	// OpenResult is the Stream returned by Open. If nil, Open returns a new
	// Stream from NewStream.
	OpenResult capture.Stream

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenGate, if non-nil, makes Open block until the channel is closed or
	// ctx is cancelled (in which case ctx.Err() is returned). Use it to test
	// stop-while-connecting behaviour.
	OpenGate chan struct{}

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

// Open records the call and returns OpenResult / OpenErr, honouring OpenGate.
func (s *Source) Open(ctx context.Context, cfg capture.Config) (capture.Stream, error) {
	s.mu.Lock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Cfg: cfg})
	gate := s.OpenGate
	result := s.OpenResult
	err := s.OpenErr
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return NewStream(), nil
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (s *Source) OpenCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// Ensure Source implements capture.Source at compile time.
var _ capture.Source = (*Source)(nil)

// Stream is a mock implementation of capture.Stream.
// Tests feed it via EmitChunk and EmitSample; Close closes both channels
// exactly once so consumers observe end-of-stream.
type Stream struct {
	mu sync.Mutex

	// ChunksCh is the channel returned by Chunks.
	ChunksCh chan capture.Chunk

	// SamplesCh is the channel returned by Samples.
	SamplesCh chan capture.Sample

	// CloseErr, if non-nil, is returned by the first Close call.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

// NewStream returns a Stream with buffered channels ready for use.
func NewStream() *Stream {
	return &Stream{
		ChunksCh:  make(chan capture.Chunk, 64),
		SamplesCh: make(chan capture.Sample, 64),
	}
}

// Chunks implements capture.Stream.
func (s *Stream) Chunks() <-chan capture.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ChunksCh
}

// Samples implements capture.Stream.
func (s *Stream) Samples() <-chan capture.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SamplesCh
}

// Close records the call. The first call closes both channels and returns
// CloseErr; subsequent calls are no-ops returning nil.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ChunksCh)
	close(s.SamplesCh)
	return s.CloseErr
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// EmitChunk delivers a chunk to the consumer. Returns false if the stream is
// closed or the channel buffer is full.
func (s *Stream) EmitChunk(c capture.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ChunksCh <- c:
		return true
	default:
		return false
	}
}

// EmitSample delivers a metering sample to the consumer. Returns false if the
// stream is closed or the channel buffer is full.
func (s *Stream) EmitSample(sm capture.Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.SamplesCh <- sm:
		return true
	default:
		return false
	}
}

// Ensure Stream implements capture.Stream at compile time.
var _ capture.Stream = (*Stream)(nil)
