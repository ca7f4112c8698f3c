// Package session implements the live transcription session lifecycle.
//
// A [Controller] drives one session at a time through its states: it acquires
// the microphone, dials the transcription service, pumps encoded audio out and
// recognition events in, and tears everything down on stop or failure. Callers
// observe progress exclusively through [Controller.Snapshot], which is cheap
// enough to poll on a frame timer.
//
// The controller owns the concurrency: one goroutine runs the whole session
// from acquisition to teardown, and every shared field is guarded by a single
// mutex. The capture stream and the link are never touched from outside that
// goroutine once the session is running.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/talvox/talvox/internal/observe"
	"github.com/talvox/talvox/internal/transcript"
	"github.com/talvox/talvox/pkg/audio"
	"github.com/talvox/talvox/pkg/capture"
	"github.com/talvox/talvox/pkg/transcribe"
	"github.com/talvox/talvox/pkg/types"
)

// Snapshot is a point-in-time view of a session, safe to retain after the
// call that produced it. The Segments slice is replaced wholesale on every
// update and its elements are immutable, so holders never observe mutation.
type Snapshot struct {
	// State is the lifecycle state at the time of the snapshot.
	State State

	// SessionID is the service-assigned session identifier. Empty until the
	// handshake completes.
	SessionID string

	// PreviousSessionID is the resumed session's identifier, if the session
	// was started with one.
	PreviousSessionID string

	// Segments holds the committed transcript in commit order.
	Segments []types.Segment

	// PartialText is the current in-flight hypothesis, empty when the
	// service has nothing pending.
	PartialText string

	// IsSpeaking reports whether speech is currently detected: by the
	// service when VAD events are enabled, by the local level meter
	// otherwise.
	IsSpeaking bool

	// AudioLevel is the smoothed microphone loudness in 0..1.
	AudioLevel float64

	// Duration is how long the session has spent recording. It grows while
	// recording and freezes when the session leaves that state.
	Duration time.Duration

	// WordCount counts words across committed segments plus the partial.
	WordCount int

	// StartedAt is when recording began. Zero until then.
	StartedAt time.Time

	// Err is the failure that ended the session, nil unless State is
	// [StateError].
	Err error
}

// StartOptions carries per-session parameters for [Controller.Start].
type StartOptions struct {
	// PreviousSessionID resumes server-side context from an earlier session.
	// Empty starts fresh.
	PreviousSessionID string
}

// Config assembles a [Controller]. Source and Dialer are required; the rest
// have usable zero values.
type Config struct {
	// Source opens the microphone.
	Source capture.Source

	// Dialer opens the transcription link.
	Dialer transcribe.Dialer

	// Capture configures the microphone. Zero values use backend defaults.
	Capture capture.Config

	// Link configures the transcription stream. PreviousSessionID is
	// overridden per session from [StartOptions].
	Link transcribe.Config

	// Metrics receives session instrumentation. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnFinished, if set, is called with the final snapshot of every session
	// that reached recording, whether it completed or failed. It is called
	// from the session goroutine before Done is signalled; implementations
	// should be quick. Sessions that never recorded are not reported.
	OnFinished func(Snapshot)
}

// Controller drives transcription sessions one at a time.
//
// Start, Stop, Done and Snapshot are safe for concurrent use.
type Controller struct {
	source     capture.Source
	dialer     transcribe.Dialer
	captureCfg capture.Config
	linkCfg    transcribe.Config
	metrics    *observe.Metrics
	onFinished func(Snapshot)

	mu   sync.Mutex
	snap Snapshot

	// Recording time is accumulated across the recording state only:
	// durAnchor is set on entry, folded into durAccum on exit. Snapshot
	// reads compute the live value without stopping the clock.
	durAccum  time.Duration
	durAnchor time.Time

	cur *runSession
}

// runSession is the per-run signalling state. A fresh one is created by every
// Start so that a stale Stop can never leak into the next session.
type runSession struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (r *runSession) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// New creates a Controller from cfg.
func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, errors.New("session: capture source is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("session: link dialer is required")
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Controller{
		source:     cfg.Source,
		dialer:     cfg.Dialer,
		captureCfg: cfg.Capture,
		linkCfg:    cfg.Link,
		metrics:    m,
		onFinished: cfg.OnFinished,
		snap:       Snapshot{State: StateIdle},
	}, nil
}

// Start begins a new session and returns once the state has moved to
// connecting. Acquisition and recording proceed asynchronously; watch
// [Controller.Snapshot] or [Controller.Done] for progress.
//
// Start fails if a session is already active. It may be called again after a
// session ends, from idle, completed or error alike.
//
// Cancelling ctx acts like [Controller.Stop]: it aborts the opens while
// connecting and triggers a graceful stop while recording.
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.snap.State.CanStart() {
		return fmt.Errorf("session: cannot start while %s", c.snap.State)
	}
	sess := &runSession{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.cur = sess
	c.snap = Snapshot{
		State:             StateConnecting,
		PreviousSessionID: opts.PreviousSessionID,
	}
	c.durAccum = 0
	c.durAnchor = time.Time{}
	go c.run(ctx, sess, opts)
	return nil
}

// Stop requests the end of the current session and returns immediately.
// While connecting it aborts the opens and returns the controller to idle;
// while recording it triggers the graceful end-of-stream handshake. Stop is
// idempotent and a no-op when no session is active.
func (c *Controller) Stop() {
	c.mu.Lock()
	sess := c.cur
	c.mu.Unlock()
	if sess != nil {
		sess.requestStop()
	}
}

// closedDone is returned by Done before the first Start.
var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done returns a channel closed when the current session has fully ended:
// resources released, final snapshot published, OnFinished returned. Before
// the first Start it returns an already-closed channel.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return closedDone
	}
	return c.cur.done
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.snap
	s.Duration = c.durAccum
	if !c.durAnchor.IsZero() {
		s.Duration += time.Since(c.durAnchor)
	}
	return s
}

// run executes one session from acquisition to teardown.
func (c *Controller) run(ctx context.Context, sess *runSession, opts StartOptions) {
	defer close(sess.done)

	runCtx, span := observe.StartSpan(ctx, "session.run")
	defer span.End()
	log := observe.Logger(runCtx)

	connectStart := time.Now()

	// A stop request must abort in-flight opens rather than wait for them.
	acqCtx, cancelAcq := context.WithCancel(runCtx)
	defer cancelAcq()
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-sess.stop:
			cancelAcq()
		case <-watchDone:
		}
	}()

	stream, link, err := c.acquire(acqCtx, opts)
	close(watchDone)
	if err != nil {
		if acqCtx.Err() != nil {
			// Stop or parent cancellation interrupted the opens. Nothing
			// was recorded, so the session never existed.
			c.setIdle()
			log.Info("session start aborted")
			return
		}
		c.mu.Lock()
		c.snap.State = StateError
		c.snap.Err = err
		c.mu.Unlock()
		span.RecordError(err)
		log.Error("session start failed", "err", err)
		return
	}

	// The stop may have landed just as the opens succeeded, after the
	// watcher could still cancel them. Release everything and land in idle
	// as if the opens had been interrupted.
	select {
	case <-sess.stop:
		c.closeBoth(runCtx, stream, link)
		c.setIdle()
		log.Info("session start aborted")
		return
	default:
	}

	c.metrics.ConnectDuration.Record(runCtx, time.Since(connectStart).Seconds())
	c.metrics.ActiveSessions.Add(runCtx, 1)
	defer c.metrics.ActiveSessions.Add(runCtx, -1)

	span.SetAttributes(observe.Attr("session_id", link.SessionID()))
	log = log.With("session_id", link.SessionID())

	started := time.Now()
	c.mu.Lock()
	c.snap.State = StateRecording
	c.snap.SessionID = link.SessionID()
	c.snap.StartedAt = started
	c.durAnchor = started
	c.mu.Unlock()
	log.Info("session recording",
		"language", c.linkCfg.Language,
		"model", c.linkCfg.Model,
		"previous_session_id", opts.PreviousSessionID)

	agg := transcript.New()
	var meter audio.LevelMeter

	outcome, finalErr := c.record(runCtx, sess, stream, link, agg, &meter)

	agg.End()
	c.recordDrops(runCtx, link, agg)

	c.mu.Lock()
	if !c.durAnchor.IsZero() {
		c.durAccum += time.Since(c.durAnchor)
		c.durAnchor = time.Time{}
	}
	c.snap.State = outcome
	c.snap.Err = finalErr
	c.snap.Segments = agg.Segments()
	c.snap.PartialText = agg.Partial()
	c.snap.WordCount = agg.WordCount()
	c.snap.IsSpeaking = false
	c.snap.AudioLevel = 0
	final := c.snapshotLocked()
	c.mu.Unlock()

	label := "completed"
	if outcome == StateError {
		label = "interrupted"
	}
	c.metrics.RecordSessionEnd(runCtx, final.Duration.Seconds(), label)

	if finalErr != nil {
		span.RecordError(finalErr)
		log.Error("session ended with error",
			"err", finalErr,
			"duration", final.Duration,
			"words", final.WordCount)
	} else {
		log.Info("session completed",
			"duration", final.Duration,
			"segments", len(final.Segments),
			"words", final.WordCount)
	}

	if c.onFinished != nil {
		c.onFinished(final)
	}
}

// acquire opens the microphone, then dials the service. The order is part of
// the contract: when the device cannot be acquired the dialer is never
// invoked, and when the dial fails the already-open device is released.
func (c *Controller) acquire(ctx context.Context, opts StartOptions) (capture.Stream, transcribe.Link, error) {
	stream, err := c.source.Open(ctx, c.captureCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("session: open capture: %w", err)
	}
	linkCfg := c.linkCfg
	linkCfg.PreviousSessionID = opts.PreviousSessionID
	link, err := c.dialer.Open(ctx, linkCfg)
	if err != nil {
		if cerr := stream.Close(); cerr != nil {
			observe.Logger(ctx).Warn("capture close after failed dial", "err", cerr)
		}
		return nil, nil, fmt.Errorf("session: open link: %w", err)
	}
	return stream, link, nil
}

// record pumps audio out and recognition events in until the session ends.
// It returns the terminal state and, for error outcomes, the cause. Both the
// stream and the link are closed by the time it returns.
func (c *Controller) record(ctx context.Context, sess *runSession, stream capture.Stream, link transcribe.Link, agg *transcript.Aggregator, meter *audio.LevelMeter) (State, error) {
	for {
		select {
		case <-sess.stop:
			return c.finish(ctx, stream, link, agg)
		case <-ctx.Done():
			return c.finish(ctx, stream, link, agg)
		case chunk, ok := <-stream.Chunks():
			if !ok {
				c.closeBoth(ctx, stream, link)
				return StateError, errors.New("session: audio capture ended unexpectedly")
			}
			// A failing link surfaces on the events channel moments later;
			// a rejected chunk here is backpressure, not an error.
			if err := link.Send(chunk.Data); err == nil {
				c.metrics.AudioChunksSent.Add(ctx, 1)
			}
		case sample, ok := <-stream.Samples():
			if !ok {
				c.closeBoth(ctx, stream, link)
				return StateError, errors.New("session: audio capture ended unexpectedly")
			}
			lvl := meter.Update(sample.PCM, sample.Timestamp)
			c.mu.Lock()
			c.snap.AudioLevel = lvl.Value
			if !c.linkCfg.EnableVAD {
				c.snap.IsSpeaking = lvl.Speaking
			}
			c.mu.Unlock()
		case ev, ok := <-link.Events():
			if !ok {
				c.closeBoth(ctx, stream, link)
				return StateError, &transcribe.NetworkError{Op: "read", Err: errors.New("event stream ended without close")}
			}
			c.metrics.RecordLinkEvent(ctx, ev.Type.String())
			switch ev.Type {
			case transcribe.EventError:
				c.closeBoth(ctx, stream, link)
				return StateError, fmt.Errorf("session: service error: %s", ev.Reason)
			case transcribe.EventClosed:
				c.closeBoth(ctx, stream, link)
				return StateError, fmt.Errorf("session: connection closed: %s", ev.Reason)
			default:
				agg.Apply(ev)
				c.publishTranscript(agg)
			}
		}
	}
}

// finish runs the ordered shutdown: stop capture, send end-of-stream, drain
// trailing events until the service confirms the close, release the socket.
func (c *Controller) finish(ctx context.Context, stream capture.Stream, link transcribe.Link, agg *transcript.Aggregator) (State, error) {
	c.mu.Lock()
	c.snap.State = StateStopping
	if !c.durAnchor.IsZero() {
		c.durAccum += time.Since(c.durAnchor)
		c.durAnchor = time.Time{}
	}
	c.mu.Unlock()
	log := observe.Logger(ctx)
	log.Info("session stopping", "session_id", link.SessionID())

	if err := stream.Close(); err != nil {
		log.Warn("capture close failed", "err", err)
	}
	link.EndStream()

	// The link guarantees a terminal closed event within its grace period,
	// so this drain cannot hang.
	for ev := range link.Events() {
		c.metrics.RecordLinkEvent(ctx, ev.Type.String())
		switch ev.Type {
		case transcribe.EventError:
			_ = link.Close()
			return StateError, fmt.Errorf("session: service error during stop: %s", ev.Reason)
		case transcribe.EventClosed:
			_ = link.Close()
			return StateCompleted, nil
		default:
			agg.Apply(ev)
			c.publishTranscript(agg)
		}
	}
	_ = link.Close()
	return StateCompleted, nil
}

// closeBoth releases the stream and the link after an abrupt failure.
func (c *Controller) closeBoth(ctx context.Context, stream capture.Stream, link transcribe.Link) {
	if err := stream.Close(); err != nil {
		observe.Logger(ctx).Warn("capture close failed", "err", err)
	}
	_ = link.Close()
}

// setIdle resets the published state after an aborted start.
func (c *Controller) setIdle() {
	c.mu.Lock()
	c.snap = Snapshot{State: StateIdle}
	c.durAccum = 0
	c.durAnchor = time.Time{}
	c.mu.Unlock()
}

// publishTranscript refreshes the transcript-derived snapshot fields.
func (c *Controller) publishTranscript(agg *transcript.Aggregator) {
	c.mu.Lock()
	c.snap.Segments = agg.Segments()
	c.snap.PartialText = agg.Partial()
	c.snap.WordCount = agg.WordCount()
	if c.linkCfg.EnableVAD {
		c.snap.IsSpeaking = agg.Speaking()
	}
	c.mu.Unlock()
}

// dropReporter is implemented by links that count discarded chunks.
type dropReporter interface {
	Dropped() uint64
}

// recordDrops flushes end-of-session drop counters to metrics.
func (c *Controller) recordDrops(ctx context.Context, link transcribe.Link, agg *transcript.Aggregator) {
	if dr, ok := link.(dropReporter); ok {
		if n := dr.Dropped(); n > 0 {
			c.metrics.AudioChunksDropped.Add(ctx, int64(n))
		}
	}
	if n := agg.Dropped(); n > 0 {
		c.metrics.EventsDropped.Add(ctx, int64(n))
	}
}
