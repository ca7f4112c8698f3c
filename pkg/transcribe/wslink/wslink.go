// Package wslink implements the transcribe contract over the Talvox streaming
// WebSocket API. It dials wss://<host>/v1/listen, performs the opened
// handshake, and exchanges binary audio frames for JSON recognition events.
package wslink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/talvox/talvox/pkg/transcribe"
	"github.com/talvox/talvox/pkg/types"
)

const (
	defaultEndpoint         = "wss://api.talvox.io/v1/listen"
	defaultModel            = "live-general"
	defaultLanguage         = "en"
	defaultHandshakeTimeout = 10 * time.Second
	defaultGraceTimeout     = 5 * time.Second
	defaultSendQueue        = 100 // 2s of audio at 20ms chunks
	eventBuffer             = 64
)

// Wire frame type tags.
const (
	typeOpened      = "opened"
	typePartial     = "partial"
	typeFinal       = "final"
	typeSpeechStart = "speechStart"
	typeSpeechEnd   = "speechEnd"
	typeError       = "error"
	typeClosed      = "closed"
)

// Option is a functional option for configuring the Dialer.
type Option func(*Dialer)

// WithEndpoint overrides the service endpoint URL. Useful for self-hosted
// deployments and tests.
func WithEndpoint(endpoint string) Option {
	return func(d *Dialer) {
		d.endpoint = endpoint
	}
}

// WithModel sets the default recognition model used when Config.Model is empty.
func WithModel(model string) Option {
	return func(d *Dialer) {
		d.model = model
	}
}

// WithLanguage sets the default BCP-47 language tag used when Config.Language
// is empty.
func WithLanguage(language string) Option {
	return func(d *Dialer) {
		d.language = language
	}
}

// WithHandshakeTimeout bounds how long Open waits for the service to
// acknowledge a new session.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(dl *Dialer) {
		dl.handshakeTimeout = d
	}
}

// WithGraceTimeout bounds how long EndStream waits for remaining results
// before the link gives up with a synthesized "timeout" closed event.
func WithGraceTimeout(d time.Duration) Option {
	return func(dl *Dialer) {
		dl.graceTimeout = d
	}
}

// WithSendQueue sets the outbound audio buffer size in chunks. When the buffer
// is full the oldest queued chunk is dropped.
func WithSendQueue(n int) Option {
	return func(d *Dialer) {
		d.sendQueue = n
	}
}

// Dialer implements transcribe.Dialer backed by the streaming WebSocket API.
type Dialer struct {
	apiKey           string
	endpoint         string
	model            string
	language         string
	handshakeTimeout time.Duration
	graceTimeout     time.Duration
	sendQueue        int
}

var _ transcribe.Dialer = (*Dialer)(nil)

// New creates a new Dialer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Dialer, error) {
	if apiKey == "" {
		return nil, errors.New("wslink: apiKey must not be empty")
	}
	d := &Dialer{
		apiKey:           apiKey,
		endpoint:         defaultEndpoint,
		model:            defaultModel,
		language:         defaultLanguage,
		handshakeTimeout: defaultHandshakeTimeout,
		graceTimeout:     defaultGraceTimeout,
		sendQueue:        defaultSendQueue,
	}
	for _, o := range opts {
		o(d)
	}
	if d.handshakeTimeout <= 0 || d.graceTimeout <= 0 {
		return nil, errors.New("wslink: timeouts must be positive")
	}
	if d.sendQueue <= 0 {
		return nil, errors.New("wslink: send queue size must be positive")
	}
	return d, nil
}

// Open establishes a streaming transcription session. It blocks until the
// service acknowledges the session with an opened frame, the handshake timeout
// expires, or ctx is done.
func (d *Dialer) Open(ctx context.Context, cfg transcribe.Config) (transcribe.Link, error) {
	wsURL, err := d.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("wslink: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, classifyDialError(resp, err)
	}

	sessionID, err := awaitOpened(ctx, conn, d.handshakeTimeout)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}

	// Loop lifetime is decoupled from the dial context: callers routinely
	// cancel ctx once Open returns.
	loopCtx, cancel := context.WithCancel(context.Background())
	l := &link{
		conn:         conn,
		sessionID:    sessionID,
		graceTimeout: d.graceTimeout,
		events:       make(chan transcribe.Event, eventBuffer),
		audio:        make(chan []byte, d.sendQueue),
		done:         make(chan struct{}),
		ended:        make(chan struct{}),
		serverClosed: make(chan struct{}),
		graceExpired: make(chan struct{}),
		ctx:          loopCtx,
		cancel:       cancel,
		state:        transcribe.StateOpen,
	}

	l.wg.Add(2)
	go l.readLoop()
	go l.writeLoop()

	return l, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (d *Dialer) buildURL(cfg transcribe.Config) (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = d.language
	}
	model := cfg.Model
	if model == "" {
		model = d.model
	}

	q := u.Query()
	q.Set("language", lang)
	q.Set("model", model)
	q.Set("vad", strconv.FormatBool(cfg.EnableVAD))
	q.Set("interim", strconv.FormatBool(cfg.InterimResults))
	if cfg.PreviousSessionID != "" {
		q.Set("previous_session", cfg.PreviousSessionID)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// classifyDialError maps a failed WebSocket upgrade onto the transcribe error
// taxonomy using the HTTP response status, when one was received.
func classifyDialError(resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &transcribe.AuthError{Status: resp.StatusCode}
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return &transcribe.CapacityError{Status: resp.StatusCode}
		}
	}
	return &transcribe.NetworkError{Op: "dial", Err: err}
}

// awaitOpened reads the handshake acknowledgement that carries the
// service-assigned session ID. The session is not usable before it arrives.
func awaitOpened(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (string, error) {
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, data, err := conn.Read(hsCtx)
	if err != nil {
		return "", &transcribe.NetworkError{Op: "handshake", Err: err}
	}

	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", &transcribe.NetworkError{Op: "handshake", Err: fmt.Errorf("malformed acknowledgement: %w", err)}
	}
	if msg.Type != typeOpened || msg.SessionID == "" {
		return "", &transcribe.NetworkError{Op: "handshake", Err: fmt.Errorf("unexpected %q acknowledgement", msg.Type)}
	}
	return msg.SessionID, nil
}

// ─────────────────────────────── link ───────────────────────────────

// wireMessage is the JSON envelope shared by every text frame on the link.
// Start and End are offsets in seconds on the session audio timeline.
type wireMessage struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId,omitempty"`
	Text      string  `json:"text,omitempty"`
	Start     float64 `json:"start,omitempty"`
	End       float64 `json:"end,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// link is a live streaming session. It implements transcribe.Link.
type link struct {
	conn         *websocket.Conn
	sessionID    string
	graceTimeout time.Duration

	events chan transcribe.Event
	audio  chan []byte

	done         chan struct{} // closed by Close
	ended        chan struct{} // closed by EndStream
	serverClosed chan struct{} // closed once a terminal event has been claimed
	graceExpired chan struct{} // closed when the EndStream grace period runs out

	// ctx bounds the read/write loops; cancelled on Close and on grace expiry.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	endOnce   sync.Once
	termOnce  sync.Once
	wg        sync.WaitGroup

	dropped   atomic.Uint64
	malformed atomic.Uint64

	mu    sync.Mutex
	state transcribe.ConnectionState
}

var _ transcribe.Link = (*link)(nil)

// SessionID returns the service-assigned session identifier.
func (l *link) SessionID() string { return l.sessionID }

// State reports the current connection state.
func (l *link) State() transcribe.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) setState(s transcribe.ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Closed is terminal.
	if l.state == transcribe.StateClosed {
		return
	}
	l.state = s
}

// Dropped reports how many audio chunks were discarded because the outbound
// buffer was full.
func (l *link) Dropped() uint64 { return l.dropped.Load() }

// Malformed reports how many inbound frames were discarded as unparseable.
func (l *link) Malformed() uint64 { return l.malformed.Load() }

// Send queues an audio chunk for delivery. It never blocks: when the buffer is
// full the oldest queued chunk is discarded so that recent audio wins.
func (l *link) Send(chunk []byte) error {
	select {
	case <-l.done:
		return errors.New("wslink: link is closed")
	default:
	}
	select {
	case <-l.ended:
		return errors.New("wslink: stream already ended")
	default:
	}

	select {
	case l.audio <- chunk:
	default:
		select {
		case <-l.audio:
			l.dropped.Add(1)
		default:
		}
		select {
		case l.audio <- chunk:
		default:
			l.dropped.Add(1)
		}
	}
	return nil
}

// Events returns the ordered stream of recognition events.
func (l *link) Events() <-chan transcribe.Event { return l.events }

// EndStream initiates a graceful shutdown. The write loop flushes buffered
// audio, signals end of stream, and waits out the grace period for remaining
// finals. Completion is reported as a closed event on Events.
func (l *link) EndStream() {
	l.endOnce.Do(func() {
		l.setState(transcribe.StateClosing)
		close(l.ended)
	})
}

// Close tears the connection down immediately. Buffered audio and pending
// results are discarded.
func (l *link) Close() error {
	l.closeOnce.Do(func() {
		l.setState(transcribe.StateClosed)
		close(l.done)
		l.cancel()
		_ = l.conn.Close(websocket.StatusNormalClosure, "link closed")
		l.wg.Wait()
	})
	return nil
}

// claimTerminal marks the terminal event as taken. Exactly one caller gets
// true; only that caller may deliver a closed event.
func (l *link) claimTerminal() bool {
	claimed := false
	l.termOnce.Do(func() {
		claimed = true
		close(l.serverClosed)
	})
	return claimed
}

func (l *link) deliver(ev transcribe.Event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

// readLoop receives JSON frames and dispatches them, in arrival order, onto
// the events channel. It is the only goroutine that sends on or closes that
// channel.
func (l *link) readLoop() {
	defer l.wg.Done()
	defer close(l.events)

	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			select {
			case <-l.done:
				// Local teardown, nothing to report.
				return
			default:
			}
			reason := "connection lost"
			select {
			case <-l.graceExpired:
				reason = "timeout"
			default:
			}
			if l.claimTerminal() {
				l.deliver(transcribe.Event{Type: transcribe.EventClosed, Reason: reason})
				l.setState(transcribe.StateClosed)
			}
			return
		}

		ev, ok := parseEvent(data)
		if !ok {
			l.malformed.Add(1)
			continue
		}

		if ev.Type == transcribe.EventClosed {
			if l.claimTerminal() {
				l.deliver(ev)
				l.setState(transcribe.StateClosed)
			}
			return
		}
		l.deliver(ev)
	}
}

// writeLoop sends queued audio as binary frames until the stream ends or the
// link is torn down. Close discards pending audio by contract, so there is no
// drain on done.
func (l *link) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case chunk := <-l.audio:
			if err := l.conn.Write(l.ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-l.ended:
			l.finishStream()
			return
		case <-l.done:
			return
		}
	}
}

// finishStream flushes buffered audio, tells the service no more audio
// follows, and waits out the grace period for remaining results. If the
// service does not close the session in time, the connection is forced shut;
// the read loop then reports the synthesized "timeout" closed event.
func (l *link) finishStream() {
drain:
	for {
		select {
		case chunk := <-l.audio:
			if err := l.conn.Write(l.ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		default:
			break drain
		}
	}

	if err := l.conn.Write(l.ctx, websocket.MessageText, []byte(`{"type":"endStream"}`)); err != nil {
		return
	}

	timer := time.NewTimer(l.graceTimeout)
	defer timer.Stop()
	select {
	case <-l.serverClosed:
	case <-l.done:
	case <-timer.C:
		close(l.graceExpired)
		l.cancel()
		_ = l.conn.Close(websocket.StatusGoingAway, "grace period expired")
	}
}

// parseEvent maps one inbound frame onto the event model. Returns false for
// frames that should be dropped.
func parseEvent(data []byte) (transcribe.Event, bool) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return transcribe.Event{}, false
	}

	switch msg.Type {
	case typePartial:
		return transcribe.Event{Type: transcribe.EventPartial, Text: msg.Text, Range: wireRange(msg.Start, msg.End)}, true
	case typeFinal:
		return transcribe.Event{Type: transcribe.EventFinal, Text: msg.Text, Range: wireRange(msg.Start, msg.End)}, true
	case typeSpeechStart:
		// Speech markers carry their instant in start; the range is a point.
		return transcribe.Event{Type: transcribe.EventSpeechStart, Range: wireRange(msg.Start, msg.Start)}, true
	case typeSpeechEnd:
		return transcribe.Event{Type: transcribe.EventSpeechEnd, Range: wireRange(msg.Start, msg.Start)}, true
	case typeError:
		return transcribe.Event{Type: transcribe.EventError, Reason: msg.Reason}, true
	case typeClosed:
		return transcribe.Event{Type: transcribe.EventClosed, Reason: msg.Reason}, true
	default:
		return transcribe.Event{}, false
	}
}

func wireRange(start, end float64) types.TimeRange {
	return types.TimeRange{
		Start: time.Duration(start * float64(time.Second)),
		End:   time.Duration(end * float64(time.Second)),
	}
}
