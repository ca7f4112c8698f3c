package session_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/talvox/talvox/internal/session"
	"github.com/talvox/talvox/pkg/capture"
	capmock "github.com/talvox/talvox/pkg/capture/mock"
	"github.com/talvox/talvox/pkg/transcribe"
	linkmock "github.com/talvox/talvox/pkg/transcribe/mock"
	"github.com/talvox/talvox/pkg/types"
)

// ---- helpers ----

func newController(t *testing.T, cfg session.Config) *session.Controller {
	t.Helper()
	ctrl, err := session.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ctrl
}

// waitFor polls cond until it holds or the test deadline passes.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func waitState(t *testing.T, ctrl *session.Controller, want session.State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool {
		return ctrl.Snapshot().State == want
	})
}

func waitDone(t *testing.T, ctrl *session.Controller) {
	t.Helper()
	select {
	case <-ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to finish")
	}
}

func partialEvent(text string) transcribe.Event {
	return transcribe.Event{Type: transcribe.EventPartial, Text: text}
}

func finalEvent(text string, start, end time.Duration) transcribe.Event {
	return transcribe.Event{
		Type:  transcribe.EventFinal,
		Text:  text,
		Range: types.TimeRange{Start: start, End: end},
	}
}

// scriptGracefulClose makes the link answer EndStream the way the service
// does: trailing events first, then the terminal closed.
func scriptGracefulClose(link *linkmock.Link, trailing ...transcribe.Event) {
	go func() {
		<-link.EndStreamed
		for _, ev := range trailing {
			link.Emit(ev)
		}
		link.Emit(transcribe.Event{Type: transcribe.EventClosed, Reason: "client requested"})
	}()
}

// ---- construction ----

func TestNew_RequiresSourceAndDialer(t *testing.T) {
	t.Parallel()

	if _, err := session.New(session.Config{Dialer: &linkmock.Dialer{}}); err == nil {
		t.Error("expected error for missing capture source")
	}
	if _, err := session.New(session.Config{Source: &capmock.Source{}}); err == nil {
		t.Error("expected error for missing dialer")
	}
	if _, err := session.New(session.Config{Source: &capmock.Source{}, Dialer: &linkmock.Dialer{}}); err != nil {
		t.Errorf("unexpected error with both dependencies set: %v", err)
	}
}

// ---- lifecycle ----

func TestController_LifecycleCompletes(t *testing.T) {
	t.Parallel()

	st := capmock.NewStream()
	src := &capmock.Source{OpenResult: st}
	link := linkmock.NewLink("sess-1")
	d := &linkmock.Dialer{Link: link}
	finished := make(chan session.Snapshot, 1)

	ctrl := newController(t, session.Config{
		Source:     src,
		Dialer:     d,
		Link:       transcribe.Config{Language: "en", Model: "live-general"},
		OnFinished: func(s session.Snapshot) { finished <- s },
	})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)

	if got := ctrl.Snapshot().SessionID; got != "sess-1" {
		t.Errorf("SessionID = %q, want %q", got, "sess-1")
	}

	st.EmitChunk(capture.Chunk{Seq: 0, Data: []byte{0x01, 0x02}})
	waitFor(t, "chunk relayed to link", func() bool { return link.SendCallCount() == 1 })

	link.Emit(partialEvent("hello"))
	waitFor(t, "partial visible", func() bool { return ctrl.Snapshot().PartialText == "hello" })

	link.Emit(finalEvent("hello world", 0, 1200*time.Millisecond))
	waitFor(t, "segment committed", func() bool {
		s := ctrl.Snapshot()
		return len(s.Segments) == 1 && s.PartialText == ""
	})
	if got := ctrl.Snapshot().WordCount; got != 2 {
		t.Errorf("WordCount = %d, want 2", got)
	}

	scriptGracefulClose(link, finalEvent("good bye", 1300*time.Millisecond, 2*time.Second))
	ctrl.Stop()
	waitDone(t, ctrl)

	snap := ctrl.Snapshot()
	if snap.State != session.StateCompleted {
		t.Fatalf("state = %s, want %s (err: %v)", snap.State, session.StateCompleted, snap.Err)
	}
	if snap.Err != nil {
		t.Errorf("unexpected session error: %v", snap.Err)
	}
	if len(snap.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(snap.Segments))
	}
	if snap.Segments[1].Text != "good bye" {
		t.Errorf("trailing segment text = %q, want %q", snap.Segments[1].Text, "good bye")
	}
	if snap.WordCount != 4 {
		t.Errorf("WordCount = %d, want 4", snap.WordCount)
	}
	if snap.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", snap.Duration)
	}
	if !st.Closed() {
		t.Error("capture stream was not closed")
	}
	if link.EndStreamCallCount != 1 {
		t.Errorf("EndStream called %d times, want 1", link.EndStreamCallCount)
	}
	if link.CloseCallCount == 0 {
		t.Error("link was never closed")
	}

	select {
	case s := <-finished:
		if s.State != session.StateCompleted {
			t.Errorf("finished snapshot state = %s, want %s", s.State, session.StateCompleted)
		}
		if s.SessionID != "sess-1" {
			t.Errorf("finished snapshot SessionID = %q, want %q", s.SessionID, "sess-1")
		}
	default:
		t.Fatal("OnFinished was not called")
	}
}

func TestController_StartWhileActiveFails(t *testing.T) {
	t.Parallel()

	st := capmock.NewStream()
	link := linkmock.NewLink("sess-1")
	ctrl := newController(t, session.Config{
		Source: &capmock.Source{OpenResult: st},
		Dialer: &linkmock.Dialer{Link: link},
	})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err == nil {
		t.Error("expected second Start to fail while recording")
	}

	scriptGracefulClose(link)
	ctrl.Stop()
	waitDone(t, ctrl)
}

func TestController_StopWhileConnectingReturnsToIdle(t *testing.T) {
	t.Parallel()

	src := &capmock.Source{OpenGate: make(chan struct{})}
	d := &linkmock.Dialer{}
	ctrl := newController(t, session.Config{Source: src, Dialer: d})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateConnecting)

	ctrl.Stop()
	waitDone(t, ctrl)

	snap := ctrl.Snapshot()
	if snap.State != session.StateIdle {
		t.Errorf("state = %s, want %s", snap.State, session.StateIdle)
	}
	if snap.Err != nil {
		t.Errorf("unexpected error after aborted start: %v", snap.Err)
	}
	if got := d.OpenCallCount(); got != 0 {
		t.Errorf("dialer Open called %d times, want 0", got)
	}
}

func TestController_CaptureFailureNeverDials(t *testing.T) {
	t.Parallel()

	src := &capmock.Source{OpenErr: &capture.DeviceError{
		Kind:   capture.ErrKindPermissionDenied,
		Device: "mic0",
	}}
	d := &linkmock.Dialer{Link: linkmock.NewLink("unused")}
	ctrl := newController(t, session.Config{Source: src, Dialer: d})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, ctrl)

	snap := ctrl.Snapshot()
	if snap.State != session.StateError {
		t.Fatalf("state = %s, want %s", snap.State, session.StateError)
	}
	var devErr *capture.DeviceError
	if !errors.As(snap.Err, &devErr) {
		t.Fatalf("err = %v, want a *capture.DeviceError", snap.Err)
	}
	if devErr.Kind != capture.ErrKindPermissionDenied {
		t.Errorf("kind = %v, want permission denied", devErr.Kind)
	}
	if got := d.OpenCallCount(); got != 0 {
		t.Errorf("dialer Open called %d times, want 0", got)
	}

	// error is a restartable state
	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Errorf("Start after error: %v", err)
	}
	waitDone(t, ctrl)
}

func TestController_DialFailureReleasesCapture(t *testing.T) {
	t.Parallel()

	st := capmock.NewStream()
	src := &capmock.Source{OpenResult: st}
	d := &linkmock.Dialer{OpenErr: &transcribe.AuthError{Status: 401, Message: "bad key"}}
	ctrl := newController(t, session.Config{Source: src, Dialer: d})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, ctrl)

	snap := ctrl.Snapshot()
	if snap.State != session.StateError {
		t.Fatalf("state = %s, want %s", snap.State, session.StateError)
	}
	var authErr *transcribe.AuthError
	if !errors.As(snap.Err, &authErr) {
		t.Fatalf("err = %v, want a *transcribe.AuthError", snap.Err)
	}
	if !st.Closed() {
		t.Error("capture stream was not released after the failed dial")
	}
}

// ---- failures while recording ----

func TestController_ConnectionLossPreservesTranscript(t *testing.T) {
	t.Parallel()

	st := capmock.NewStream()
	link := linkmock.NewLink("sess-1")
	finished := make(chan session.Snapshot, 1)
	ctrl := newController(t, session.Config{
		Source:     &capmock.Source{OpenResult: st},
		Dialer:     &linkmock.Dialer{Link: link},
		OnFinished: func(s session.Snapshot) { finished <- s },
	})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)

	link.Emit(finalEvent("first words", 0, time.Second))
	waitFor(t, "segment committed", func() bool { return len(ctrl.Snapshot().Segments) == 1 })

	link.Emit(transcribe.Event{Type: transcribe.EventClosed, Reason: "connection lost"})
	waitDone(t, ctrl)

	snap := ctrl.Snapshot()
	if snap.State != session.StateError {
		t.Fatalf("state = %s, want %s", snap.State, session.StateError)
	}
	if snap.Err == nil || !strings.Contains(snap.Err.Error(), "connection lost") {
		t.Errorf("err = %v, want mention of the close reason", snap.Err)
	}
	if len(snap.Segments) != 1 || snap.Segments[0].Text != "first words" {
		t.Errorf("transcript not preserved: %+v", snap.Segments)
	}
	if !st.Closed() {
		t.Error("capture stream was not closed")
	}

	select {
	case s := <-finished:
		if s.State != session.StateError {
			t.Errorf("finished snapshot state = %s, want %s", s.State, session.StateError)
		}
	default:
		t.Fatal("OnFinished was not called for an interrupted session")
	}
}

func TestController_ServiceErrorEndsSession(t *testing.T) {
	t.Parallel()

	st := capmock.NewStream()
	link := linkmock.NewLink("sess-1")
	ctrl := newController(t, session.Config{
		Source: &capmock.Source{OpenResult: st},
		Dialer: &linkmock.Dialer{Link: link},
	})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)

	link.Emit(transcribe.Event{Type: transcribe.EventError, Reason: "internal error"})
	waitDone(t, ctrl)

	snap := ctrl.Snapshot()
	if snap.State != session.StateError {
		t.Fatalf("state = %s, want %s", snap.State, session.StateError)
	}
	if snap.Err == nil || !strings.Contains(snap.Err.Error(), "internal error") {
		t.Errorf("err = %v, want the service reason", snap.Err)
	}
}

func TestController_CaptureDeathEndsSession(t *testing.T) {
	t.Parallel()

	st := capmock.NewStream()
	link := linkmock.NewLink("sess-1")
	ctrl := newController(t, session.Config{
		Source: &capmock.Source{OpenResult: st},
		Dialer: &linkmock.Dialer{Link: link},
	})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)

	// Device failure closes both stream channels.
	_ = st.Close()
	waitDone(t, ctrl)

	snap := ctrl.Snapshot()
	if snap.State != session.StateError {
		t.Fatalf("state = %s, want %s", snap.State, session.StateError)
	}
	if snap.Err == nil || !strings.Contains(snap.Err.Error(), "capture") {
		t.Errorf("err = %v, want a capture failure", snap.Err)
	}
	if link.CloseCallCount == 0 {
		t.Error("link was not closed after capture death")
	}
}

// ---- speaking indicator ----

func TestController_SpeakingFollowsServiceMarkersWithVAD(t *testing.T) {
	t.Parallel()

	st := capmock.NewStream()
	link := linkmock.NewLink("sess-1")
	ctrl := newController(t, session.Config{
		Source: &capmock.Source{OpenResult: st},
		Dialer: &linkmock.Dialer{Link: link},
		Link:   transcribe.Config{EnableVAD: true},
	})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)

	link.Emit(transcribe.Event{
		Type:  transcribe.EventSpeechStart,
		Range: types.TimeRange{Start: 500 * time.Millisecond, End: 500 * time.Millisecond},
	})
	waitFor(t, "speaking on", func() bool { return ctrl.Snapshot().IsSpeaking })

	link.Emit(transcribe.Event{
		Type:  transcribe.EventSpeechEnd,
		Range: types.TimeRange{Start: 2 * time.Second, End: 2 * time.Second},
	})
	waitFor(t, "speaking off", func() bool { return !ctrl.Snapshot().IsSpeaking })

	scriptGracefulClose(link)
	ctrl.Stop()
	waitDone(t, ctrl)
}

func TestController_MeterDrivesSpeakingWithoutVAD(t *testing.T) {
	t.Parallel()

	st := capmock.NewStream()
	link := linkmock.NewLink("sess-1")
	ctrl := newController(t, session.Config{
		Source: &capmock.Source{OpenResult: st},
		Dialer: &linkmock.Dialer{Link: link},
	})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)

	// Loud samples spanning more than the meter's debounce dwell.
	pcm := make([]int16, 480)
	for i := range pcm {
		pcm[i] = 8000
	}
	st.EmitSample(capture.Sample{PCM: pcm, Timestamp: 1 * time.Second})
	st.EmitSample(capture.Sample{PCM: pcm, Timestamp: 1100 * time.Millisecond})
	st.EmitSample(capture.Sample{PCM: pcm, Timestamp: 1200 * time.Millisecond})

	waitFor(t, "meter speaking", func() bool {
		s := ctrl.Snapshot()
		return s.IsSpeaking && s.AudioLevel > 0
	})

	scriptGracefulClose(link)
	ctrl.Stop()
	waitDone(t, ctrl)
}

// ---- stop semantics ----

func TestController_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	ctrl := newController(t, session.Config{
		Source: &capmock.Source{},
		Dialer: &linkmock.Dialer{},
	})
	ctrl.Stop() // no session yet: must not panic

	st := capmock.NewStream()
	link := linkmock.NewLink("sess-1")
	ctrl = newController(t, session.Config{
		Source: &capmock.Source{OpenResult: st},
		Dialer: &linkmock.Dialer{Link: link},
	})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)

	scriptGracefulClose(link)
	ctrl.Stop()
	ctrl.Stop()
	ctrl.Stop()
	waitDone(t, ctrl)

	if got := ctrl.Snapshot().State; got != session.StateCompleted {
		t.Errorf("state = %s, want %s", got, session.StateCompleted)
	}
	if link.EndStreamCallCount != 1 {
		t.Errorf("EndStream called %d times, want 1", link.EndStreamCallCount)
	}
}

func TestController_ContextCancelStopsGracefully(t *testing.T) {
	t.Parallel()

	st := capmock.NewStream()
	link := linkmock.NewLink("sess-1")
	ctrl := newController(t, session.Config{
		Source: &capmock.Source{OpenResult: st},
		Dialer: &linkmock.Dialer{Link: link},
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := ctrl.Start(ctx, session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)

	scriptGracefulClose(link)
	cancel()
	waitDone(t, ctrl)

	snap := ctrl.Snapshot()
	if snap.State != session.StateCompleted {
		t.Errorf("state = %s, want %s (err: %v)", snap.State, session.StateCompleted, snap.Err)
	}
	if !st.Closed() {
		t.Error("capture stream was not closed")
	}
}

// ---- restart ----

func TestController_RestartAfterCompleted(t *testing.T) {
	t.Parallel()

	st1 := capmock.NewStream()
	link1 := linkmock.NewLink("sess-1")
	src := &capmock.Source{OpenResult: st1}
	d := &linkmock.Dialer{Link: link1}
	ctrl := newController(t, session.Config{Source: src, Dialer: d})

	if err := ctrl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)
	link1.Emit(finalEvent("session one", 0, time.Second))
	waitFor(t, "segment committed", func() bool { return len(ctrl.Snapshot().Segments) == 1 })
	scriptGracefulClose(link1)
	ctrl.Stop()
	waitDone(t, ctrl)

	// Fresh device and link for the second run, resuming from the first.
	src.OpenResult = capmock.NewStream()
	link2 := linkmock.NewLink("sess-2")
	d.Link = link2

	if err := ctrl.Start(context.Background(), session.StartOptions{PreviousSessionID: "sess-1"}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitState(t, ctrl, session.StateRecording)

	snap := ctrl.Snapshot()
	if snap.SessionID != "sess-2" {
		t.Errorf("SessionID = %q, want %q", snap.SessionID, "sess-2")
	}
	if snap.PreviousSessionID != "sess-1" {
		t.Errorf("PreviousSessionID = %q, want %q", snap.PreviousSessionID, "sess-1")
	}
	if len(snap.Segments) != 0 {
		t.Errorf("restart kept %d segments from the previous session", len(snap.Segments))
	}
	if len(d.OpenCalls) != 2 || d.OpenCalls[1].Cfg.PreviousSessionID != "sess-1" {
		t.Error("resume ID was not passed through to the dialer")
	}

	scriptGracefulClose(link2)
	ctrl.Stop()
	waitDone(t, ctrl)

	if got := ctrl.Snapshot().State; got != session.StateCompleted {
		t.Errorf("state = %s, want %s", got, session.StateCompleted)
	}
}
