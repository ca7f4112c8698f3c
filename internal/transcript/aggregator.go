// Package transcript reduces the inbound recognition event stream into the
// canonical session transcript.
//
// A live session receives a mixture of interim and committed results plus
// speech-activity markers, all strictly ordered by the link. The [Aggregator]
// folds that stream into four pieces of state:
//
//   - an ordered, append-only list of committed [types.Segment] values;
//   - the current partial text (at most one, last-write-wins);
//   - a running word count over committed text plus the live partial;
//   - the authoritative speaking flag driven by the service's VAD markers
//     (independent of any client-side level threshold).
//
// The aggregator is owned and driven by a single goroutine, the session
// controller loop, and therefore takes no locks. It never fails: events it
// cannot use are dropped and counted.
package transcript

import (
	"strings"

	"github.com/talvox/talvox/pkg/transcribe"
	"github.com/talvox/talvox/pkg/types"
)

// Aggregator folds recognition events into an ordered transcript.
// The zero value is not ready for use; call [New].
type Aggregator struct {
	segments []types.Segment
	partial  string
	speaking bool

	committedWords int
	dropped        uint64
	nextID         int64
	ended          bool
}

// New returns an empty Aggregator. Each session gets a fresh one; the
// transcript always re-initializes empty even when a session resumes a
// previous one server-side.
func New() *Aggregator {
	return &Aggregator{}
}

// Apply folds one event into the transcript. Rules:
//
//   - partial replaces the current partial text unconditionally.
//   - final appends a segment with the next sequence id and clears the
//     partial. Finals with empty text clear the partial but append nothing.
//   - speechStart and speechEnd set the speaking flag.
//   - error and closed are session-level events; the transcript is unchanged.
//   - after [Aggregator.End], every event is ignored.
//
// Malformed events (inverted time range, unknown type) are dropped and
// counted; Apply never returns an error.
func (a *Aggregator) Apply(ev transcribe.Event) {
	if a.ended {
		return
	}

	switch ev.Type {
	case transcribe.EventPartial:
		a.partial = ev.Text

	case transcribe.EventFinal:
		if ev.Range.End < ev.Range.Start {
			a.dropped++
			return
		}
		a.partial = ""
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		a.segments = append(a.segments, types.Segment{
			ID:    a.nextID,
			Range: ev.Range,
			Text:  text,
		})
		a.nextID++
		a.committedWords += len(strings.Fields(text))

	case transcribe.EventSpeechStart:
		a.speaking = true

	case transcribe.EventSpeechEnd:
		a.speaking = false

	case transcribe.EventError, transcribe.EventClosed:
		// Handled by the controller; not transcript data.

	default:
		a.dropped++
	}
}

// End freezes the transcript. Late events that race session teardown are
// ignored from here on.
func (a *Aggregator) End() {
	a.ended = true
}

// Segments returns a copy of the committed segment list, sorted by id.
func (a *Aggregator) Segments() []types.Segment {
	out := make([]types.Segment, len(a.segments))
	copy(out, a.segments)
	return out
}

// Partial returns the current in-flight partial text, or "" when the last
// utterance has been committed.
func (a *Aggregator) Partial() string {
	return a.partial
}

// Speaking reports the service-side VAD state.
func (a *Aggregator) Speaking() bool {
	return a.speaking
}

// WordCount returns the number of words across all committed segments plus
// the current partial. A partial that later commits is never double counted:
// its words leave the partial term the moment they enter the committed term.
func (a *Aggregator) WordCount() int {
	return a.committedWords + len(strings.Fields(a.partial))
}

// Dropped returns the number of events discarded as malformed or unknown.
func (a *Aggregator) Dropped() uint64 {
	return a.dropped
}
