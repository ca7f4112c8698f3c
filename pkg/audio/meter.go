package audio

import (
	"math"
	"time"
)

const (
	// envelopeDecay is how much of the previous envelope survives each
	// update. 0.7 keeps the meter from flickering on frame boundaries.
	envelopeDecay = 0.7

	// speakingThreshold is the envelope value above which audio counts as
	// speech for the meter's own flag.
	speakingThreshold = 0.05

	// speakingDwell is how long the envelope must stay on one side of the
	// threshold before the speaking flag flips. Applies to both edges so
	// short transients and short pauses do not flap the flag.
	speakingDwell = 150 * time.Millisecond
)

// Level is the meter's output for one update: a smoothed loudness value in
// 0..1 and the debounced speaking flag.
type Level struct {
	Value    float64
	Speaking bool
}

// LevelMeter converts raw amplitude samples into a smoothed loudness envelope
// and a debounced speaking flag for UI display.
//
// It is a pure accumulator: time comes from the sample timestamps, never from
// the wall clock, so the meter is deterministic under test. The speaking flag
// here is cosmetic; the authoritative flag comes from the server's VAD events.
// One meter serves one session; call Reset before reuse.
//
// Not safe for concurrent use. The session loop is the only caller.
type LevelMeter struct {
	envelope float64
	speaking bool

	// Debounce state: when the raw above/below-threshold signal disagrees
	// with the current flag, the disagreement must persist for speakingDwell
	// before the flag flips.
	pending      bool
	pendingSince time.Duration
}

// Update feeds one frame of samples captured at offset at (relative to stream
// start) and returns the new level.
func (m *LevelMeter) Update(pcm []int16, at time.Duration) Level {
	m.envelope = envelopeDecay*m.envelope + (1-envelopeDecay)*rms(pcm)

	above := m.envelope >= speakingThreshold
	if above == m.speaking {
		m.pending = false
	} else if !m.pending {
		m.pending = true
		m.pendingSince = at
	} else if at-m.pendingSince >= speakingDwell {
		m.speaking = above
		m.pending = false
	}

	return Level{Value: m.envelope, Speaking: m.speaking}
}

// Reset clears all meter state for a fresh session.
func (m *LevelMeter) Reset() {
	*m = LevelMeter{}
}

// rms returns the root-mean-square amplitude of pcm normalised to 0..1.
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
