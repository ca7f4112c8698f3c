package audio_test

import (
	"testing"
	"time"

	"github.com/talvox/talvox/pkg/audio"
)

// constantPCM returns a frame of n samples all at the given amplitude.
func constantPCM(amp int16, n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = amp
	}
	return pcm
}

// feed pushes count frames of pcm into the meter at a 50ms cadence starting
// at the given offset, returning the last level and the offset after the
// final frame.
func feed(m *audio.LevelMeter, pcm []int16, start time.Duration, count int) (audio.Level, time.Duration) {
	var lvl audio.Level
	at := start
	for range count {
		lvl = m.Update(pcm, at)
		at += 50 * time.Millisecond
	}
	return lvl, at
}

func TestLevelMeter_SilenceIsQuiet(t *testing.T) {
	t.Parallel()

	var m audio.LevelMeter
	lvl, _ := feed(&m, constantPCM(0, 480), 0, 10)
	if lvl.Value != 0 {
		t.Errorf("level for silence = %v, want 0", lvl.Value)
	}
	if lvl.Speaking {
		t.Error("speaking should be false for silence")
	}
}

func TestLevelMeter_EnvelopeSmoothing(t *testing.T) {
	t.Parallel()

	var m audio.LevelMeter
	loud := constantPCM(16000, 480) // RMS ~0.49

	first := m.Update(loud, 0)
	second := m.Update(loud, 50*time.Millisecond)

	if first.Value <= 0 {
		t.Fatal("first update should raise the envelope above zero")
	}
	// With decay 0.7 one frame contributes only 30% of its RMS.
	if first.Value > 0.2 {
		t.Errorf("first update level = %v, expected smoothing to hold it below 0.2", first.Value)
	}
	if second.Value <= first.Value {
		t.Errorf("sustained loudness should keep raising the envelope: %v then %v", first.Value, second.Value)
	}
}

func TestLevelMeter_SpeakingNeedsDwell(t *testing.T) {
	t.Parallel()

	var m audio.LevelMeter
	loud := constantPCM(16000, 480)

	// First loud frame crosses the threshold but the flag must not flip
	// until the dwell has elapsed.
	lvl := m.Update(loud, 0)
	if lvl.Speaking {
		t.Fatal("speaking flipped without dwell")
	}
	lvl = m.Update(loud, 50*time.Millisecond)
	if lvl.Speaking {
		t.Fatal("speaking flipped before 150ms dwell")
	}
	lvl = m.Update(loud, 200*time.Millisecond)
	if !lvl.Speaking {
		t.Fatal("speaking should flip after the dwell elapsed")
	}
}

func TestLevelMeter_ShortTransientIgnored(t *testing.T) {
	t.Parallel()

	var m audio.LevelMeter
	pop := constantPCM(8000, 480)
	quiet := constantPCM(0, 480)

	// One moderately loud frame, then silence: the envelope crosses the
	// threshold but decays back under it before the dwell elapses, so the
	// flag never flips.
	m.Update(pop, 0)
	lvl, _ := feed(&m, quiet, 50*time.Millisecond, 20)
	if lvl.Speaking {
		t.Error("short transient should never set speaking")
	}
}

func TestLevelMeter_FallingEdgeDebounced(t *testing.T) {
	t.Parallel()

	var m audio.LevelMeter
	loud := constantPCM(16000, 480)
	quiet := constantPCM(0, 480)

	// Speak long enough to latch the flag.
	lvl, at := feed(&m, loud, 0, 10)
	if !lvl.Speaking {
		t.Fatal("expected speaking after sustained loudness")
	}

	// A short dip must not clear it. The envelope decays by 0.7 per frame,
	// so level drops below the threshold within a couple of quiet frames,
	// but the flag holds until the dwell has elapsed below threshold.
	lvl = m.Update(quiet, at)
	if !lvl.Speaking {
		t.Fatal("speaking cleared without falling dwell")
	}

	// A long stretch of silence clears it.
	lvl, _ = feed(&m, quiet, at+50*time.Millisecond, 10)
	if lvl.Speaking {
		t.Error("speaking should clear after sustained silence")
	}
}

func TestLevelMeter_Reset(t *testing.T) {
	t.Parallel()

	var m audio.LevelMeter
	loud := constantPCM(16000, 480)

	lvl, _ := feed(&m, loud, 0, 10)
	if !lvl.Speaking || lvl.Value == 0 {
		t.Fatalf("precondition: meter should be hot, got %+v", lvl)
	}

	m.Reset()
	lvl = m.Update(constantPCM(0, 480), 0)
	if lvl.Value != 0 {
		t.Errorf("level after reset = %v, want 0", lvl.Value)
	}
	if lvl.Speaking {
		t.Error("speaking should be false after reset")
	}
}

func TestLevelMeter_EmptyFrame(t *testing.T) {
	t.Parallel()

	var m audio.LevelMeter
	lvl := m.Update(nil, 0)
	if lvl.Value != 0 || lvl.Speaking {
		t.Errorf("empty frame should read as silence, got %+v", lvl)
	}
}
