package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/talvox/talvox/internal/store"
)

func TestSessionsListAndShow(t *testing.T) {
	configPath, storePath := writeTestConfig(t, t.TempDir())
	id := seedSession(t, storePath, sampleRecord())

	out, err := runCLI(t, configPath, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	requireContains(t, out, id)
	requireContains(t, out, "completed")
	requireContains(t, out, "WORDS")

	out, err = runCLI(t, configPath, "sessions", "show", id)
	if err != nil {
		t.Fatalf("sessions show: %v", err)
	}
	requireContains(t, out, "Session:  sess-1")
	requireContains(t, out, "[00:00] hello world")
	requireContains(t, out, "[00:02] good bye")
}

func TestSessionsEmptyStore(t *testing.T) {
	configPath, _ := writeTestConfig(t, t.TempDir())

	out, err := runCLI(t, configPath, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	requireContains(t, out, "no stored sessions")
}

func TestSessionsShowMissing(t *testing.T) {
	configPath, _ := writeTestConfig(t, t.TempDir())

	_, err := runCLI(t, configPath, "sessions", "show", "nope")
	if err == nil {
		t.Fatal("expected an error for a missing session")
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRenderSessionsTable(t *testing.T) {
	recs := []store.Record{
		{
			ID:        "sess-1",
			State:     store.OutcomeInterrupted,
			StartedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local),
			Duration:  92*time.Second + 500*time.Millisecond,
			WordCount: 42,
		},
	}

	got := renderSessionsTable(recs)
	for _, want := range []string{"sess-1", "2026-03-14 09:30:00", "1m32s", "42", "interrupted"} {
		if !strings.Contains(got, want) {
			t.Errorf("table missing %q:\n%s", want, got)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{92*time.Second + 500*time.Millisecond, "1m32s"},
		{time.Hour + time.Second, "1h0m1s"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
