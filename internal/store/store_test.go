package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/talvox/talvox/internal/store"
	"github.com/talvox/talvox/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "talvox.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := store.Record{
		ID:                "sess-abc",
		PreviousSessionID: "sess-prev",
		State:             store.OutcomeCompleted,
		StartedAt:         time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC),
		Duration:          93*time.Second + 250*time.Millisecond,
		WordCount:         42,
		Segments: []types.Segment{
			{ID: 0, Range: types.TimeRange{Start: 0, End: 1250 * time.Millisecond}, Text: "hello world"},
			{ID: 1, Range: types.TimeRange{Start: 2500 * time.Millisecond, End: 3750 * time.Millisecond}, Text: "still here"},
		},
	}
	id, err := s.Save(ctx, rec)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id != "sess-abc" {
		t.Errorf("Save returned id %q, want the given one", id)
	}

	got, err := s.Get(ctx, "sess-abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PreviousSessionID != "sess-prev" || got.State != store.OutcomeCompleted {
		t.Errorf("fields lost: %+v", got)
	}
	if !got.StartedAt.Equal(rec.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, rec.StartedAt)
	}
	if got.Duration != rec.Duration {
		t.Errorf("Duration = %v, want %v", got.Duration, rec.Duration)
	}
	if got.WordCount != 42 {
		t.Errorf("WordCount = %d, want 42", got.WordCount)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt was not filled in on save")
	}
	if len(got.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(got.Segments))
	}
	if got.Segments[0].Text != "hello world" || got.Segments[1].Text != "still here" {
		t.Errorf("segment texts = %q, %q", got.Segments[0].Text, got.Segments[1].Text)
	}
	if got.Segments[1].Range.Start != 2500*time.Millisecond {
		t.Errorf("segment range start = %v, want 2.5s", got.Segments[1].Range.Start)
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"sess-a", "sess-b", "sess-c"} {
		_, err := s.Save(ctx, store.Record{
			ID:        id,
			State:     store.OutcomeCompleted,
			StartedAt: base,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	recs, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].ID != "sess-c" || recs[1].ID != "sess-b" || recs[2].ID != "sess-a" {
		t.Errorf("order = %s, %s, %s; want newest first", recs[0].ID, recs[1].ID, recs[2].ID)
	}
	if recs[0].Segments != nil {
		t.Error("List should not load segments")
	}

	limited, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d records with limit 2", len(limited))
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "no-such-session")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_SaveGeneratesID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, store.Record{
		State:     store.OutcomeInterrupted,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id == "" {
		t.Fatal("Save returned an empty id")
	}
	if _, err := s.Get(ctx, id); err != nil {
		t.Errorf("Get generated id: %v", err)
	}
}

func TestStore_InterruptedSessionKeepsError(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, store.Record{
		ID:        "sess-broken",
		State:     store.OutcomeInterrupted,
		StartedAt: time.Now().UTC(),
		Error:     "session: connection closed: connection lost",
		Segments: []types.Segment{
			{ID: 0, Range: types.TimeRange{Start: 0, End: time.Second}, Text: "cut short"},
		},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != store.OutcomeInterrupted {
		t.Errorf("state = %q, want interrupted", got.State)
	}
	if got.Error == "" {
		t.Error("failure message was not stored")
	}
	if len(got.Segments) != 1 {
		t.Errorf("transcript before the failure should be stored, got %d segments", len(got.Segments))
	}
}

func TestStore_GetWithoutSegments(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, store.Record{ID: "sess-empty", State: store.OutcomeCompleted, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Get(ctx, "sess-empty")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Segments == nil || len(got.Segments) != 0 {
		t.Errorf("Segments = %#v, want an empty non-nil slice", got.Segments)
	}
}

func TestStore_Latest(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Latest(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Latest on empty store = %v, want ErrNotFound", err)
	}

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"sess-old", "sess-new"} {
		if _, err := s.Save(ctx, store.Record{
			ID:        id,
			State:     store.OutcomeCompleted,
			StartedAt: base,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != "sess-new" {
		t.Errorf("Latest = %q, want sess-new", latest.ID)
	}
}
