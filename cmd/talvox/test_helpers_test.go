package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/talvox/talvox/internal/store"
	"github.com/talvox/talvox/pkg/types"
)

// runCLI executes the command tree with its output captured. An empty
// configPath leaves the --config flag unset.
func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

// writeTestConfig writes a minimal config whose store lives under dir.
func writeTestConfig(t *testing.T, dir string) (configPath, storePath string) {
	t.Helper()
	storePath = filepath.Join(dir, "sessions.db")
	configPath = filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("store:\n  path: %q\n", storePath)
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath, storePath
}

func seedSession(t *testing.T, storePath string, rec store.Record) string {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, storePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	id, err := st.Save(ctx, rec)
	if err != nil {
		t.Fatalf("save session: %v", err)
	}
	return id
}

func sampleRecord() store.Record {
	return store.Record{
		ID:        "sess-1",
		State:     store.OutcomeCompleted,
		StartedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Duration:  4 * time.Second,
		WordCount: 4,
		Segments: []types.Segment{
			{ID: 1, Range: types.TimeRange{Start: 0, End: 1250 * time.Millisecond}, Text: "hello world"},
			{ID: 2, Range: types.TimeRange{Start: 2500 * time.Millisecond, End: 3750 * time.Millisecond}, Text: "good bye"},
		},
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
