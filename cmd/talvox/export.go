package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/talvox/talvox/internal/store"
)

func newExportCommand(cc *commandContext) *cobra.Command {
	var format string
	var outputPath string

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a stored session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.withStore(cmd.Context(), func(st *store.Store) error {
				rec, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				var buf bytes.Buffer
				switch format {
				case "text":
					err = writeTranscriptText(&buf, rec)
				case "json":
					err = writeTranscriptJSON(&buf, rec)
				case "srt":
					err = writeTranscriptSRT(&buf, rec)
				default:
					return fmt.Errorf("unknown format %q (want text, json or srt)", format)
				}
				if err != nil {
					return err
				}

				if outputPath == "" {
					_, err := cmd.OutOrStdout().Write(buf.Bytes())
					return err
				}
				if err := os.WriteFile(outputPath, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outputPath)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "export format: text, json or srt")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

// writeTranscriptText writes one "[MM:SS] text" line per segment.
func writeTranscriptText(w io.Writer, rec *store.Record) error {
	for _, seg := range rec.Segments {
		if _, err := fmt.Fprintf(w, "[%s] %s\n", formatClock(seg.Range.Start), seg.Text); err != nil {
			return err
		}
	}
	return nil
}

type exportedSession struct {
	ID                string            `json:"id"`
	PreviousSessionID string            `json:"previousSessionId,omitempty"`
	State             string            `json:"state"`
	StartedAt         time.Time         `json:"startedAt"`
	DurationSeconds   float64           `json:"durationSeconds"`
	WordCount         int               `json:"wordCount"`
	Error             string            `json:"error,omitempty"`
	Segments          []exportedSegment `json:"segments"`
}

type exportedSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func writeTranscriptJSON(w io.Writer, rec *store.Record) error {
	exp := exportedSession{
		ID:                rec.ID,
		PreviousSessionID: rec.PreviousSessionID,
		State:             rec.State,
		StartedAt:         rec.StartedAt,
		DurationSeconds:   rec.Duration.Seconds(),
		WordCount:         rec.WordCount,
		Error:             rec.Error,
		Segments:          make([]exportedSegment, 0, len(rec.Segments)),
	}
	for _, seg := range rec.Segments {
		start, end := seg.Range.Seconds()
		exp.Segments = append(exp.Segments, exportedSegment{Start: start, End: end, Text: seg.Text})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&exp)
}

// writeTranscriptSRT writes SubRip cues, one per segment.
func writeTranscriptSRT(w io.Writer, rec *store.Record) error {
	for i, seg := range rec.Segments {
		_, err := fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n",
			i+1, formatSRTTime(seg.Range.Start), formatSRTTime(seg.Range.End), seg.Text)
		if err != nil {
			return err
		}
	}
	return nil
}

// formatSRTTime renders a timeline offset as HH:MM:SS,mmm.
func formatSRTTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// formatClock renders a timeline offset as MM:SS in whole elapsed seconds,
// growing to H:MM:SS past an hour.
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h := total / 3600
	mm := total / 60 % 60
	ss := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, mm, ss)
	}
	return fmt.Sprintf("%02d:%02d", mm, ss)
}
