package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/talvox/talvox/internal/store"
)

func newSessionsCommand(cc *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.withStore(cmd.Context(), func(st *store.Store) error {
				recs, err := st.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintln(out, "no stored sessions")
					return nil
				}
				fmt.Fprintln(out, renderSessionsTable(recs))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to list (0 for all)")
	cmd.AddCommand(newSessionsShowCommand(cc))
	return cmd
}

func newSessionsShowCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.withStore(cmd.Context(), func(st *store.Store) error {
				rec, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Session:  %s\n", rec.ID)
				if rec.PreviousSessionID != "" {
					fmt.Fprintf(out, "Resumes:  %s\n", rec.PreviousSessionID)
				}
				fmt.Fprintf(out, "State:    %s\n", rec.State)
				fmt.Fprintf(out, "Started:  %s\n", rec.StartedAt.Local().Format(time.RFC1123))
				fmt.Fprintf(out, "Duration: %s\n", formatDuration(rec.Duration))
				fmt.Fprintf(out, "Words:    %d\n", rec.WordCount)
				if rec.Error != "" {
					fmt.Fprintf(out, "Error:    %s\n", rec.Error)
				}
				fmt.Fprintln(out)
				return writeTranscriptText(out, rec)
			})
		},
	}
}

func renderSessionsTable(recs []store.Record) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "STARTED", "DURATION", "WORDS", "STATE"})

	for _, rec := range recs {
		tw.AppendRow(table.Row{
			rec.ID,
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatDuration(rec.Duration),
			rec.WordCount,
			rec.State,
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})

	return tw.Render()
}

func formatDuration(d time.Duration) string {
	return d.Truncate(time.Second).String()
}
