package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/talvox/talvox/internal/config"
	"github.com/talvox/talvox/internal/health"
	"github.com/talvox/talvox/internal/observe"
	"github.com/talvox/talvox/internal/session"
	"github.com/talvox/talvox/internal/store"
	"github.com/talvox/talvox/internal/tui"
	"github.com/talvox/talvox/pkg/capture/ffmpeg"
	"github.com/talvox/talvox/pkg/transcribe/wslink"
)

const (
	// pollInterval is the plain-mode snapshot cadence. The TUI polls on its
	// own timer.
	pollInterval = 100 * time.Millisecond

	// teardownGrace bounds how long a force quit waits for the session
	// goroutine before giving up on it.
	teardownGrace = 2 * time.Second
)

func newLiveCommand(cc *commandContext) *cobra.Command {
	var plain bool
	var resume bool

	cmd := &cobra.Command{
		Use:   "live",
		Short: "Run a live transcription session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			return runLive(cmd.Context(), cfg, plain, resume, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "stream events as plain lines even on a terminal")
	cmd.Flags().BoolVar(&resume, "resume", false, "carry context over from the most recent stored session")
	return cmd
}

func runLive(ctx context.Context, cfg *config.Config, plain, resume bool, out io.Writer) error {
	if cfg.Service.APIKey == "" {
		return errors.New("an API key is required: set service.api_key or TALVOX_API_KEY")
	}

	useTUI := !plain && isTerminal(os.Stdout)
	if useTUI {
		closeLogs, err := routeLogsOffTerminal(cfg)
		if err != nil {
			return err
		}
		defer closeLogs()
	}

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "talvox",
		ServiceVersion: version,
		Prometheus:     cfg.Server.ListenAddr != "",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	storePath, err := cfg.StorePath()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, storePath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer st.Close()

	var previousID string
	if resume {
		latest, err := st.Latest(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return errors.New("nothing to resume: no stored sessions")
		}
		if err != nil {
			return err
		}
		previousID = latest.ID
		slog.Info("resuming session context", "previous_session_id", previousID)
	}

	dialer, err := wslink.New(cfg.Service.APIKey,
		wslink.WithEndpoint(cfg.Service.Endpoint),
		wslink.WithModel(cfg.Service.Model),
		wslink.WithLanguage(cfg.Service.Language),
		wslink.WithHandshakeTimeout(cfg.Link.HandshakeTimeout.Std()),
		wslink.WithGraceTimeout(cfg.Link.GraceTimeout.Std()),
		wslink.WithSendQueue(cfg.Link.SendBuffer),
	)
	if err != nil {
		return err
	}

	ctrl, err := session.New(session.Config{
		Source:     ffmpeg.New(),
		Dialer:     dialer,
		Capture:    cfg.CaptureConfig(),
		Link:       cfg.LinkConfig(),
		Metrics:    metrics,
		OnFinished: persistSession(st),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	gate := health.NewGate()
	if cfg.Server.ListenAddr != "" {
		serveAdmin(gctx, g, gate, metrics, cfg.Server.ListenAddr)
	}

	if err := ctrl.Start(ctx, session.StartOptions{PreviousSessionID: previousID}); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	gate.Open()

	g.Go(func() error {
		// The listener winds down with the session.
		defer cancel()
		if useTUI {
			return runTUI(gctx, ctrl, out)
		}
		return streamPlain(gctx, ctrl, out)
	})

	return g.Wait()
}

// persistSession returns the controller callback that writes every finished
// session to st. The command context is usually already canceled by the time
// a session ends, so the save runs on its own deadline.
func persistSession(st *store.Store) func(session.Snapshot) {
	return func(snap session.Snapshot) {
		rec := store.Record{
			ID:                snap.SessionID,
			PreviousSessionID: snap.PreviousSessionID,
			State:             store.OutcomeCompleted,
			StartedAt:         snap.StartedAt,
			Duration:          snap.Duration,
			WordCount:         snap.WordCount,
			Segments:          snap.Segments,
		}
		if snap.State == session.StateError {
			rec.State = store.OutcomeInterrupted
			if snap.Err != nil {
				rec.Error = snap.Err.Error()
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id, err := st.Save(ctx, rec)
		if err != nil {
			slog.Error("persist session", "err", err)
			return
		}
		slog.Info("session saved", "id", id, "state", rec.State, "words", rec.WordCount)
	}
}

// serveAdmin runs the health and metrics listener until ctx is canceled.
func serveAdmin(ctx context.Context, g *errgroup.Group, gate *health.Gate, metrics *observe.Metrics, addr string) {
	mux := http.NewServeMux()
	health.New(gate.Checker()).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		slog.Info("admin listener up", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		gate.Close("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// runTUI renders the session until the model quits, then reports the outcome
// on the regular terminal.
func runTUI(ctx context.Context, ctrl *session.Controller, out io.Writer) error {
	p := tea.NewProgram(tui.New(ctrl), tea.WithAltScreen(), tea.WithContext(ctx))
	_, runErr := p.Run()

	// A force quit or an outside cancellation can leave the session running.
	ctrl.Stop()
	select {
	case <-ctrl.Done():
	case <-time.After(teardownGrace):
		slog.Warn("session did not wind down in time")
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("live view: %w", runErr)
	}
	return printOutcome(out, ctrl.Snapshot())
}

// streamPlain prints session progress line by line: one line per committed
// segment, plus state changes. Partials are skipped so the output stays
// append-only and pipeable.
func streamPlain(ctx context.Context, ctrl *session.Controller, out io.Writer) error {
	fmt.Fprintln(out, "connecting...")

	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	cancelC := ctx.Done()
	var printed int
	var announced bool
	for {
		select {
		case <-cancelC:
			ctrl.Stop()
			cancelC = nil

		case <-ctrl.Done():
			snap := ctrl.Snapshot()
			printed = printNewSegments(out, snap, printed)
			return printOutcome(out, snap)

		case <-tick.C:
			snap := ctrl.Snapshot()
			if !announced && snap.SessionID != "" {
				fmt.Fprintf(out, "recording (session %s)\n", snap.SessionID)
				announced = true
			}
			printed = printNewSegments(out, snap, printed)
		}
	}
}

func printNewSegments(out io.Writer, snap session.Snapshot, printed int) int {
	for _, seg := range snap.Segments[printed:] {
		fmt.Fprintf(out, "[%s] %s\n", formatClock(seg.Range.Start), seg.Text)
	}
	return len(snap.Segments)
}

func printOutcome(out io.Writer, snap session.Snapshot) error {
	switch snap.State {
	case session.StateCompleted:
		fmt.Fprintf(out, "session %s completed: %d segments, %d words, %s\n",
			snap.SessionID, len(snap.Segments), snap.WordCount, formatClock(snap.Duration))
		return nil
	case session.StateError:
		return snap.Err
	case session.StateIdle:
		fmt.Fprintln(out, "stopped before recording started")
		return nil
	default:
		fmt.Fprintf(out, "session %s did not finish (state %s)\n", snap.SessionID, snap.State)
		return nil
	}
}

// routeLogsOffTerminal moves logging away from the terminal while the TUI
// owns it: to the configured log file, or nowhere.
func routeLogsOffTerminal(cfg *config.Config) (func(), error) {
	var w io.Writer = io.Discard
	var f *os.File
	if cfg.Server.LogFile != "" {
		var err error
		f, err = os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
	}
	slog.SetDefault(newLogger(w, cfg.Server.LogLevel))
	return func() {
		if f != nil {
			f.Close()
		}
	}, nil
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
