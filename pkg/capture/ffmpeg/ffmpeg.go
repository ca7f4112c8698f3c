// Package ffmpeg provides a capture.Source backed by an ffmpeg subprocess.
//
// ffmpeg reads the configured input device and writes raw little-endian
// 16-bit PCM to stdout. The stream slices that output into fixed-length
// frames, converts them to the Opus encoder format (48 kHz mono), encodes
// each frame, and fans results out to the chunk and sample channels.
//
// Device exclusivity is enforced with a file lock keyed by device name: a
// second Open on a held device fails fast with capture.ErrKindBusy instead of
// letting two captures fight over the microphone.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"layeh.com/gopus"

	"github.com/talvox/talvox/pkg/audio"
	"github.com/talvox/talvox/pkg/capture"
)

const (
	defaultBinary        = "ffmpeg"
	defaultDevice        = "default"
	defaultSampleRate    = 48000
	defaultChannels      = 1
	defaultChunkDuration = 20 * time.Millisecond
	defaultMeterCadence  = 50 * time.Millisecond

	// The Opus encoder consumes 48 kHz mono regardless of the device format;
	// frames are converted before encoding.
	encoderSampleRate = 48000
	encoderChannels   = 1

	// openTimeout caps how long Open waits for the device to produce its
	// first frame before giving up.
	openTimeout = 5 * time.Second

	chunkBuffer  = 64
	sampleBuffer = 16
)

// Option is a functional option for configuring the Source.
type Option func(*Source)

// WithBinary sets the ffmpeg binary path (default "ffmpeg" from PATH).
func WithBinary(path string) Option {
	return func(s *Source) {
		s.binary = path
	}
}

// WithInputFormat sets the ffmpeg input format (-f). The default is chosen
// per platform: pulse on Linux, avfoundation on macOS, dshow on Windows.
func WithInputFormat(format string) Option {
	return func(s *Source) {
		s.inputFormat = format
	}
}

// WithLockDir sets the directory for device lock files (default os.TempDir).
func WithLockDir(dir string) Option {
	return func(s *Source) {
		s.lockDir = dir
	}
}

// Source implements capture.Source using an ffmpeg subprocess per stream.
type Source struct {
	binary      string
	inputFormat string
	lockDir     string
}

// New creates an ffmpeg capture Source.
func New(opts ...Option) *Source {
	s := &Source{
		binary:      defaultBinary,
		inputFormat: defaultInputFormat(),
		lockDir:     os.TempDir(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ensure Source implements capture.Source at compile time.
var _ capture.Source = (*Source)(nil)

func defaultInputFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "pulse"
	}
}

// Open acquires the device lock, spawns ffmpeg, and waits for the first PCM
// frame so that a nil error means audio is flowing. ctx governs the open
// attempt only.
func (s *Source) Open(ctx context.Context, cfg capture.Config) (capture.Stream, error) {
	cfg = withDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(s.lockDir, lockName(cfg.Device)))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: acquire device lock: %w", err)
	}
	if !ok {
		return nil, &capture.DeviceError{
			Kind:   capture.ErrKindBusy,
			Device: cfg.Device,
			Err:    errors.New("device lock held by another capture"),
		}
	}

	enc, err := gopus.NewEncoder(encoderSampleRate, encoderChannels, gopus.Audio)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("ffmpeg: create opus encoder: %w", err)
	}

	// The subprocess outlives ctx: once producing, the stream runs until
	// Close cancels procCtx.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.binary,
		"-hide_banner", "-loglevel", "error",
		"-f", s.inputFormat,
		"-i", cfg.Device,
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-",
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		_ = lock.Unlock()
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		_ = lock.Unlock()
		return nil, fmt.Errorf("ffmpeg: start %s: %w", s.binary, err)
	}

	frameBytes := cfg.SampleRate * cfg.Channels * 2 * int(cfg.ChunkDuration/time.Millisecond) / 1000
	first := make([]byte, frameBytes)

	// Block until the device actually produces audio, the caller gives up,
	// or ffmpeg exits early with a classifiable error.
	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(stdout, first)
		readDone <- err
	}()

	// Teardown for the failure paths: kill ffmpeg, let the frame reader
	// drain, reap the process, release the lock. Wait also flushes the
	// stderr copy, so reading stderr afterwards is race-free.
	fail := func() string {
		cancel()
		_ = cmd.Wait()
		_ = lock.Unlock()
		return stderr.String()
	}

	select {
	case err := <-readDone:
		if err != nil {
			msg := fail()
			return nil, classifyStartFailure(cfg.Device, msg, err)
		}
	case <-ctx.Done():
		cancel()
		<-readDone
		fail()
		return nil, ctx.Err()
	case <-time.After(openTimeout):
		cancel()
		<-readDone
		msg := fail()
		if msg != "" {
			return nil, classifyStartFailure(cfg.Device, msg, errors.New("no audio produced"))
		}
		return nil, fmt.Errorf("ffmpeg: device %q produced no audio within %s", cfg.Device, openTimeout)
	}

	meterEvery := int(cfg.MeterCadence / cfg.ChunkDuration)
	if meterEvery < 1 {
		meterEvery = 1
	}

	st := &stream{
		chunks:     make(chan capture.Chunk, chunkBuffer),
		samples:    make(chan capture.Sample, sampleBuffer),
		done:       make(chan struct{}),
		cancel:     cancel,
		cmd:        cmd,
		lock:       lock,
		enc:        enc,
		conv:       audio.FormatConverter{Target: audio.Format{SampleRate: encoderSampleRate, Channels: encoderChannels}},
		devRate:    cfg.SampleRate,
		devCh:      cfg.Channels,
		chunkDur:   cfg.ChunkDuration,
		meterEvery: meterEvery,
	}

	st.wg.Add(1)
	go st.readLoop(stdout, first)

	slog.Debug("capture started",
		"device", cfg.Device,
		"format", s.inputFormat,
		"sampleRate", cfg.SampleRate,
		"channels", cfg.Channels,
	)
	return st, nil
}

func withDefaults(cfg capture.Config) capture.Config {
	if cfg.Device == "" {
		cfg.Device = defaultDevice
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = defaultChannels
	}
	if cfg.ChunkDuration == 0 {
		cfg.ChunkDuration = defaultChunkDuration
	}
	if cfg.MeterCadence == 0 {
		cfg.MeterCadence = defaultMeterCadence
	}
	return cfg
}

func validate(cfg capture.Config) error {
	if cfg.SampleRate < 8000 {
		return fmt.Errorf("ffmpeg: sample rate %d too low", cfg.SampleRate)
	}
	if cfg.Channels != 1 && cfg.Channels != 2 {
		return fmt.Errorf("ffmpeg: unsupported channel count %d", cfg.Channels)
	}
	// Opus accepts 10, 20, 40 and 60 ms frames.
	switch cfg.ChunkDuration {
	case 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
	default:
		return fmt.Errorf("ffmpeg: unsupported chunk duration %s", cfg.ChunkDuration)
	}
	return nil
}

// lockName derives a filesystem-safe lock file name from a device identifier.
func lockName(device string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, device)
	return "talvox-capture-" + strings.ToLower(mapped) + ".lock"
}

// classifyStartFailure maps ffmpeg stderr output to a capture.DeviceError
// where the cause is recognisable, otherwise wraps the raw failure.
func classifyStartFailure(device, stderr string, cause error) error {
	msg := strings.ToLower(stderr)
	var kind capture.ErrorKind
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "access denied"),
		strings.Contains(msg, "operation not permitted"):
		kind = capture.ErrKindPermissionDenied
	case strings.Contains(msg, "no such device"),
		strings.Contains(msg, "no such file or directory"),
		strings.Contains(msg, "device not found"),
		strings.Contains(msg, "cannot find"),
		strings.Contains(msg, "unknown input"):
		kind = capture.ErrKindNoDevice
	case strings.Contains(msg, "busy"),
		strings.Contains(msg, "in use"):
		kind = capture.ErrKindBusy
	default:
		if line := firstLine(stderr); line != "" {
			return fmt.Errorf("ffmpeg: capture failed: %s: %w", line, cause)
		}
		return fmt.Errorf("ffmpeg: capture failed: %w", cause)
	}
	return &capture.DeviceError{Kind: kind, Device: device, Err: errors.New(firstLine(stderr))}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// ─── stream ───────────────────────────────────────────────────────────────────

// stream is a live ffmpeg capture. It implements capture.Stream.
type stream struct {
	chunks  chan capture.Chunk
	samples chan capture.Sample

	cancel context.CancelFunc
	cmd    *exec.Cmd
	lock   *flock.Flock

	enc  *gopus.Encoder
	conv audio.FormatConverter

	devRate    int
	devCh      int
	chunkDur   time.Duration
	meterEvery int

	done       chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
	warnEncode sync.Once
}

// Chunks returns the channel of encoded audio chunks.
func (st *stream) Chunks() <-chan capture.Chunk { return st.chunks }

// Samples returns the channel of metering samples.
func (st *stream) Samples() <-chan capture.Sample { return st.samples }

// Close kills the subprocess, waits for the read loop to finish, and releases
// the device lock. Safe to call more than once.
func (st *stream) Close() error {
	st.once.Do(func() {
		close(st.done)
		st.cancel()
		st.wg.Wait()
		_ = st.cmd.Wait()
		_ = st.lock.Unlock()
	})
	return nil
}

// readLoop slices ffmpeg stdout into device frames, converts and encodes
// them, and delivers chunks and metering samples until the process exits or
// the stream closes. first is the already-read opening frame.
func (st *stream) readLoop(r io.Reader, first []byte) {
	defer st.wg.Done()
	defer close(st.chunks)
	defer close(st.samples)

	// Samples per channel the encoder expects for one chunk.
	frameSize := encoderSampleRate * int(st.chunkDur/time.Millisecond) / 1000

	var (
		seq        uint64
		ts         time.Duration
		sinceMeter int
		meterPCM   []int16
	)

	buf := first
	for {
		frame := st.conv.Convert(audio.Frame{
			Data:       buf,
			SampleRate: st.devRate,
			Channels:   st.devCh,
			Timestamp:  ts,
		})
		if len(frame.Data) > 0 {
			pcm := fitFrame(audio.BytesToInt16(frame.Data), frameSize*encoderChannels)

			pkt, err := st.enc.Encode(pcm, frameSize, len(pcm)*2)
			if err != nil {
				st.warnEncode.Do(func() {
					slog.Warn("opus encode failed, dropping frames", "error", err)
				})
			} else {
				select {
				case st.chunks <- capture.Chunk{Seq: seq, Data: pkt, Timestamp: ts}:
					seq++
				case <-st.done:
					return
				}
			}

			meterPCM = append(meterPCM, pcm...)
			sinceMeter++
			if sinceMeter >= st.meterEvery {
				out := make([]int16, len(meterPCM))
				copy(out, meterPCM)
				// Metering is best-effort: drop rather than stall capture.
				select {
				case st.samples <- capture.Sample{PCM: out, Timestamp: ts}:
				default:
				}
				meterPCM = meterPCM[:0]
				sinceMeter = 0
			}
		}

		ts += st.chunkDur
		if _, err := io.ReadFull(r, buf); err != nil {
			// EOF on process exit or kill; the closed channels signal the end.
			return
		}
	}
}

// fitFrame pads or trims pcm to exactly n samples. The Opus encoder rejects
// any other frame length, and resampling from odd device rates can be a few
// samples short.
func fitFrame(pcm []int16, n int) []int16 {
	if len(pcm) == n {
		return pcm
	}
	if len(pcm) > n {
		return pcm[:n]
	}
	out := make([]int16, n)
	copy(out, pcm)
	return out
}

// Ensure stream implements capture.Stream at compile time.
var _ capture.Stream = (*stream)(nil)
