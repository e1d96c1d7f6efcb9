package transcode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"novacast-live/internal/models"
)

// EncodeSpec describes one rendition encode.
type EncodeSpec struct {
	JobID     string
	Input     string
	OutputDir string
	Profile   models.RenditionProfile
	// SegmentSeconds is the HLS segment target duration.
	SegmentSeconds int
	// PlaylistLength bounds the live playlist; older segments are deleted.
	PlaylistLength int
	// SourceDuration, when known, lets the runner derive percent progress.
	// Zero means unknown (live input) and progress events carry -1.
	SourceDuration time.Duration
}

// Handle controls a running encode.
type Handle interface {
	// Stop terminates the subprocess. The exit is still reported through
	// Done and Err.
	Stop()
	Done() <-chan struct{}
	Err() error
}

// Runner starts encodes. The ffmpeg implementation shells out; tests use a
// stub.
type Runner interface {
	Start(ctx context.Context, spec EncodeSpec, progress func(percent int)) (Handle, error)
}

// FFmpegRunner launches ffmpeg subprocesses and parses their progress
// reports.
type FFmpegRunner struct {
	// Binary defaults to "ffmpeg".
	Binary string
	Logger *slog.Logger
}

func (r *FFmpegRunner) binary() string {
	if r != nil && strings.TrimSpace(r.Binary) != "" {
		return r.Binary
	}
	return "ffmpeg"
}

func (r *FFmpegRunner) logger() *slog.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// buildEncodeArgs maps a rendition profile onto ffmpeg flags. -progress must
// stay a global option ahead of the input so pipe:1 is not read as a second
// output.
func buildEncodeArgs(spec EncodeSpec, playlistPath string) []string {
	args := []string{
		"-hide_banner",
		"-nostats",
		"-progress", "pipe:1",
		"-y",
		"-i", spec.Input,
		"-vf", fmt.Sprintf("scale=%d:%d", spec.Profile.Width, spec.Profile.Height),
		"-c:v", "libx264",
		"-b:v", fmt.Sprintf("%dk", spec.Profile.VideoBitrateKbps),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", spec.Profile.AudioBitrateKbps),
	}
	if spec.Profile.FrameRate > 0 {
		args = append(args, "-r", strconv.FormatFloat(spec.Profile.FrameRate, 'f', -1, 64))
	}
	segment := spec.SegmentSeconds
	if segment <= 0 {
		segment = 4
	}
	length := spec.PlaylistLength
	if length <= 0 {
		length = 6
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segment),
		"-hls_list_size", strconv.Itoa(length),
		"-hls_flags", "delete_segments+program_date_time",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(spec.OutputDir, "segment_%06d.ts")),
		playlistPath,
	)
	return args
}

func (r *FFmpegRunner) Start(ctx context.Context, spec EncodeSpec, progress func(percent int)) (Handle, error) {
	if strings.TrimSpace(spec.Input) == "" {
		return nil, fmt.Errorf("encode input is required")
	}
	absDir, err := filepath.Abs(spec.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare output dir: %w", err)
	}
	spec.OutputDir = absDir
	playlistPath := filepath.ToSlash(filepath.Join(absDir, renditionPlaylistName))

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, r.binary(), buildEncodeArgs(spec, playlistPath)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("progress pipe: %w", err)
	}
	cmd.Stderr = newLogWriter(r.logger(), spec.JobID)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	handle := &ffmpegHandle{cancel: cancel, done: make(chan struct{})}
	parsed := make(chan struct{})
	go func() {
		defer close(parsed)
		parseProgress(stdout, spec.SourceDuration, progress)
	}()
	go func() {
		// Wait closes the stdout pipe, so the progress reader must drain
		// first or the final reports are lost.
		<-parsed
		err := cmd.Wait()
		if err != nil {
			r.logger().Warn("ffmpeg exited with error", "job_id", spec.JobID, "error", err)
		} else {
			r.logger().Info("ffmpeg completed", "job_id", spec.JobID)
		}
		handle.err = err
		cancel()
		close(handle.done)
	}()
	return handle, nil
}

type ffmpegHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *ffmpegHandle) Stop() {
	h.cancel()
}

func (h *ffmpegHandle) Done() <-chan struct{} {
	return h.done
}

func (h *ffmpegHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// parseProgress reads ffmpeg -progress key/value output and reports percent
// completion against the source duration. Unknown durations report -1 so the
// caller can skip intermediate persistence.
func parseProgress(r io.Reader, sourceDuration time.Duration, report func(percent int)) {
	if report == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "out_time_us=") {
			continue
		}
		if sourceDuration <= 0 {
			report(-1)
			continue
		}
		us, err := strconv.ParseInt(strings.TrimPrefix(line, "out_time_us="), 10, 64)
		if err != nil || us < 0 {
			continue
		}
		percent := int(time.Duration(us) * time.Microsecond * 100 / sourceDuration)
		if percent > 100 {
			percent = 100
		}
		report(percent)
	}
}

type logWriter struct {
	logger *slog.Logger
	jobID  string
}

func newLogWriter(logger *slog.Logger, jobID string) *logWriter {
	return &logWriter{logger: logger, jobID: jobID}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg", "job_id", w.jobID, "line", string(line))
	}
	return total, nil
}
