// Package ffmpeg implements the audio device interfaces on top of the ffmpeg
// and ffplay command line tools.
//
// [Capture] runs ffmpeg against the platform's default input (PulseAudio on
// Linux, AVFoundation on macOS) and reads raw s16le PCM from its stdout.
// [Output] starts ffplay reading raw PCM from stdin and drives it through a
// [mixer.Scheduler], which provides the playback clock.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*Capture)(nil)
	_ audio.OutputDevice  = (*Output)(nil)
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is an [audio.CaptureDevice] backed by an ffmpeg process.
type Capture struct {
	// Binary overrides the ffmpeg executable. Defaults to "ffmpeg".
	Binary string

	// Device names the input. Empty selects the platform default.
	Device string
}

// Open starts ffmpeg and waits, bounded by ctx, until the first sample
// arrives. Failures that happen before that are classified as
// [audio.ErrPermissionDenied] or [audio.ErrDeviceUnavailable].
func (c *Capture) Open(ctx context.Context, format audio.Format) (audio.CaptureStream, error) {
	bin := orDefault(c.Binary, "ffmpeg")
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s not found in PATH", audio.ErrDeviceUnavailable, bin)
	}
	args, err := captureArgs(runtime.GOOS, c.Device, format)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: start: %v", audio.ErrDeviceUnavailable, err)
	}

	s := &captureStream{cmd: cmd, stdout: stdout}

	type probe struct {
		head []byte
		err  error
	}
	first := make(chan probe, 1)
	go func() {
		head := make([]byte, 2)
		_, err := io.ReadFull(stdout, head)
		first <- probe{head: head, err: err}
	}()

	select {
	case r := <-first:
		if r.err != nil {
			_ = s.Close()
			return nil, classify(stderr.String(), r.err)
		}
		s.reader = io.MultiReader(bytes.NewReader(r.head), stdout)
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

// captureArgs builds the ffmpeg argument list for goos.
func captureArgs(goos, device string, format audio.Format) ([]string, error) {
	var input []string
	switch goos {
	case "linux":
		input = []string{"-f", "pulse", "-i", orDefault(device, "default")}
	case "darwin":
		input = []string{"-f", "avfoundation", "-i", orDefault(device, ":0")}
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le", "-",
	)
	return args, nil
}

// classify maps an early ffmpeg failure to a device sentinel.
func classify(stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "not authorized") {
		return fmt.Errorf("ffmpeg: %w: %s", audio.ErrPermissionDenied, lastLine(msg))
	}
	return fmt.Errorf("ffmpeg: %w: %s", audio.ErrDeviceUnavailable, lastLine(msg))
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// captureStream reads s16le PCM from a running ffmpeg.
type captureStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader io.Reader

	raw       []byte
	closeOnce sync.Once
}

// Read fills dst with decoded samples.
func (s *captureStream) Read(dst []float32) (int, error) {
	need := len(dst) * 2
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]
	if _, err := io.ReadFull(s.reader, raw); err != nil {
		return 0, fmt.Errorf("ffmpeg: read: %w", err)
	}
	buf := audio.DecodePCM16(raw, audio.InputSampleRate, 1)
	return copy(dst, buf.Samples), nil
}

// Close kills ffmpeg and reaps it.
func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}

// ─── Output ──────────────────────────────────────────────────────────────────

// Output is an [audio.OutputDevice] backed by an ffplay process.
type Output struct {
	// Binary overrides the ffplay executable. Defaults to "ffplay".
	Binary string
}

// Open starts ffplay and returns a scheduler writing into its stdin.
func (o *Output) Open(format audio.Format) (audio.OutputContext, error) {
	bin := orDefault(o.Binary, "ffplay")
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("ffplay: %w: %s not found in PATH", audio.ErrDeviceUnavailable, bin)
	}
	cmd := exec.Command(bin, playerArgs(format)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffplay: stdin pipe: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffplay: %w: start: %v", audio.ErrDeviceUnavailable, err)
	}

	reap := func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		var exitErr *exec.ExitError
		if err := cmd.Wait(); err != nil && !errors.As(err, &exitErr) {
			return fmt.Errorf("ffplay: wait: %w", err)
		}
		return nil
	}
	return mixer.New(stdin, format, mixer.WithCloser(reap)), nil
}

// playerArgs builds the ffplay argument list.
func playerArgs(format audio.Format) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-i", "pipe:0",
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
