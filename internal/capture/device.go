// Package capture provides the microphone capture primitive. Audio is
// captured by an ffmpeg child process encoding straight to AAC/ADTS on disk;
// pausing suspends the process, so a paused session costs nothing and the
// output file stays a valid frame sequence at all times.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrBusy is returned from Start when the input device is held exclusively
// by another process.
var ErrBusy = errors.New("capture: input device busy")

const (
	// startupTimeout bounds how long Start waits for ffmpeg to open the
	// input and create the output file.
	startupTimeout = 2 * time.Second
	startupPoll    = 50 * time.Millisecond

	// stopTimeout bounds the graceful-stop wait before the process is
	// killed outright.
	stopTimeout = 5 * time.Second

	stderrTailSize = 4 * 1024
)

// Options configure an ffmpeg capture device.
type Options struct {
	FFmpegPath string // defaults to "ffmpeg"
	Backend    string // "auto", "alsa" or "pulse"
	Device     string // input device name, defaults to "default"
	SampleRate int    // defaults to 44100
	Bitrate    string // defaults to "96k"
	Channels   int    // defaults to 1
}

func (o *Options) applyDefaults() {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.Backend == "" {
		o.Backend = "auto"
	}
	if o.Device == "" {
		o.Device = "default"
	}
	if o.SampleRate == 0 {
		o.SampleRate = 44100
	}
	if o.Bitrate == "" {
		o.Bitrate = "96k"
	}
	if o.Channels == 0 {
		o.Channels = 1
	}
}

// FFmpegDevice captures one segment per Open/Start/Stop cycle.
type FFmpegDevice struct {
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	path    string
	stderr  *boundedBuffer
	done    chan struct{}
	running bool
}

// NewDevice returns an unopened capture device.
func NewDevice(opts Options) *FFmpegDevice {
	opts.applyDefaults()
	return &FFmpegDevice{opts: opts}
}

// Open prepares a capture into the file at path. The process is not started
// until Start is called.
func (d *FFmpegDevice) Open(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return errors.New("capture: device already open")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	format, input := d.inputArgs()
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", format,
		"-i", input,
		"-ac", strconv.Itoa(d.opts.Channels),
		"-ar", strconv.Itoa(d.opts.SampleRate),
		"-c:a", "aac",
		"-b:a", d.opts.Bitrate,
		"-f", "adts",
		"-y",
		path,
	}

	d.stderr = &boundedBuffer{max: stderrTailSize}
	d.cmd = exec.Command(d.opts.FFmpegPath, args...)
	d.cmd.Stderr = d.stderr
	d.path = path
	d.done = make(chan struct{})
	d.running = false

	slog.Debug("Capture prepared", "command", strings.Join(d.cmd.Args, " "))
	return nil
}

// Start launches the capture process and waits, bounded, until it proves it
// is recording (the output file appears). A device held by another process
// surfaces as ErrBusy.
func (d *FFmpegDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return errors.New("capture: device not open")
	}
	if d.running {
		return errors.New("capture: already started")
	}

	if err := d.cmd.Start(); err != nil {
		d.reset()
		return fmt.Errorf("starting ffmpeg: %w", err)
	}
	cmd, done := d.cmd, d.done
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Debug("Capture process exited", "err", err)
		}
		close(done)
	}()

	deadline := time.Now().Add(startupTimeout)
	for {
		select {
		case <-d.done:
			// Process died before producing anything.
			tail := d.stderr.String()
			d.reset()
			if isBusyOutput(tail) {
				return ErrBusy
			}
			return fmt.Errorf("capture failed to start: %s", firstLine(tail))
		default:
		}

		if _, err := os.Stat(d.path); err == nil {
			d.running = true
			slog.Info("Capture started", "file", d.path, "pid", d.cmd.Process.Pid)
			return nil
		}
		if time.Now().After(deadline) {
			d.cmd.Process.Kill()
			<-d.done
			tail := d.stderr.String()
			d.reset()
			return fmt.Errorf("capture produced no output within %v: %s", startupTimeout, firstLine(tail))
		}
		time.Sleep(startupPoll)
	}
}

// Pause suspends the capture process. The output file keeps its last
// complete frame; captured audio up to this point is safe on disk.
func (d *FFmpegDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return errors.New("capture: not recording")
	}
	if err := d.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("suspending capture: %w", err)
	}
	slog.Debug("Capture suspended", "pid", d.cmd.Process.Pid)
	return nil
}

// Resume continues a paused capture.
func (d *FFmpegDevice) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return errors.New("capture: not recording")
	}
	if err := d.cmd.Process.Signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("resuming capture: %w", err)
	}
	slog.Debug("Capture resumed", "pid", d.cmd.Process.Pid)
	return nil
}

// Stop ends the capture, giving ffmpeg a chance to flush before being
// killed. Stopping an unopened device is a no-op.
func (d *FFmpegDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return nil
	}
	if d.cmd.Process == nil {
		d.reset()
		return nil
	}

	// A suspended process cannot handle the interrupt, wake it first.
	d.cmd.Process.Signal(syscall.SIGCONT)
	d.cmd.Process.Signal(os.Interrupt)

	select {
	case <-d.done:
	case <-time.After(stopTimeout):
		slog.Warn("Capture did not stop gracefully, killing", "pid", d.cmd.Process.Pid)
		d.cmd.Process.Kill()
		<-d.done
	}

	slog.Info("Capture stopped", "file", d.path)
	d.reset()
	return nil
}

// CanPause reports whether this platform supports suspending the capture
// process.
func (d *FFmpegDevice) CanPause() bool {
	return runtime.GOOS != "windows"
}

// IsAvailable reports whether a capture could plausibly be started: the
// ffmpeg binary resolves and the selected audio backend is reachable.
func (d *FFmpegDevice) IsAvailable() bool {
	if _, err := exec.LookPath(d.opts.FFmpegPath); err != nil {
		return false
	}
	switch d.backend() {
	case "pulse":
		if _, err := exec.LookPath("pactl"); err == nil {
			return true
		}
		return os.Getenv("PULSE_SERVER") != ""
	default:
		_, err := os.Stat("/dev/snd")
		return err == nil
	}
}

// Busy is a best-effort advisory check for another process holding the
// microphone. ALSA exposes running capture streams under /proc/asound; a
// shared server backend never blocks, so it always reports false there.
func (d *FFmpegDevice) Busy() bool {
	if d.backend() == "pulse" {
		return false
	}
	statuses, err := filepath.Glob("/proc/asound/card*/pcm*c/sub*/status")
	if err != nil {
		return false
	}
	for _, status := range statuses {
		data, err := os.ReadFile(status)
		if err != nil {
			continue
		}
		if strings.Contains(string(data), "state: RUNNING") {
			return true
		}
	}
	return false
}

// reset must be called with the mutex held.
func (d *FFmpegDevice) reset() {
	d.cmd = nil
	d.path = ""
	d.running = false
}

func (d *FFmpegDevice) backend() string {
	if d.opts.Backend != "auto" {
		return d.opts.Backend
	}
	if _, err := exec.LookPath("pactl"); err == nil {
		return "pulse"
	}
	return "alsa"
}

func (d *FFmpegDevice) inputArgs() (format, input string) {
	return d.backend(), d.opts.Device
}

func isBusyOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "device or resource busy") ||
		strings.Contains(lower, "resource busy") ||
		strings.Contains(lower, "in use")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "no diagnostic output"
	}
	return s
}

// boundedBuffer keeps the tail of what is written to it, so a chatty
// subprocess cannot grow memory without limit.
type boundedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
