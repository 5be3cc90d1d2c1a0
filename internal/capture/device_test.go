package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBoundedBuffer_KeepsTail(t *testing.T) {
	b := &boundedBuffer{max: 10}

	if _, err := b.Write([]byte("abcdef")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := b.String(); got != "abcdef" {
		t.Errorf("Expected full content below limit, got %q", got)
	}

	if _, err := b.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := b.String(); got != "0123456789" {
		t.Errorf("Expected only the tail, got %q", got)
	}
	if len(b.String()) > 10 {
		t.Errorf("Buffer exceeded its bound: %d bytes", len(b.String()))
	}
}

func TestIsBusyOutput(t *testing.T) {
	busy := []string{
		"[alsa @ 0x5590] cannot open audio device default (Device or resource busy)",
		"ALSA lib pcm_dmix.c: unable to open slave: Resource busy",
		"Input device is in use by another application",
	}
	for _, line := range busy {
		if !isBusyOutput(line) {
			t.Errorf("Expected busy classification for %q", line)
		}
	}

	notBusy := []string{
		"",
		"Connection refused",
		"No such file or directory",
	}
	for _, line := range notBusy {
		if isBusyOutput(line) {
			t.Errorf("Did not expect busy classification for %q", line)
		}
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one\ntwo\nthree"); got != "one" {
		t.Errorf("Expected first line, got %q", got)
	}
	if got := firstLine("  solo  "); got != "solo" {
		t.Errorf("Expected trimmed line, got %q", got)
	}
	if got := firstLine(""); got != "no diagnostic output" {
		t.Errorf("Expected placeholder for empty output, got %q", got)
	}
}

func TestOptionsDefaults(t *testing.T) {
	var opts Options
	opts.applyDefaults()

	if opts.FFmpegPath != "ffmpeg" {
		t.Errorf("Expected default ffmpeg path, got %s", opts.FFmpegPath)
	}
	if opts.Backend != "auto" {
		t.Errorf("Expected auto backend, got %s", opts.Backend)
	}
	if opts.Device != "default" {
		t.Errorf("Expected default device, got %s", opts.Device)
	}
	if opts.SampleRate != 44100 || opts.Bitrate != "96k" || opts.Channels != 1 {
		t.Errorf("Unexpected audio defaults: %+v", opts)
	}
}

func TestOpen_BuildsEncoderCommand(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "nested", "seg.aac")

	d := NewDevice(Options{Backend: "alsa", Device: "hw:1", SampleRate: 48000, Channels: 2})
	if err := d.Open(outPath); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	joined := strings.Join(d.cmd.Args, " ")
	for _, want := range []string{"-f alsa", "-i hw:1", "-ar 48000", "-ac 2", "-c:a aac", "-f adts", outPath} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected command to contain %q, got: %s", want, joined)
		}
	}

	// Open must have created the parent directory for the segment.
	if _, err := os.Stat(filepath.Dir(outPath)); err != nil {
		t.Errorf("Expected output directory to exist: %v", err)
	}

	if err := d.Open(outPath); err == nil {
		t.Error("Expected error for double Open")
	}
}

func TestStop_WithoutOpenIsNoOp(t *testing.T) {
	d := NewDevice(Options{})
	if err := d.Stop(); err != nil {
		t.Errorf("Expected nil stopping an unopened device, got: %v", err)
	}
}

func TestPause_WithoutStartFails(t *testing.T) {
	d := NewDevice(Options{Backend: "alsa"})
	if err := d.Pause(); err == nil {
		t.Error("Expected error pausing a device that is not recording")
	}
	if err := d.Resume(); err == nil {
		t.Error("Expected error resuming a device that is not recording")
	}
}

func TestPermissions_NoDevices(t *testing.T) {
	p := &Permissions{devDir: t.TempDir()}
	if _, err := p.Granted(); err == nil {
		t.Error("Expected query failure for a machine without sound devices")
	}

	p = &Permissions{devDir: filepath.Join(t.TempDir(), "does-not-exist")}
	if _, err := p.Granted(); err == nil {
		t.Error("Expected query failure for a missing device directory")
	}
}

func TestPermissions_ReadableDeviceNode(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "controlC0"), []byte{0}, 0644); err != nil {
		t.Fatalf("Fixture setup failed: %v", err)
	}

	p := &Permissions{devDir: dir}
	granted, err := p.Granted()
	if err != nil {
		t.Fatalf("Granted failed: %v", err)
	}
	if !granted {
		t.Error("Expected granted=true for readable device node")
	}

	granted, err = p.Request()
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if !granted {
		t.Error("Expected request to succeed where access is already granted")
	}
}
