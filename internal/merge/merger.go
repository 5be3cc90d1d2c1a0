// Package merge combines the segments of an interrupted recording into one
// playable file. Segments produced by the capture pipeline share the same
// ADTS framing, so the preferred strategy is a raw byte concatenation; when
// the framing check fails the merger falls back to re-encoding through
// ffmpeg. Either way the result only replaces the original file after it has
// been verified, and the final duration is always probed from the merged
// output rather than summed from the inputs.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/voicecapture/internal/adts"
)

// copyBufferSize bounds the memory used while streaming file contents.
const copyBufferSize = 16 * 1024

// DefaultTimeout bounds a merge including its re-encode fallback. Long
// recordings re-encode at many times real speed, so minutes of audio still
// finish well inside it.
const DefaultTimeout = 3 * time.Minute

// DurationProber reports a media file's audio duration.
type DurationProber interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Options configures a Merger.
type Options struct {
	FFmpegPath string        // defaults to "ffmpeg"
	Bitrate    string        // re-encode bitrate, defaults to "96k"
	Timeout    time.Duration // bound for one Merge call, defaults to DefaultTimeout
	Prober     DurationProber
}

// Outcome describes a successful merge.
type Outcome struct {
	FinalPath string
	Duration  time.Duration
	Consumed  []string // segment files superseded by the merged output
	Reencoded bool     // true when the fallback strategy produced the output
}

// Merger merges recording segments into their original file.
type Merger struct {
	ffmpeg  string
	bitrate string
	timeout time.Duration
	prober  DurationProber
}

// New returns a Merger. Options.Prober is required.
func New(opts Options) *Merger {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Bitrate == "" {
		opts.Bitrate = "96k"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Merger{
		ffmpeg:  opts.FFmpegPath,
		bitrate: opts.Bitrate,
		timeout: opts.Timeout,
		prober:  opts.Prober,
	}
}

// Merge combines originalPath and segmentPaths into originalPath. The inputs
// are left untouched on every failure path; deleting consumed segments is the
// caller's job, to be done only after it has also cleared its bookkeeping.
func (m *Merger) Merge(ctx context.Context, originalPath string, segmentPaths []string) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	segments := dedupe(segmentPaths)
	consumed := append([]string(nil), segments...)

	// A missing or empty original is bootstrapped from the earliest segment.
	// Copy rather than move, so a failed merge can be retried from scratch.
	if !usableFile(originalPath) {
		promoted := -1
		for i, seg := range segments {
			if usableFile(seg) {
				promoted = i
				break
			}
		}
		if promoted == -1 {
			return nil, fmt.Errorf("nothing to merge: neither %s nor any segment exists", originalPath)
		}
		if err := copyFile(segments[promoted], originalPath); err != nil {
			return nil, fmt.Errorf("promoting segment to original: %w", err)
		}
		slog.Debug("Promoted first segment to original", "segment", segments[promoted], "original", originalPath)
		segments = segments[promoted+1:]
	}

	// Drop segments that vanished or are empty. A previous partially
	// completed merge can legitimately leave such entries behind.
	candidates := []string{originalPath}
	for _, seg := range segments {
		if !usableFile(seg) {
			slog.Debug("Skipping unusable segment", "path", seg)
			continue
		}
		candidates = append(candidates, seg)
	}

	if len(candidates) > 1 {
		outcome, err := m.concatRaw(ctx, originalPath, candidates)
		if err == nil {
			outcome.Consumed = consumed
			return outcome, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("merge timed out: %w", ctx.Err())
		}
		slog.Info("Raw concatenation not applicable, re-encoding", "reason", err)

		outcome, err = m.reencode(ctx, originalPath, candidates)
		if err != nil {
			return nil, err
		}
		outcome.Consumed = consumed
		return outcome, nil
	}

	// Zero remaining segments: the merge is a no-op, but the duration is
	// still probed from the file we are about to hand back.
	duration, err := m.prober.Duration(ctx, originalPath)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", originalPath, err)
	}
	return &Outcome{FinalPath: originalPath, Duration: duration, Consumed: consumed}, nil
}

// concatRaw is the fast path: verify every candidate starts with a
// compatible ADTS header, then stream the first file verbatim and append
// every later file minus its leading header. Any returned error means "fall
// back", never "data damaged": the output is built in a temp file and the
// original is only replaced after size and playability checks.
func (m *Merger) concatRaw(ctx context.Context, originalPath string, candidates []string) (*Outcome, error) {
	headers := make([]adts.Header, len(candidates))
	sizes := make([]int64, len(candidates))
	for i, path := range candidates {
		header, size, err := readLeadingHeader(path)
		if err != nil {
			return nil, fmt.Errorf("inspecting %s: %w", path, err)
		}
		if i > 0 && !header.Compatible(headers[0]) {
			return nil, fmt.Errorf("stream configuration of %s differs from %s", path, candidates[0])
		}
		headers[i] = header
		sizes[i] = size
	}

	tmpPath := filepath.Join(filepath.Dir(originalPath), ".merge_"+uuid.New().String()+".aac")
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating merge output: %w", err)
	}

	var want int64
	buf := make([]byte, copyBufferSize)
	for i, path := range candidates {
		skip := int64(0)
		if i > 0 {
			skip = int64(headers[i].Size())
		}
		if err := appendFile(out, path, skip, buf); err != nil {
			out.Close()
			os.Remove(tmpPath)
			return nil, err
		}
		want += sizes[i] - skip
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("closing merge output: %w", err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("checking merge output: %w", err)
	}
	if info.Size() != want {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("merge output is %d bytes, expected %d", info.Size(), want)
	}

	duration, err := m.prober.Duration(ctx, tmpPath)
	if err != nil || duration <= 0 {
		os.Remove(tmpPath)
		if err == nil {
			err = errors.New("zero duration")
		}
		return nil, fmt.Errorf("concatenated output failed validation: %w", err)
	}

	if err := os.Rename(tmpPath, originalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("replacing original: %w", err)
	}

	slog.Info("Merged segments by concatenation",
		"file", originalPath, "parts", len(candidates), "bytes", info.Size())
	return &Outcome{FinalPath: originalPath, Duration: duration}, nil
}

// reencode is the correctness-first fallback: decode all candidates, join
// them on the time axis and encode the result once.
func (m *Merger) reencode(ctx context.Context, originalPath string, candidates []string) (*Outcome, error) {
	tmpPath := filepath.Join(filepath.Dir(originalPath), ".merge_"+uuid.New().String()+".aac")

	args := make([]string, 0, 2*len(candidates)+10)
	for _, path := range candidates {
		args = append(args, "-i", path)
	}
	args = append(args,
		"-filter_complex", fmt.Sprintf("concat=n=%d:v=0:a=1", len(candidates)),
		"-c:a", "aac",
		"-b:a", m.bitrate,
		"-f", "adts",
		"-y",
		tmpPath,
	)

	cmd := exec.CommandContext(ctx, m.ffmpeg, args...)
	slog.Debug("Running FFmpeg for merge", "command", strings.Join(cmd.Args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("merge timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("FFmpeg merge failed: %w\nOutput: %s", err, tail(output))
	}

	duration, err := m.prober.Duration(ctx, tmpPath)
	if err != nil || duration <= 0 {
		os.Remove(tmpPath)
		if err == nil {
			err = errors.New("zero duration")
		}
		return nil, fmt.Errorf("re-encoded output failed validation: %w", err)
	}

	if err := os.Rename(tmpPath, originalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("replacing original: %w", err)
	}

	slog.Info("Merged segments by re-encoding", "file", originalPath, "parts", len(candidates))
	return &Outcome{FinalPath: originalPath, Duration: duration, Reencoded: true}, nil
}

// readLeadingHeader parses the ADTS header at the start of path and returns
// it together with the file's size.
func readLeadingHeader(path string) (adts.Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return adts.Header{}, 0, err
	}
	defer f.Close()

	buf := make([]byte, adts.HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return adts.Header{}, 0, fmt.Errorf("reading header: %w", err)
	}
	header, err := adts.ParseHeader(buf)
	if err != nil {
		return adts.Header{}, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return adts.Header{}, 0, err
	}
	return header, info.Size(), nil
}

// appendFile streams path into out, skipping the first skip bytes.
func appendFile(out *os.File, path string, skip int64, buf []byte) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer in.Close()

	if skip > 0 {
		if _, err := in.Seek(skip, io.SeekStart); err != nil {
			return fmt.Errorf("skipping header of %s: %w", path, err)
		}
	}
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return fmt.Errorf("appending %s: %w", path, err)
	}
	return nil
}

// copyFile copies src to dst through a bounded buffer.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// usableFile reports whether path exists and is non-empty.
func usableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// dedupe removes duplicate paths preserving first-seen order.
func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// tail trims subprocess output to its last few lines for error messages.
func tail(output []byte) string {
	const maxLines = 8
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
