// Package probe inspects media files with ffprobe. The engine never trusts a
// segment's self-reported length; every final duration comes from probing the
// file that ends up on disk.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// DefaultTimeout bounds a single ffprobe invocation.
const DefaultTimeout = 30 * time.Second

// ErrUnplayable is returned when ffprobe ran but found no decodable audio in
// the file. Callers treat this as "the recording is empty or corrupt", not as
// a probing failure.
var ErrUnplayable = errors.New("probe: no decodable audio stream")

// FFprobe probes files by shelling out to the ffprobe binary.
type FFprobe struct {
	binary  string
	timeout time.Duration
}

// New returns a prober using the given ffprobe binary. Empty binary and zero
// timeout fall back to defaults.
func New(binary string, timeout time.Duration) *FFprobe {
	if binary == "" {
		binary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &FFprobe{binary: binary, timeout: timeout}
}

// Duration returns the audio duration of the file at path. A zero duration
// with nil error means the file decodes but contains no audio worth keeping;
// ErrUnplayable means ffprobe could not make sense of the file at all.
func (p *FFprobe) Duration(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("probing %s: %w", path, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// ffprobe ran and rejected the file
			return 0, ErrUnplayable
		}
		return 0, fmt.Errorf("running ffprobe: %w", err)
	}

	return parseDuration(output)
}

// parseDuration extracts the audio duration from ffprobe JSON output,
// preferring the audio stream's own duration over the container estimate.
func parseDuration(output []byte) (time.Duration, error) {
	var result struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
			Duration  string `json:"duration"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return 0, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	hasAudio := false
	for _, stream := range result.Streams {
		if stream.CodecType != "audio" {
			continue
		}
		hasAudio = true
		if d, ok := parseSeconds(stream.Duration); ok {
			return d, nil
		}
	}
	if d, ok := parseSeconds(result.Format.Duration); ok && hasAudio {
		return d, nil
	}
	if !hasAudio {
		return 0, ErrUnplayable
	}
	return 0, nil
}

func parseSeconds(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}
