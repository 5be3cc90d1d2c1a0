// Package session owns the recording lifecycle: the NONE/RECORDING/PAUSED
// state machine, the single-active-session invariant, interruption recovery
// and the merge-on-stop pipeline that turns captured segments into one
// playable file. The microphone, permission checks, duration probing and
// segment persistence are collaborators injected behind small interfaces.
package session

import (
	"context"
	"time"

	"github.com/audiolibrelab/voicecapture/internal/merge"
)

// Status is the authoritative state of the recording session.
type Status string

const (
	StatusNone      Status = "NONE"
	StatusRecording Status = "RECORDING"
	StatusPaused    Status = "PAUSED"
)

// CanTransition reports whether the state machine may move from one status
// to another. The zero transitions (same state to itself) are not edges;
// operations treat them as no-ops before consulting this table.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusNone:
		return to == StatusRecording
	case StatusRecording:
		return to == StatusPaused || to == StatusNone
	case StatusPaused:
		return to == StatusRecording || to == StatusNone
	default:
		return false
	}
}

// StatusChange is published to subscribers on every state transition.
type StatusChange struct {
	Previous Status    `json:"previous"`
	Current  Status    `json:"current"`
	At       time.Time `json:"at"`
}

// RecordData describes a recording handed back to the caller. Start and
// continue return it with MsDuration -1 (unknown until stop); stop and
// finalize return the probed duration of the final file.
type RecordData struct {
	FilePath   string `json:"filePath"`
	MimeType   string `json:"mimeType"`
	MsDuration int64  `json:"msDuration"`
}

// Info is the soft-failing answer of RecordingInfo.
type Info struct {
	Exists      bool   `json:"exists"`
	FilePath    string `json:"filePath"`
	MsDuration  int64  `json:"msDuration"`
	HasSegments bool   `json:"hasSegments"`
}

// StartOptions configure a new recording.
type StartOptions struct {
	// Directory is where the recording file is created: the identifier
	// DOCUMENTS (default), TEMPORARY or CACHE, or a concrete path.
	Directory string
}

// ContinueOptions configure the continuation of an existing recording.
type ContinueOptions struct {
	// FilePath is the recording being continued. file:// prefixes are
	// accepted.
	FilePath string
	// Directory is where the new segment is created, same semantics as
	// StartOptions.Directory.
	Directory string
}

// CaptureDevice is the platform capture primitive. One device instance
// covers one open/start/stop cycle writing a single segment file.
type CaptureDevice interface {
	Open(path string) error
	Start() error
	Pause() error
	Resume() error
	Stop() error
	CanPause() bool
	IsAvailable() bool
	Busy() bool
}

// PermissionOracle answers microphone permission questions.
type PermissionOracle interface {
	Granted() (bool, error)
	Request() (bool, error)
}

// DurationProber reports a media file's audio duration.
type DurationProber interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Merger combines an original file and its segments into one output.
type Merger interface {
	Merge(ctx context.Context, originalPath string, segmentPaths []string) (*merge.Outcome, error)
}

// SegmentStore durably tracks the pending segments of each recording.
type SegmentStore interface {
	Append(key, segmentPath string) error
	Load(key string) ([]string, error)
	Clear(key string) error
	Has(key string) (bool, error)
	LockKey(ctx context.Context, key string) (func(), error)
}
