package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/merge"
	"github.com/audiolibrelab/voicecapture/internal/probe"
	"github.com/audiolibrelab/voicecapture/internal/segments"
)

const mimeTypeAAC = "audio/aac"

// subscriberBuffer is the per-subscriber event queue; a subscriber that
// falls further behind loses events rather than blocking transitions.
const subscriberBuffer = 8

// Config holds the engine's tunables.
type Config struct {
	// OutputDir receives recordings addressed with the DOCUMENTS
	// identifier (the default).
	OutputDir string
	// CacheDir receives recordings addressed with TEMPORARY or CACHE and
	// serves as the fallback when another directory cannot be created.
	CacheDir string
	// LockTimeout bounds waiting for another merge on the same recording.
	LockTimeout time.Duration
	// ResumeAttempts and ResumeBaseDelay shape the auto-resume backoff
	// after an interruption: attempt n waits ResumeBaseDelay * 2^n.
	// Zero attempts disables auto-resume.
	ResumeAttempts  int
	ResumeBaseDelay time.Duration
}

// Deps are the engine's collaborators. All but AfterFunc are required.
type Deps struct {
	// NewDevice builds the capture primitive for one session.
	NewDevice   func() CaptureDevice
	Permissions PermissionOracle
	Prober      DurationProber
	Merger      Merger
	Store       SegmentStore
	// AfterFunc schedules delayed work, defaulting to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Engine coordinates at most one recording session process-wide and
// implements every operation of the public recording API. All methods are
// safe for concurrent use.
type Engine struct {
	cfg  Config
	deps Deps

	mu          sync.Mutex
	status      Status
	device      CaptureDevice
	current     string // segment file the capture is writing now
	original    string // recording being continued; empty for a fresh one
	autoPaused  bool
	resumeGen   int
	resumeTimer Timer

	subMu   sync.Mutex
	subs    map[int]chan StatusChange
	nextSub int
}

// New validates cfg and deps and returns an idle engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.NewDevice == nil:
		return nil, errors.New("session: device factory is required")
	case deps.Permissions == nil:
		return nil, errors.New("session: permission oracle is required")
	case deps.Prober == nil:
		return nil, errors.New("session: duration prober is required")
	case deps.Merger == nil:
		return nil, errors.New("session: merger is required")
	case deps.Store == nil:
		return nil, errors.New("session: segment store is required")
	}
	if deps.AfterFunc == nil {
		deps.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("session: output directory is required")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "voicecapture")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.ResumeAttempts < 0 {
		cfg.ResumeAttempts = 0
	}
	if cfg.ResumeBaseDelay <= 0 {
		cfg.ResumeBaseDelay = 500 * time.Millisecond
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		status: StatusNone,
		subs:   make(map[int]chan StatusChange),
	}, nil
}

// CanRecord reports whether the capture primitive could be brought up at
// all on this machine.
func (e *Engine) CanRecord() bool {
	return e.deps.NewDevice().IsAvailable()
}

// HasPermission reports whether microphone access is currently granted.
func (e *Engine) HasPermission() (bool, error) {
	granted, err := e.deps.Permissions.Granted()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPermissionQuery, err)
	}
	return granted, nil
}

// RequestPermission asks the platform for microphone access and reports the
// resulting grant.
func (e *Engine) RequestPermission() (bool, error) {
	granted, err := e.deps.Permissions.Request()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPermissionQuery, err)
	}
	return granted, nil
}

// CurrentStatus returns the session state.
func (e *Engine) CurrentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Subscribe registers a status observer. The returned cancel function must
// be called when the observer goes away. Delivery never blocks the state
// machine; a subscriber that stops draining its channel misses events.
func (e *Engine) Subscribe() (<-chan StatusChange, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan StatusChange, subscriberBuffer)
	e.subs[id] = ch

	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

// Start begins a fresh recording into a newly allocated file.
func (e *Engine) Start(opts StartOptions) (*RecordData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusNone {
		return nil, ErrAlreadyRecording
	}
	if err := e.checkPermission(); err != nil {
		return nil, err
	}

	device := e.deps.NewDevice()
	if !device.IsAvailable() {
		return nil, ErrCannotRecord
	}
	if device.Busy() {
		return nil, ErrMicrophoneBusy
	}

	dir, err := e.resolveDirectory(opts.Directory)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToRecord, err)
	}
	path := filepath.Join(dir, newSegmentName())

	if err := e.openAndStart(device, path); err != nil {
		return nil, err
	}

	e.device = device
	e.current = path
	e.original = ""
	e.setStatusLocked(StatusRecording)

	return &RecordData{FilePath: path, MimeType: mimeTypeAAC, MsDuration: -1}, nil
}

// Continue resumes work on an existing recording by capturing a new segment
// tracked under the recording's key. Any segments still pending from an
// earlier interrupted run are merged into the original first, so the chain
// never grows across repeated continuations.
func (e *Engine) Continue(opts ContinueOptions) (*RecordData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusNone {
		return nil, ErrAlreadyRecording
	}
	if err := e.checkPermission(); err != nil {
		return nil, err
	}

	original := cleanPath(opts.FilePath)
	if original == "" {
		return nil, errors.New("continue: missing file path")
	}

	key := segments.KeyFor(original)
	pending, err := e.deps.Store.Has(key)
	if err != nil {
		return nil, fmt.Errorf("continue: %w", err)
	}
	if pending {
		if _, err := e.mergeAndClear(original); err != nil {
			return nil, fmt.Errorf("continue: merging pending segments: %w", err)
		}
	}

	device := e.deps.NewDevice()
	if !device.IsAvailable() {
		return nil, ErrCannotRecord
	}
	if device.Busy() {
		return nil, ErrMicrophoneBusy
	}

	dir, err := e.resolveDirectory(opts.Directory)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToRecord, err)
	}
	segPath := filepath.Join(dir, newSegmentName())

	// Track the segment before capture begins so a crash mid-capture can
	// still find it at finalize. If the capture never starts, the file
	// stays missing or empty and the store prunes the entry on next load.
	if err := e.deps.Store.Append(key, segPath); err != nil {
		return nil, fmt.Errorf("continue: persisting segment: %w", err)
	}

	if err := e.openAndStart(device, segPath); err != nil {
		return nil, err
	}

	e.device = device
	e.current = segPath
	e.original = original
	e.setStatusLocked(StatusRecording)

	return &RecordData{FilePath: segPath, MimeType: mimeTypeAAC, MsDuration: -1}, nil
}

// Stop ends the session, merges pending segments when the session was a
// continuation, and returns the final file with its probed duration. The
// session slot is released immediately, before the merge, so concurrent
// calls fail fast instead of queueing behind it.
func (e *Engine) Stop() (*RecordData, error) {
	e.mu.Lock()
	if e.status == StatusNone {
		e.mu.Unlock()
		return nil, ErrNotStarted
	}
	device := e.device
	current, original := e.current, e.original
	e.resetSessionLocked()
	e.mu.Unlock()

	if err := device.Stop(); err != nil {
		slog.Warn("Capture stop reported an error", "err", err)
	}

	if original != "" {
		outcome, err := e.mergeAndClear(original)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToFetch, err)
		}
		return e.checkedResult(outcome.FinalPath, outcome.Duration)
	}

	duration, err := e.deps.Prober.Duration(context.Background(), current)
	if err != nil {
		if errors.Is(err, probe.ErrUnplayable) {
			os.Remove(current)
			return nil, ErrEmptyRecording
		}
		return nil, fmt.Errorf("%w: %v", ErrFailedToFetch, err)
	}
	return e.checkedResult(current, duration)
}

// Pause suspends an active recording. Pausing a paused session is a no-op
// reporting false.
func (e *Engine) Pause() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case StatusNone:
		return false, ErrNotStarted
	case StatusPaused:
		return false, nil
	}
	if !e.device.CanPause() {
		return false, ErrNotSupportedOS
	}
	if err := e.device.Pause(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrFailedToRecord, err)
	}
	e.autoPaused = false
	e.cancelResumeLocked()
	e.setStatusLocked(StatusPaused)
	return true, nil
}

// Resume continues a paused recording. Resuming an active session is a
// no-op reporting false. A manual resume supersedes any scheduled
// auto-resume attempts.
func (e *Engine) Resume() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case StatusNone:
		return false, ErrNotStarted
	case StatusRecording:
		return false, nil
	}
	if !e.device.CanPause() {
		return false, ErrNotSupportedOS
	}
	if err := e.device.Resume(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrFailedToRecord, err)
	}
	e.autoPaused = false
	e.cancelResumeLocked()
	e.setStatusLocked(StatusRecording)
	return true, nil
}

// RecordingInfo inspects a recording's on-disk state without touching the
// active session. It fails softly: a malformed or absent path reports
// Exists false instead of an error, so callers can poll cheaply.
func (e *Engine) RecordingInfo(path string) *Info {
	resolved := cleanPath(path)
	if resolved == "" {
		return &Info{}
	}

	info := &Info{FilePath: resolved}
	if has, err := e.deps.Store.Has(segments.KeyFor(resolved)); err == nil {
		info.HasSegments = has
	} else {
		slog.Debug("Segment lookup failed", "file", resolved, "err", err)
	}

	st, err := os.Stat(resolved)
	if err != nil || st.Size() == 0 {
		return info
	}
	info.Exists = true

	if d, err := e.deps.Prober.Duration(context.Background(), resolved); err == nil {
		info.MsDuration = d.Milliseconds()
	} else {
		slog.Debug("Probe failed", "file", resolved, "err", err)
	}
	return info
}

// Finalize merges any segments pending for the recording at path without
// requiring an active session: it rehydrates purely from the segment store,
// so it works after a crash or while another recording is running. With
// nothing pending it cheaply returns the file's probed duration, making the
// call idempotent.
func (e *Engine) Finalize(path string) (*RecordData, error) {
	resolved := cleanPath(path)
	if resolved == "" {
		return nil, errors.New("finalize: missing file path")
	}

	outcome, err := e.mergeAndClear(resolved)
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	return &RecordData{
		FilePath:   outcome.FinalPath,
		MimeType:   mimeTypeAAC,
		MsDuration: outcome.Duration.Milliseconds(),
	}, nil
}

// mergeAndClear runs the per-key critical section: load pending segments,
// merge them into original, and only after a verified result delete the
// consumed segment files and drop the store entry.
func (e *Engine) mergeAndClear(original string) (*merge.Outcome, error) {
	key := segments.KeyFor(original)

	lockCtx, cancel := context.WithTimeout(context.Background(), e.cfg.LockTimeout)
	defer cancel()
	unlock, err := e.deps.Store.LockKey(lockCtx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	segs, err := e.deps.Store.Load(key)
	if err != nil {
		return nil, err
	}

	outcome, err := e.deps.Merger.Merge(context.Background(), original, segs)
	if err != nil {
		return nil, err
	}

	for _, consumed := range outcome.Consumed {
		if consumed == outcome.FinalPath {
			continue
		}
		if err := os.Remove(consumed); err != nil && !os.IsNotExist(err) {
			slog.Warn("Could not delete merged segment", "file", consumed, "err", err)
		}
	}
	if err := e.deps.Store.Clear(key); err != nil {
		slog.Warn("Could not clear segment entry", "key", key, "err", err)
	}
	return outcome, nil
}

// checkedResult applies the empty-recording contract of stop: a final file
// holding no audio is deleted and reported as empty, never handed back.
func (e *Engine) checkedResult(path string, duration time.Duration) (*RecordData, error) {
	if duration <= 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Could not delete empty recording", "file", path, "err", err)
		}
		return nil, ErrEmptyRecording
	}
	return &RecordData{FilePath: path, MimeType: mimeTypeAAC, MsDuration: duration.Milliseconds()}, nil
}

// openAndStart brings the capture device up on path, classifying failures
// into the public error kinds.
func (e *Engine) openAndStart(device CaptureDevice, path string) error {
	if err := device.Open(path); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToRecord, err)
	}
	if err := device.Start(); err != nil {
		if errors.Is(err, capture.ErrBusy) {
			return fmt.Errorf("%w: %v", ErrMicrophoneBusy, err)
		}
		return fmt.Errorf("%w: %v", ErrFailedToRecord, err)
	}
	return nil
}

func (e *Engine) checkPermission() error {
	granted, err := e.deps.Permissions.Granted()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingPermission, err)
	}
	if !granted {
		return ErrMissingPermission
	}
	return nil
}

// resolveDirectory maps a directory option to a usable path, creating it if
// needed. When creation fails the cache directory serves as the fallback.
func (e *Engine) resolveDirectory(directory string) (string, error) {
	var dir string
	switch strings.ToUpper(directory) {
	case "", "DOCUMENTS":
		dir = e.cfg.OutputDir
	case "TEMPORARY", "CACHE":
		dir = e.cfg.CacheDir
	default:
		if filepath.IsAbs(directory) {
			dir = directory
		} else {
			dir = filepath.Join(e.cfg.OutputDir, directory)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		if dir != e.cfg.CacheDir {
			if fallbackErr := os.MkdirAll(e.cfg.CacheDir, 0755); fallbackErr == nil {
				slog.Warn("Falling back to cache directory", "wanted", dir, "err", err)
				return e.cfg.CacheDir, nil
			}
		}
		return "", fmt.Errorf("creating recording directory: %w", err)
	}
	return dir, nil
}

// setStatusLocked transitions the state machine and publishes the change.
// Callers hold e.mu and have validated the transition.
func (e *Engine) setStatusLocked(to Status) {
	if e.status == to {
		return
	}
	if !CanTransition(e.status, to) {
		slog.Warn("Illegal status transition", "from", e.status, "to", to)
	}
	change := StatusChange{Previous: e.status, Current: to, At: time.Now()}
	e.status = to
	slog.Info("Recording status changed", "from", change.Previous, "to", change.Current)
	e.publish(change)
}

func (e *Engine) publish(change StatusChange) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- change:
		default:
			slog.Debug("Dropping status event for slow subscriber")
		}
	}
}

// resetSessionLocked returns the engine to NONE and clears every
// per-session field. Callers hold e.mu.
func (e *Engine) resetSessionLocked() {
	e.cancelResumeLocked()
	e.device = nil
	e.current = ""
	e.original = ""
	e.autoPaused = false
	e.setStatusLocked(StatusNone)
}

func newSegmentName() string {
	return "voice_record_" + uuid.New().String() + ".aac"
}

// cleanPath normalizes a caller-supplied file path, tolerating file:// URI
// prefixes.
func cleanPath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "file://")
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}
