// Package server exposes the recording engine over a small JSON HTTP API so
// a host application (or curl) can drive the session remotely. Every error
// carries the engine's stable code, so clients branch on codes rather than
// message text.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/voicecapture/internal/config"
	"github.com/audiolibrelab/voicecapture/internal/session"
)

// Recorder is the engine surface the HTTP API exposes.
type Recorder interface {
	CanRecord() bool
	HasPermission() (bool, error)
	RequestPermission() (bool, error)
	Start(opts session.StartOptions) (*session.RecordData, error)
	Continue(opts session.ContinueOptions) (*session.RecordData, error)
	Stop() (*session.RecordData, error)
	Pause() (bool, error)
	Resume() (bool, error)
	CurrentStatus() session.Status
	RecordingInfo(path string) *session.Info
	Finalize(path string) (*session.RecordData, error)
	HandleFocusChange(focused bool)
	Subscribe() (<-chan session.StatusChange, func())
}

// Server serves the recording control API.
type Server struct {
	recorder Recorder
	cfg      *config.Config
	mux      *http.ServeMux
}

// New wires the API routes around recorder.
func New(recorder Recorder, cfg *config.Config) *Server {
	s := &Server{recorder: recorder, cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the wired route handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("Recording API listening",
		"addr", srv.Addr,
		"url", fmt.Sprintf("http://%s", srv.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/record/start", s.handleStart)
	s.mux.HandleFunc("POST /api/record/continue", s.handleContinue)
	s.mux.HandleFunc("POST /api/record/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/record/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/record/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/record/finalize", s.handleFinalize)
	s.mux.HandleFunc("GET /api/record/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/record/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/record/info", s.handleInfo)
	s.mux.HandleFunc("GET /api/can-record", s.handleCanRecord)
	s.mux.HandleFunc("GET /api/permission", s.handlePermission)
	s.mux.HandleFunc("POST /api/permission/request", s.handlePermissionRequest)
	s.mux.HandleFunc("POST /api/focus", s.handleFocus)
	s.mux.HandleFunc("GET /api/recordings", s.handleRecordings)
	s.mux.HandleFunc("GET /api/recordings/{name}", s.handleRecordingDownload)
}

type startRequest struct {
	Directory string `json:"directory"`
}

type continueRequest struct {
	FilePath  string `json:"filePath"`
	Directory string `json:"directory"`
}

type finalizeRequest struct {
	FilePath string `json:"filePath"`
}

type focusRequest struct {
	Focused bool `json:"focused"`
}

// StatusResponse reports the session state.
type StatusResponse struct {
	Status session.Status `json:"status"`
}

// ToggleResponse reports the outcome of pause and resume calls.
type ToggleResponse struct {
	Changed bool           `json:"changed"`
	Status  session.Status `json:"status"`
}

// ErrorResponse is the error shape of every endpoint. Code holds the
// engine's stable error code when the failure came from the engine.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// FileInfo describes one finished recording in the output directory.
type FileInfo struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	SizeHuman   string    `json:"size_human"`
	ModTime     time.Time `json:"mod_time"`
	DownloadURL string    `json:"download_url"`
}

// FilesResponse lists the finished recordings.
type FilesResponse struct {
	Files           []FileInfo `json:"files"`
	TotalCount      int        `json:"total_count"`
	OutputDirectory string     `json:"output_directory"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}

	data, err := s.recorder.Start(session.StartOptions{Directory: req.Directory})
	if err != nil {
		s.writeError(w, err, "operation", "start")
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if req.FilePath == "" {
		s.writeBadRequest(w, fmt.Errorf("filePath is required"))
		return
	}

	data, err := s.recorder.Continue(session.ContinueOptions{FilePath: req.FilePath, Directory: req.Directory})
	if err != nil {
		s.writeError(w, err, "operation", "continue", "file", req.FilePath)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	data, err := s.recorder.Stop()
	if err != nil {
		s.writeError(w, err, "operation", "stop")
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	changed, err := s.recorder.Pause()
	if err != nil {
		s.writeError(w, err, "operation", "pause")
		return
	}
	s.writeJSON(w, http.StatusOK, ToggleResponse{Changed: changed, Status: s.recorder.CurrentStatus()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	changed, err := s.recorder.Resume()
	if err != nil {
		s.writeError(w, err, "operation", "resume")
		return
	}
	s.writeJSON(w, http.StatusOK, ToggleResponse{Changed: changed, Status: s.recorder.CurrentStatus()})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if req.FilePath == "" {
		s.writeBadRequest(w, fmt.Errorf("filePath is required"))
		return
	}

	data, err := s.recorder.Finalize(req.FilePath)
	if err != nil {
		s.writeError(w, err, "operation", "finalize", "file", req.FilePath)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: s.recorder.CurrentStatus()})
}

// handleEvents streams status transitions as server-sent events until the
// client disconnects, so a host application sees automatic pauses without
// polling. The first event is a snapshot of the current status, with
// previous equal to current.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	changes, unsubscribe := s.recorder.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	current := s.recorder.CurrentStatus()
	if err := writeEvent(w, session.StatusChange{Previous: current, Current: current, At: time.Now()}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case change, open := <-changes:
			if !open {
				return
			}
			if err := writeEvent(w, change); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, change session.StatusChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		s.writeBadRequest(w, fmt.Errorf("file query parameter is required"))
		return
	}
	// RecordingInfo fails soft, so unknown files still answer 200 with
	// Exists=false.
	s.writeJSON(w, http.StatusOK, s.recorder.RecordingInfo(file))
}

func (s *Server) handleCanRecord(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"canRecord": s.recorder.CanRecord()})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	granted, err := s.recorder.HasPermission()
	if err != nil {
		s.writeError(w, err, "operation", "permission_status")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

func (s *Server) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	granted, err := s.recorder.RequestPermission()
	if err != nil {
		s.writeError(w, err, "operation", "permission_request")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req focusRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}

	s.recorder.HandleFocusChange(req.Focused)
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: s.recorder.CurrentStatus()})
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	outputDir := s.cfg.Output.Directory

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeJSON(w, http.StatusOK, FilesResponse{Files: []FileInfo{}, OutputDirectory: outputDir})
			return
		}
		s.writeError(w, fmt.Errorf("reading output directory: %w", err), "dir", outputDir)
		return
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".aac") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("Could not stat recording", "file", entry.Name(), "err", err)
			continue
		}
		files = append(files, FileInfo{
			Name:        entry.Name(),
			Size:        info.Size(),
			SizeHuman:   formatBytes(info.Size()),
			ModTime:     info.ModTime(),
			DownloadURL: "/api/recordings/" + entry.Name(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	s.writeJSON(w, http.StatusOK, FilesResponse{
		Files:           files,
		TotalCount:      len(files),
		OutputDirectory: outputDir,
	})
}

func (s *Server) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}

	// Prevent path traversal.
	if strings.Contains(name, "..") || strings.Contains(name, "/") || strings.Contains(name, "\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	path := filepath.Join(s.cfg.Output.Directory, name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}

	file, err := os.Open(path)
	if err != nil {
		http.Error(w, "Error opening file", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "audio/aac")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encoding response failed", "err", err)
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

// writeError logs err with its context pairs and answers with the HTTP
// status and stable code derived from the engine error kind.
func (s *Server) writeError(w http.ResponseWriter, err error, logArgs ...any) {
	args := append([]any{"err", err}, logArgs...)
	slog.Error("Request failed", args...)

	s.writeJSON(w, statusForError(err), ErrorResponse{
		Error: err.Error(),
		Code:  session.CodeOf(err),
	})
}

func statusForError(err error) int {
	switch session.CodeOf(err) {
	case "MISSING_PERMISSION":
		return http.StatusForbidden
	case "ALREADY_RECORDING", "MICROPHONE_BUSY", "DEVICE_CANNOT_RECORD", "RECORDING_HAS_NOT_STARTED":
		return http.StatusConflict
	case "EMPTY_RECORDING":
		return http.StatusUnprocessableEntity
	case "NOT_SUPPORTED_OS_VERSION":
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// formatBytes formats bytes in human readable form.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
