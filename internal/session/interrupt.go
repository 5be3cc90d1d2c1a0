package session

import "log/slog"

// Timer is the cancellable handle returned by Deps.AfterFunc.
type Timer interface {
	Stop() bool
}

// HandleFocusChange feeds platform focus signals into the engine. Losing
// focus while recording pauses the session so another application can take
// the device; regaining focus schedules the bounded auto-resume attempts.
// Signals that do not apply to the current state are ignored.
func (e *Engine) HandleFocusChange(focused bool) {
	if focused {
		e.focusRegained()
	} else {
		e.focusLost()
	}
}

func (e *Engine) focusLost() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusRecording {
		// Losing focus again while an auto-resume is pending stops the
		// attempts until focus comes back.
		if e.status == StatusPaused && e.autoPaused {
			e.cancelResumeLocked()
		}
		return
	}
	if !e.device.CanPause() {
		slog.Warn("Focus lost but capture cannot pause on this platform")
		return
	}
	if err := e.device.Pause(); err != nil {
		slog.Warn("Auto-pause failed, recording keeps running", "err", err)
		return
	}
	e.autoPaused = true
	e.setStatusLocked(StatusPaused)
	slog.Info("Recording auto-paused on focus loss")
}

func (e *Engine) focusRegained() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusPaused || !e.autoPaused {
		return
	}
	e.cancelResumeLocked()
	e.scheduleResumeLocked(0)
}

// scheduleResumeLocked arms auto-resume attempt number attempt. The audio
// stack may need a moment to release the device after an interruption, so
// the delay doubles on every retry. Callers hold e.mu.
func (e *Engine) scheduleResumeLocked(attempt int) {
	if attempt >= e.cfg.ResumeAttempts {
		if attempt > 0 {
			slog.Warn("Auto-resume exhausted, session stays paused", "attempts", attempt)
		}
		return
	}
	delay := e.cfg.ResumeBaseDelay << attempt
	gen := e.resumeGen
	slog.Debug("Scheduling auto-resume", "attempt", attempt+1, "delay", delay)
	e.resumeTimer = e.deps.AfterFunc(delay, func() {
		e.attemptResume(gen, attempt)
	})
}

func (e *Engine) attemptResume(gen, attempt int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The session may have been stopped, resumed manually or re-paused
	// since this attempt was scheduled.
	if gen != e.resumeGen || e.status != StatusPaused || !e.autoPaused {
		return
	}
	if err := e.device.Resume(); err != nil {
		slog.Warn("Auto-resume attempt failed", "attempt", attempt+1, "err", err)
		e.scheduleResumeLocked(attempt + 1)
		return
	}
	e.autoPaused = false
	e.setStatusLocked(StatusRecording)
	slog.Info("Recording auto-resumed", "attempt", attempt+1)
}

// cancelResumeLocked invalidates any scheduled auto-resume attempt. Callers
// hold e.mu.
func (e *Engine) cancelResumeLocked() {
	e.resumeGen++
	if e.resumeTimer != nil {
		e.resumeTimer.Stop()
		e.resumeTimer = nil
	}
}
