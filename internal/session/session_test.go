package session

import (
	"errors"
	"fmt"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusNone, StatusRecording, true},
		{StatusNone, StatusPaused, false},
		{StatusNone, StatusNone, false},
		{StatusRecording, StatusPaused, true},
		{StatusRecording, StatusNone, true},
		{StatusRecording, StatusRecording, false},
		{StatusPaused, StatusRecording, true},
		{StatusPaused, StatusNone, true},
		{StatusPaused, StatusPaused, false},
		{Status("BROKEN"), StatusRecording, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain error) = %q, want empty", got)
	}
	if got := CodeOf(ErrEmptyRecording); got != "EMPTY_RECORDING" {
		t.Errorf("CodeOf(ErrEmptyRecording) = %q", got)
	}

	wrapped := fmt.Errorf("stop: %w", ErrMicrophoneBusy)
	if got := CodeOf(wrapped); got != "MICROPHONE_BUSY" {
		t.Errorf("CodeOf(wrapped) = %q", got)
	}
	if !errors.Is(wrapped, ErrMicrophoneBusy) {
		t.Error("wrapped engine errors should match with errors.Is")
	}
}
