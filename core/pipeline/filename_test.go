package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"AirbandBridge/core/channel"
	"AirbandBridge/core/envelope"
	"AirbandBridge/core/matrix"
	"AirbandBridge/model"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		path string
		freq int64
		at   time.Time
	}{
		{"/recordings/146145000_20240101_120000.mp3", 146145000, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"tower_20240101_120000_118500000.mp3", 118500000, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"rep_20231231_235959_146145000.wav", 146145000, time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC)},
		{"121500000.mp3", 121500000, time.Time{}},
		{"atis_121500000_20240101_120000.mp3", 121500000, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseFilename(tt.path)
		if err != nil {
			t.Errorf("ParseFilename(%q) error = %v", tt.path, err)
			continue
		}
		if got.FrequencyHz != tt.freq || !got.RecordedAt.Equal(tt.at) {
			t.Errorf("ParseFilename(%q) = %+v, want %d at %v", tt.path, got, tt.freq, tt.at)
		}
	}

	for _, bad := range []string{"recording.mp3", "tower_20240101_120000.mp3", "_.mp3", "0.mp3"} {
		_, err := ParseFilename(bad)
		var fe *FilenameParseError
		if !errors.As(err, &fe) {
			t.Errorf("ParseFilename(%q) error = %v, want *FilenameParseError", bad, err)
		}
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&channel.ConfigParseError{Reason: "x"}, "config_parse"},
		{&FilenameParseError{Path: "a.mp3"}, "filename_parse"},
		{fmt.Errorf("%w: 1 Hz", ErrUnknownChannel), "unknown_channel"},
		{&envelope.AudioDecodeError{Path: "a.mp3", Err: envelope.ErrTruncated}, "audio_decode"},
		{&matrix.RateLimitedError{}, "rate_limited"},
		{fmt.Errorf("publish: %w", &matrix.RemoteUnavailableError{Err: errors.New("eof")}), "remote_unavailable"},
		{&matrix.RemoteError{Status: 403}, "remote_rejected"},
		{context.Canceled, "cancelled"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestTrackerRingBuffer(t *testing.T) {
	tr := NewTracker(3)
	for i := 0; i < 5; i++ {
		tr.Observe(model.Transition{Path: fmt.Sprintf("f%d", i), To: model.RecordingSettling})
	}
	recent := tr.Recent(0)
	if len(recent) != 3 || recent[0].Path != "f4" || recent[2].Path != "f2" {
		t.Errorf("Recent() = %+v, want f4,f3,f2", recent)
	}
	if len(tr.InFlight()) != 5 {
		t.Errorf("InFlight() = %d, want 5", len(tr.InFlight()))
	}

	tr.Observe(model.Transition{Path: "f0", To: model.RecordingPublished})
	if _, ok := tr.InFlight()["f0"]; ok {
		t.Error("terminal file should leave the in-flight set")
	}
	if got := tr.Recent(1); len(got) != 1 || got[0].Path != "f0" {
		t.Errorf("Recent(1) = %+v", got)
	}
}

func TestTrackerKeepsProcessingState(t *testing.T) {
	tr := NewTracker(0)
	tr.Observe(model.Transition{Path: "f", From: model.RecordingSettled, To: model.RecordingProcessing})
	tr.Observe(model.Transition{Path: "f", From: model.RecordingSettling, To: model.RecordingSettled})
	tr.Observe(model.Transition{Path: "f", From: model.RecordingSettled, To: model.RecordingSkipped, Reason: "already in flight"})
	if got := tr.InFlight()["f"]; got != model.RecordingProcessing {
		t.Errorf("state = %q, want processing", got)
	}

	tr.Observe(model.Transition{Path: "f", From: model.RecordingProcessing, To: model.RecordingPublished})
	if n := len(tr.InFlight()); n != 0 {
		t.Errorf("InFlight() = %d entries, want 0", n)
	}
	if got := tr.Totals()[model.RecordingSkipped]; got != 1 {
		t.Errorf("skipped total = %d, want 1", got)
	}
}
