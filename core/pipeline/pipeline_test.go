package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"AirbandBridge/core/channel"
	"AirbandBridge/core/envelope"
	"AirbandBridge/core/matrix"
	"AirbandBridge/core/retry"
	"AirbandBridge/model"
)

type fakeExtractor struct {
	durations map[string]int64
	err       error
}

func (f *fakeExtractor) Extract(path string) (*model.Envelope, error) {
	if f.err != nil {
		return nil, &envelope.AudioDecodeError{Path: path, Err: f.err}
	}
	return &model.Envelope{DurationMs: f.durations[filepath.Base(path)], Samples: []float64{0.2, 1, 0.4}}, nil
}

func (f *fakeExtractor) MimeType(string) string { return "audio/mpeg" }

type fakeResolver struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, ch model.Channel) (*model.Destination, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &model.Destination{Channel: ch, RemoteID: "!" + model.FrequencyLabel(ch.FrequencyHz) + ":example.org"}, nil
}

type fakePublisher struct {
	mu         sync.Mutex
	uploadErrs []error
	sendErrs   []error
	uploads    int
	sends      []matrix.VoiceMessage
	rooms      []string

	// 非 nil 时上传开始后通知 started，并阻塞到 release 关闭
	started chan struct{}
	release chan struct{}
}

func (f *fakePublisher) UploadMedia(_ context.Context, data []byte, _, _ string) (string, error) {
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		return "", err
	}
	return "mxc://example.org/m1", nil
}

func (f *fakePublisher) SendVoiceMessage(_ context.Context, roomID string, msg matrix.VoiceMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, msg)
	f.rooms = append(f.rooms, roomID)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return "", err
	}
	return "$event1", nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeArchiver) Archive(_ context.Context, _ int64, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	return nil
}

type harness struct {
	dir       string
	extractor *fakeExtractor
	resolver  *fakeResolver
	publisher *fakePublisher
	archiver  *fakeArchiver
	tracker   *Tracker
	pipeline  *Pipeline
}

func newHarness(t *testing.T, cfg Config, channels ...model.Channel) *harness {
	t.Helper()
	if len(channels) == 0 {
		channels = []model.Channel{{FrequencyHz: 146145000, Label: "146.145MHz", Enabled: true}}
	}
	h := &harness{
		dir:       t.TempDir(),
		extractor: &fakeExtractor{durations: map[string]int64{}},
		resolver:  &fakeResolver{},
		publisher: &fakePublisher{},
		archiver:  &fakeArchiver{},
		tracker:   NewTracker(0),
	}
	cfg.Retry = retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	h.pipeline = New(cfg, Deps{
		Channels:  channel.NewRegistry(channels),
		Extractor: h.extractor,
		Resolver:  h.resolver,
		Publisher: h.publisher,
		Archiver:  h.archiver,
	})
	h.pipeline.AddObserver(h.tracker)
	return h
}

func (h *harness) recording(t *testing.T, name string, durationMs int64) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, []byte("ID3 audio bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	h.extractor.durations[name] = durationMs
	return path
}

func (h *harness) process(path string) {
	h.pipeline.Submit(context.Background(), path)
	h.pipeline.Wait()
}

func (h *harness) final(t *testing.T, path string) model.Transition {
	t.Helper()
	for _, tr := range h.tracker.Recent(0) {
		if tr.Path == path && tr.To.Terminal() {
			return tr
		}
	}
	t.Fatalf("no terminal transition for %s", path)
	return model.Transition{}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPublishedAndDeleted(t *testing.T) {
	h := newHarness(t, Config{DeleteAfterUpload: true, SkipDisabled: true})
	path := h.recording(t, "146145000_20240101_120000.mp3", 3000)

	h.process(path)

	tr := h.final(t, path)
	if tr.To != model.RecordingPublished {
		t.Fatalf("final state = %s (%s), want published", tr.To, tr.Error)
	}
	if tr.FrequencyHz != 146145000 || tr.DurationMs != 3000 || tr.EventID != "$event1" {
		t.Errorf("transition = %+v", tr)
	}
	if h.resolver.calls != 1 || h.publisher.uploads != 1 || len(h.publisher.sends) != 1 {
		t.Errorf("resolve=%d upload=%d send=%d, want 1 each", h.resolver.calls, h.publisher.uploads, len(h.publisher.sends))
	}
	msg := h.publisher.sends[0]
	if len(msg.Waveform) == 0 || msg.DurationMs != 3000 || msg.MediaURI != "mxc://example.org/m1" {
		t.Errorf("voice message = %+v", msg)
	}
	if h.publisher.rooms[0] != "!146.145MHz:example.org" {
		t.Errorf("room = %s", h.publisher.rooms[0])
	}
	if exists(path) {
		t.Error("published file should be deleted")
	}
	if len(h.archiver.paths) != 1 {
		t.Error("published file should be archived before deletion")
	}
}

func TestShortRecordingSkippedWithoutRemoteCalls(t *testing.T) {
	h := newHarness(t, Config{MinDuration: 2000 * time.Millisecond, DeleteAfterUpload: true})
	path := h.recording(t, "146145000_20240101_120000.mp3", 800)

	h.process(path)

	if tr := h.final(t, path); tr.To != model.RecordingSkipped {
		t.Fatalf("final state = %s, want skipped", tr.To)
	}
	if h.resolver.calls != 0 || h.publisher.uploads != 0 || len(h.publisher.sends) != 0 {
		t.Error("skipped recording must not touch the remote")
	}
	if !exists(path) {
		t.Error("skipped file should stay when DeleteSkipped is false")
	}
}

func TestDisabledChannelSkipped(t *testing.T) {
	disabled := model.Channel{FrequencyHz: 146145000, Label: "146.145MHz", Enabled: false}
	h := newHarness(t, Config{SkipDisabled: true, DeleteSkipped: true}, disabled)
	path := h.recording(t, "146145000_20240101_120000.mp3", 3000)

	h.process(path)

	if tr := h.final(t, path); tr.To != model.RecordingSkipped {
		t.Fatalf("final state = %s, want skipped", tr.To)
	}
	if h.resolver.calls != 0 {
		t.Errorf("resolver calls = %d, want 0", h.resolver.calls)
	}
	if exists(path) {
		t.Error("skipped file should be deleted when DeleteSkipped is true")
	}
}

func TestDisabledChannelPublishedWhenNotSkipping(t *testing.T) {
	disabled := model.Channel{FrequencyHz: 146145000, Label: "146.145MHz", Enabled: false}
	h := newHarness(t, Config{SkipDisabled: false}, disabled)
	path := h.recording(t, "146145000_20240101_120000.mp3", 3000)

	h.process(path)

	if tr := h.final(t, path); tr.To != model.RecordingPublished {
		t.Fatalf("final state = %s, want published", tr.To)
	}
	if !exists(path) {
		t.Error("file should stay when DeleteAfterUpload is false")
	}
}

func TestRateLimitedUploadRetried(t *testing.T) {
	h := newHarness(t, Config{DeleteAfterUpload: true})
	limited := &matrix.RateLimitedError{Op: "upload media", RetryAfter: time.Millisecond}
	h.publisher.uploadErrs = []error{limited, limited}
	path := h.recording(t, "146145000_20240101_120000.mp3", 3000)

	h.process(path)

	tr := h.final(t, path)
	if tr.To != model.RecordingPublished {
		t.Fatalf("final state = %s (%s), want published", tr.To, tr.Error)
	}
	if h.publisher.uploads != 3 {
		t.Errorf("upload attempts = %d, want 3", h.publisher.uploads)
	}
	if tr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", tr.Attempts)
	}
}

func TestSendRetryReusesTxnAndMedia(t *testing.T) {
	h := newHarness(t, Config{})
	h.publisher.sendErrs = []error{&matrix.RemoteUnavailableError{Op: "send message", Err: errors.New("timeout")}}
	path := h.recording(t, "146145000_20240101_120000.mp3", 3000)

	h.process(path)

	if tr := h.final(t, path); tr.To != model.RecordingPublished {
		t.Fatalf("final state = %s, want published", tr.To)
	}
	if h.publisher.uploads != 1 {
		t.Errorf("uploads = %d, want 1", h.publisher.uploads)
	}
	sends := h.publisher.sends
	if len(sends) != 2 || sends[0].TxnID == "" || sends[0].TxnID != sends[1].TxnID {
		t.Errorf("sends = %+v, want two sends sharing one txn id", sends)
	}
}

func TestFailuresLeaveFile(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		setup    func(h *harness)
		wantKind string
	}{
		{
			name: "permanent remote error",
			file: "146145000_20240101_120000.mp3",
			setup: func(h *harness) {
				h.publisher.sendErrs = []error{&matrix.RemoteError{Op: "send message", Status: 403, Code: "M_FORBIDDEN"}}
			},
			wantKind: "remote_rejected",
		},
		{
			name:     "unknown channel",
			file:     "999000000_20240101_120000.mp3",
			wantKind: "unknown_channel",
		},
		{
			name:     "unparseable name",
			file:     "recording_final.mp3",
			wantKind: "filename_parse",
		},
		{
			name:     "decode error",
			file:     "146145000_20240101_120000.mp3",
			setup:    func(h *harness) { h.extractor.err = errors.New("bad frame") },
			wantKind: "audio_decode",
		},
		{
			name: "retry budget exhausted",
			file: "146145000_20240101_120000.mp3",
			setup: func(h *harness) {
				for i := 0; i < 5; i++ {
					h.publisher.uploadErrs = append(h.publisher.uploadErrs, &matrix.RemoteUnavailableError{Op: "upload media", Status: 503})
				}
			},
			wantKind: "remote_unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{DeleteAfterUpload: true})
			if tt.setup != nil {
				tt.setup(h)
			}
			path := h.recording(t, tt.file, 3000)

			h.process(path)

			tr := h.final(t, path)
			if tr.To != model.RecordingFailed {
				t.Fatalf("final state = %s, want failed", tr.To)
			}
			if tr.ErrorKind != tt.wantKind {
				t.Errorf("ErrorKind = %q, want %q", tr.ErrorKind, tt.wantKind)
			}
			if !exists(path) {
				t.Error("failed file must be left in place")
			}

			// 同一次运行中未变化的失败文件不再接纳
			if h.pipeline.Submit(context.Background(), path) {
				t.Error("unchanged failed file was re-admitted")
			}
			if tr := h.tracker.Recent(1)[0]; tr.To != model.RecordingSkipped || tr.Reason != "failed earlier and unchanged" {
				t.Errorf("latest transition = %s %q, want skipped for unchanged failure", tr.To, tr.Reason)
			}
		})
	}
}

func TestFailedFileReadmittedAfterChange(t *testing.T) {
	h := newHarness(t, Config{})
	h.publisher.sendErrs = []error{&matrix.RemoteError{Op: "send message", Status: 403, Code: "M_FORBIDDEN"}}
	path := h.recording(t, "146145000_20240101_120000.mp3", 3000)
	h.process(path)

	if err := os.WriteFile(path, []byte("rewritten with more audio"), 0644); err != nil {
		t.Fatal(err)
	}
	if !h.pipeline.Submit(context.Background(), path) {
		t.Fatal("changed file should be re-admitted")
	}
	h.pipeline.Wait()
	if tr := h.tracker.Recent(1)[0]; tr.To != model.RecordingPublished {
		t.Errorf("final state = %s, want published", tr.To)
	}
}

func TestSubmitWhileInFlightIgnored(t *testing.T) {
	h := newHarness(t, Config{DeleteAfterUpload: true})
	h.publisher.started = make(chan struct{}, 1)
	h.publisher.release = make(chan struct{})
	path := h.recording(t, "146145000_20240101_120000.mp3", 3000)

	if !h.pipeline.Submit(context.Background(), path) {
		t.Fatal("first submit rejected")
	}
	select {
	case <-h.publisher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	// 上传进行中，同一路径再次写完
	h.pipeline.Report(model.Transition{Path: path, From: model.RecordingSettling, To: model.RecordingSettled})
	second := h.pipeline.Submit(context.Background(), path)
	if second {
		t.Error("second submit accepted while first is in flight")
	}
	if got := h.tracker.InFlight()[path]; got != model.RecordingProcessing {
		t.Errorf("in-flight state = %q, want processing", got)
	}

	close(h.publisher.release)
	h.pipeline.Wait()

	if h.publisher.uploads != 1 || len(h.publisher.sends) != 1 {
		t.Errorf("upload=%d send=%d, want 1 each", h.publisher.uploads, len(h.publisher.sends))
	}
	if tr := h.tracker.Recent(1)[0]; tr.To != model.RecordingPublished {
		t.Errorf("final state = %s, want published", tr.To)
	}
	var skipped bool
	for _, tr := range h.tracker.Recent(0) {
		if tr.Path == path && tr.To == model.RecordingSkipped && tr.Reason == "already in flight" {
			skipped = true
		}
	}
	if !skipped {
		t.Error("rejected submit should be recorded as skipped")
	}
	if n := len(h.tracker.InFlight()); n != 0 {
		t.Errorf("%d files still in flight", n)
	}
}

func TestVanishedFileCancelled(t *testing.T) {
	h := newHarness(t, Config{})
	path := filepath.Join(h.dir, "146145000_20240101_120000.mp3")

	h.process(path)

	if tr := h.final(t, path); tr.To != model.RecordingCancelled {
		t.Fatalf("final state = %s, want cancelled", tr.To)
	}
	if h.publisher.uploads != 0 {
		t.Error("cancelled file must not be uploaded")
	}
}

func TestRunDrainsSettledChannel(t *testing.T) {
	h := newHarness(t, Config{DeleteAfterUpload: true, MaxConcurrent: 2})
	settled := make(chan string, 4)
	var paths []string
	for _, name := range []string{
		"146145000_20240101_120000.mp3",
		"146145000_20240101_120100.mp3",
		"tower_20240101_120200_146145000.mp3",
	} {
		p := h.recording(t, name, 1500)
		paths = append(paths, p)
		settled <- p
	}
	close(settled)

	if err := h.pipeline.Run(context.Background(), settled); err != nil {
		t.Fatal(err)
	}
	h.pipeline.Wait()

	for _, p := range paths {
		if tr := h.final(t, p); tr.To != model.RecordingPublished {
			t.Errorf("%s final state = %s, want published", filepath.Base(p), tr.To)
		}
	}
	if totals := h.tracker.Totals(); totals[model.RecordingPublished] != 3 {
		t.Errorf("published total = %d, want 3", totals[model.RecordingPublished])
	}
	if len(h.tracker.InFlight()) != 0 {
		t.Error("no file should remain in flight")
	}
}
