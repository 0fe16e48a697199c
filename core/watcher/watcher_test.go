package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"AirbandBridge/model"
)

const (
	testQuiet = 150 * time.Millisecond
	testPoll  = 20 * time.Millisecond
)

type transitions struct {
	mu  sync.Mutex
	all []model.Transition
}

func (r *transitions) add(t model.Transition) {
	r.mu.Lock()
	r.all = append(r.all, t)
	r.mu.Unlock()
}

func (r *transitions) count(path string, to model.RecordingState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.all {
		if t.Path == path && t.To == to {
			n++
		}
	}
	return n
}

func startWatcher(t *testing.T, dir string) (*Watcher, *transitions) {
	t.Helper()
	w := New(Config{
		Dir:          dir,
		Extensions:   []string{".mp3", ".wav"},
		QuietPeriod:  testQuiet,
		PollInterval: testPoll,
	})
	rec := &transitions{}
	w.OnTransition(rec.add)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
	return w, rec
}

// collect 读取 d 时间内所有 settled 路径
func collect(w *Watcher, d time.Duration) []string {
	var got []string
	deadline := time.After(d)
	for {
		select {
		case p, ok := <-w.Settled():
			if !ok {
				return got
			}
			got = append(got, p)
		case <-deadline:
			return got
		}
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestStartupScanSettlesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "146145000_20240101_120000.mp3")
	b := filepath.Join(dir, "118500000_20240101_120500.wav")
	writeFile(t, a, []byte("abc"))
	writeFile(t, b, []byte("defg"))
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("ignored"))

	w, _ := startWatcher(t, dir)
	got := collect(w, 5*testQuiet)
	if len(got) != 2 {
		t.Fatalf("settled = %v, want both recordings", got)
	}
	seen := map[string]bool{got[0]: true, got[1]: true}
	if !seen[a] || !seen[b] {
		t.Errorf("settled = %v, want %s and %s", got, a, b)
	}
}

func TestGrowingFileDoesNotSettle(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)
	path := filepath.Join(dir, "146145000_20240101_120000.mp3")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	stop := time.Now().Add(4 * testQuiet)
	for time.Now().Before(stop) {
		if _, err := f.Write([]byte("frame")); err != nil {
			t.Fatal(err)
		}
		select {
		case p := <-w.Settled():
			t.Fatalf("%s settled while still growing", p)
		case <-time.After(testQuiet / 3):
		}
	}
	f.Close()

	got := collect(w, 4*testQuiet)
	if len(got) != 1 || got[0] != path {
		t.Errorf("settled = %v, want exactly [%s]", got, path)
	}
}

func TestStableFileSettlesOnce(t *testing.T) {
	dir := t.TempDir()
	w, rec := startWatcher(t, dir)
	path := filepath.Join(dir, "146145000_20240101_120000.mp3")
	writeFile(t, path, []byte("recording"))

	got := collect(w, 4*testQuiet)
	if len(got) != 1 {
		t.Fatalf("settled = %v, want one", got)
	}

	// 权限变化不改变大小与修改时间，不应再次发出
	if err := os.Chmod(path, 0600); err != nil {
		t.Fatal(err)
	}
	if again := collect(w, 4*testQuiet); len(again) != 0 {
		t.Errorf("unchanged file settled again: %v", again)
	}
	if n := rec.count(path, model.RecordingSettled); n != 1 {
		t.Errorf("settled transitions = %d, want 1", n)
	}
}

func TestRemovedFileIsCancelledSilently(t *testing.T) {
	dir := t.TempDir()
	w, rec := startWatcher(t, dir)
	path := filepath.Join(dir, "146145000_20240101_120000.mp3")
	writeFile(t, path, []byte("short"))
	time.Sleep(testQuiet / 3)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	if got := collect(w, 4*testQuiet); len(got) != 0 {
		t.Errorf("settled = %v, want none", got)
	}
	if n := rec.count(path, model.RecordingCancelled); n != 1 {
		t.Errorf("cancelled transitions = %d, want 1", n)
	}
}

func TestEmptyFileNeverSettles(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)
	writeFile(t, filepath.Join(dir, "146145000_20240101_120000.mp3"), nil)

	if got := collect(w, 5*testQuiet); len(got) != 0 {
		t.Errorf("settled = %v, want none for empty file", got)
	}
}

func TestTempFileRenameSettles(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)
	tmp := filepath.Join(dir, "tower_20240101_120000_118500000.mp3.tmp")
	final := filepath.Join(dir, "tower_20240101_120000_118500000.mp3")
	writeFile(t, tmp, []byte("partial"))
	if err := os.Rename(tmp, final); err != nil {
		t.Fatal(err)
	}

	got := collect(w, 4*testQuiet)
	if len(got) != 1 || got[0] != final {
		t.Errorf("settled = %v, want [%s]", got, final)
	}
}

func TestRewrittenFileIsNewRecording(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)
	path := filepath.Join(dir, "146145000_20240101_120000.mp3")
	writeFile(t, path, []byte("first"))
	if got := collect(w, 4*testQuiet); len(got) != 1 {
		t.Fatalf("settled = %v, want one", got)
	}

	writeFile(t, path, []byte("second take, longer"))
	if got := collect(w, 4*testQuiet); len(got) != 1 {
		t.Errorf("rewritten file settled %d times, want 1", len(got))
	}
}
