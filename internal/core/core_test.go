package core

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"castor/internal/clients/notifications"
	"castor/internal/config"
	"castor/internal/database/models"
	"castor/internal/engine"
	"castor/internal/utils"
)

func testLogger() *utils.Logger {
	return utils.NewLogger(false, os.Stderr)
}

func TestMoveContentFile(t *testing.T) {
	from := t.TempDir()
	to := t.TempDir()

	src := filepath.Join(from, "movie.mkv")
	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatalf("Failed to write source file: %v", err)
	}

	dst, err := moveContent("movie.mkv", from, to, testLogger())
	if err != nil {
		t.Fatalf("moveContent failed: %v", err)
	}
	if dst != filepath.Join(to, "movie.mkv") {
		t.Errorf("Unexpected destination: %s", dst)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("Failed to read moved file: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("Moved content mismatch: %q", data)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("Source file should be gone after move")
	}
}

func TestMoveContentDirectory(t *testing.T) {
	from := t.TempDir()
	to := t.TempDir()

	srcDir := filepath.Join(from, "season-1")
	if err := os.MkdirAll(filepath.Join(srcDir, "extras"), 0755); err != nil {
		t.Fatalf("Failed to create source tree: %v", err)
	}
	files := map[string]string{
		"ep1.mkv":        "one",
		"extras/cut.mkv": "two",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(srcDir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	dst, err := moveContent("season-1", from, to, testLogger())
	if err != nil {
		t.Fatalf("moveContent failed: %v", err)
	}

	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatalf("Missing %s after move: %v", name, err)
		}
		if string(data) != content {
			t.Errorf("Content mismatch for %s: %q", name, data)
		}
	}
	if _, err := os.Stat(srcDir); !os.IsNotExist(err) {
		t.Error("Source directory should be gone after move")
	}
}

func TestMoveContentRefusesExistingDestination(t *testing.T) {
	from := t.TempDir()
	to := t.TempDir()

	if err := os.WriteFile(filepath.Join(from, "movie.mkv"), []byte("new"), 0644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	if err := os.WriteFile(filepath.Join(to, "movie.mkv"), []byte("old"), 0644); err != nil {
		t.Fatalf("Failed to write destination: %v", err)
	}

	if _, err := moveContent("movie.mkv", from, to, testLogger()); err == nil {
		t.Fatal("Expected error for existing destination")
	}
	data, _ := os.ReadFile(filepath.Join(to, "movie.mkv"))
	if string(data) != "old" {
		t.Error("Existing destination was overwritten")
	}
}

func TestMoveContentMissingSource(t *testing.T) {
	if _, err := moveContent("nope.mkv", t.TempDir(), t.TempDir(), testLogger()); err == nil {
		t.Fatal("Expected error for missing source")
	}
}

func TestMoveEligible(t *testing.T) {
	cases := []struct {
		name   string
		status engine.TransferStatus
		want   bool
	}{
		{"seeding complete", engine.TransferStatus{State: engine.StateSeeding, Progress: 1.0}, true},
		{"finished complete", engine.TransferStatus{State: engine.StateFinished, Progress: 1.0}, true},
		{"failed move stays eligible", engine.TransferStatus{
			State:       engine.StateError,
			Progress:    1.0,
			ErrorDetail: "move failed: destination already exists",
		}, true},
		{"errored mid-download", engine.TransferStatus{State: engine.StateError, Progress: 0.4}, false},
		{"still downloading", engine.TransferStatus{State: engine.StateDownloading, Progress: 0.9}, false},
		{"seeding below threshold", engine.TransferStatus{State: engine.StateSeeding, Progress: 0.99}, false},
	}
	for _, c := range cases {
		if got := moveEligible(c.status); got != c.want {
			t.Fatalf("%s: moveEligible = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestStatusesWithoutRecords(t *testing.T) {
	statuses := []engine.TransferStatus{{ID: "aaaa"}, {ID: "bbbb"}, {ID: "cccc"}}
	records := []models.TransferRecord{{Fingerprint: "bbbb"}}

	missing := statusesWithoutRecords(statuses, records)
	if len(missing) != 2 {
		t.Fatalf("expected 2 transfers without rows, got %d", len(missing))
	}
	if missing[0].ID != "aaaa" || missing[1].ID != "cccc" {
		t.Fatalf("unexpected missing set: %+v", missing)
	}

	if got := statusesWithoutRecords(nil, records); len(got) != 0 {
		t.Fatalf("expected empty set for no transfers, got %+v", got)
	}
	if got := statusesWithoutRecords(statuses, nil); len(got) != 3 {
		t.Fatalf("expected all transfers missing with empty table, got %d", len(got))
	}
}

type stubNotifier struct {
	err    error
	tested int
}

func (s *stubNotifier) NotifyTransferComplete(string, string) {}
func (s *stubNotifier) NotifyTransferError(string, string)    {}
func (s *stubNotifier) NotifyMoved(string, string)            {}
func (s *stubNotifier) Test() error {
	s.tested++
	return s.err
}

func TestTestNotifiers(t *testing.T) {
	m := &Manager{}
	if err := m.TestNotifiers(); err == nil {
		t.Fatal("expected error with no notifiers configured")
	}

	good := &stubNotifier{}
	m.notifiers = []notifications.Notifier{good}
	if err := m.TestNotifiers(); err != nil {
		t.Fatalf("TestNotifiers returned error: %v", err)
	}
	if good.tested != 1 {
		t.Fatalf("expected 1 test call, got %d", good.tested)
	}

	m.notifiers = append(m.notifiers, &stubNotifier{err: errors.New("bad key")})
	if err := m.TestNotifiers(); err == nil {
		t.Fatal("expected error from failing notifier")
	}
}

func TestSettingsSnapshotSwap(t *testing.T) {
	base := &config.Config{}
	base.Engine.CompletedPath = "/done"
	m := &Manager{config: base}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				next := *m.cfg()
				next.Engine.GlobalDLLimit = int64(i)
				m.storeCfg(&next)
			}
		}()
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if m.cfg().Engine.CompletedPath != "/done" {
					t.Error("snapshot lost settled fields")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestPerfMonitorBounded(t *testing.T) {
	p := newPerfMonitor(testLogger())
	p.max = 10

	for i := 0; i < 25; i++ {
		p.add(PerfSample{At: time.Now(), DownloadRate: int64(i)})
	}

	history := p.history()
	if len(history) != 10 {
		t.Fatalf("Expected 10 retained samples, got %d", len(history))
	}
	if history[0].DownloadRate != 15 {
		t.Errorf("Expected oldest retained sample 15, got %d", history[0].DownloadRate)
	}
	if history[9].DownloadRate != 24 {
		t.Errorf("Expected newest sample 24, got %d", history[9].DownloadRate)
	}
}

func TestPerfMonitorHistoryIsACopy(t *testing.T) {
	p := newPerfMonitor(testLogger())
	p.add(PerfSample{DownloadRate: 1})

	history := p.history()
	history[0].DownloadRate = 99

	if p.history()[0].DownloadRate != 1 {
		t.Error("history() should return a copy, not the backing slice")
	}
}
