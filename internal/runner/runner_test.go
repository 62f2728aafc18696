package runner

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/romanitalian/streamreel/internal/domain"
	"github.com/romanitalian/streamreel/internal/hls"
)

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestRunnerMP4HappyPath(t *testing.T) {
	body := strings.Repeat("m", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := New(dir, hls.New(srv.Client()), silentLogger())

	task := &domain.Task{ID: "task1", URL: srv.URL, Kind: domain.KindMP4, Status: domain.TaskStatusDownloading}

	var updates []domain.Task
	r.Run(context.Background(), task, func(tk *domain.Task) {
		updates = append(updates, tk.Snapshot())
	})

	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected Completed, got %s (err=%s)", task.Status, task.Error)
	}
	if task.Progress != 1.0 {
		t.Fatalf("expected progress 1.0, got %f", task.Progress)
	}

	data, err := os.ReadFile(task.SavePath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != body {
		t.Fatalf("artifact mismatch")
	}
	if len(updates) == 0 {
		t.Fatalf("expected at least one progress update")
	}
}

func TestRunnerHLSMediaPlaylistHappyPath(t *testing.T) {
	segments := map[string]string{
		"/a.ts": "segment-a-bytes",
		"/b.ts": "segment-b-bytes",
		"/c.ts": "segment-c-bytes",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stream.m3u8" {
			w.Write([]byte("#EXTM3U\na.ts\nb.ts\nc.ts\n"))
			return
		}
		if body, ok := segments[r.URL.Path]; ok {
			w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := New(dir, hls.New(srv.Client()), silentLogger())

	task := &domain.Task{ID: "task2", URL: srv.URL + "/stream.m3u8", Kind: domain.KindHLS, Status: domain.TaskStatusDownloading}

	r.Run(context.Background(), task, func(tk *domain.Task) {})

	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected Completed, got %s (err=%s)", task.Status, task.Error)
	}
	if task.TotalUnits != 3 || task.DownloadedUnits != 3 {
		t.Fatalf("expected 3 segments tracked, got total=%d downloaded=%d", task.TotalUnits, task.DownloadedUnits)
	}

	data, err := os.ReadFile(task.SavePath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	want := segments["/a.ts"] + segments["/b.ts"] + segments["/c.ts"]
	if string(data) != want {
		t.Fatalf("expected concatenated segments, got %q want %q", data, want)
	}

	if _, err := os.Stat(filepath.Join(dir, "task2_temp")); !os.IsNotExist(err) {
		t.Fatalf("expected temp dir to be removed")
	}
}

func TestRunnerHLSMasterSelectsHighestBandwidth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/master.m3u8":
			w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=500000\nlow.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=2000000\nhigh.m3u8\n"))
		case "/high.m3u8":
			w.Write([]byte("#EXTM3U\nseg0.ts\n"))
		case "/seg0.ts":
			w.Write([]byte("payload"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := New(dir, hls.New(srv.Client()), silentLogger())

	task := &domain.Task{ID: "task3", URL: srv.URL + "/master.m3u8", Kind: domain.KindHLS, Status: domain.TaskStatusDownloading}
	r.Run(context.Background(), task, func(tk *domain.Task) {})

	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected Completed, got %s (err=%s)", task.Status, task.Error)
	}
	if task.URL != srv.URL+"/high.m3u8" {
		t.Fatalf("expected task.URL mutated to high.m3u8, got %s", task.URL)
	}
}

func TestRunnerFailsOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := New(dir, hls.New(srv.Client()), silentLogger())
	task := &domain.Task{ID: "task4", URL: srv.URL, Kind: domain.KindMP4, Status: domain.TaskStatusDownloading}

	r.Run(context.Background(), task, func(tk *domain.Task) {})

	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("expected Failed, got %s", task.Status)
	}
	if task.Error == "" {
		t.Fatalf("expected error message to be set")
	}
}

func TestRunnerSegmentRetriesBeforeSucceeding(t *testing.T) {
	var b500Count int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stream.m3u8":
			w.Write([]byte("#EXTM3U\na.ts\nb.ts\nc.ts\n"))
		case "/a.ts":
			w.Write([]byte("segment-a"))
		case "/b.ts":
			b500Count++
			if b500Count <= 2 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte("segment-b"))
		case "/c.ts":
			w.Write([]byte("segment-c"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := New(dir, hls.New(srv.Client()), silentLogger())

	task := &domain.Task{ID: "task6", URL: srv.URL + "/stream.m3u8", Kind: domain.KindHLS, Status: domain.TaskStatusDownloading}
	r.Run(context.Background(), task, func(tk *domain.Task) {})

	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected Completed after transient segment failures, got %s (err=%s)", task.Status, task.Error)
	}
	if b500Count != 3 {
		t.Fatalf("expected segment b to be requested 3 times (2 failures + 1 success), got %d", b500Count)
	}

	data, err := os.ReadFile(task.SavePath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "segment-asegment-bsegment-c" {
		t.Fatalf("artifact mismatch: %q", data)
	}
}

func TestRunnerCancellationLeavesStatusUntouched(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("abc"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	r := New(dir, hls.New(srv.Client()), silentLogger())
	task := &domain.Task{ID: "task5", URL: srv.URL, Kind: domain.KindMP4, Status: domain.TaskStatusPaused}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.Run(ctx, task, func(tk *domain.Task) {})

	if task.Status != domain.TaskStatusPaused {
		t.Fatalf("expected status to remain Paused as set by caller, got %s", task.Status)
	}
}
