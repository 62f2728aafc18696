package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFetchWritesFullBody(t *testing.T) {
	body := strings.Repeat("x", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	var lastReceived, lastTotal int64
	err := Fetch(context.Background(), srv.URL, dest, Options{
		OnProgress: func(received, total int64) {
			lastReceived, lastTotal = received, total
		},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != body {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(data), len(body))
	}
	if lastReceived != int64(len(body)) || lastTotal != int64(len(body)) {
		t.Fatalf("unexpected final progress %d/%d", lastReceived, lastTotal)
	}
}

func TestFetchResumesWithRangeHeader(t *testing.T) {
	full := strings.Repeat("a", 500) + strings.Repeat("b", 500)
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		if gotRange == "" {
			w.Write([]byte(full))
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(full[500:]))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(dest, []byte(full[:500]), 0o644); err != nil {
		t.Fatalf("seed partial file: %v", err)
	}

	err := Fetch(context.Background(), srv.URL, dest, Options{RangeFrom: 500})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotRange != "bytes=500-" {
		t.Fatalf("expected range header, got %q", gotRange)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != full {
		t.Fatalf("expected resumed file to equal full body, got len %d want %d", len(data), len(full))
	}
}

func TestFetchTruncatesWhenServerIgnoresRange(t *testing.T) {
	full := strings.Repeat("z", 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// server ignores Range and always returns 200 with the full body
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(full))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(dest, []byte(strings.Repeat("y", 50)), 0o644); err != nil {
		t.Fatalf("seed partial file: %v", err)
	}

	err := Fetch(context.Background(), srv.URL, dest, Options{RangeFrom: 50})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != full {
		t.Fatalf("expected truncate-and-restart to produce the full body, got %q", string(data))
	}
}

func TestFetchPreservesPartialFileOnCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial-data"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	dest := filepath.Join(t.TempDir(), "out.bin")
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := Fetch(ctx, srv.URL, dest, Options{})
	if !IsCancelled(err) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if _, statErr := os.Stat(dest); statErr != nil {
		t.Fatalf("expected partial file to be preserved: %v", statErr)
	}
}

func TestFetchReturnsHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	err := Fetch(context.Background(), srv.URL, dest, Options{})
	code, ok := HTTPStatus(err)
	if !ok || code != http.StatusNotFound {
		t.Fatalf("expected HttpStatus{404}, got %v", err)
	}
}
