package hls

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveMediaPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:5.0,\na.ts\n#EXTINF:5.0,\nb.ts\n#EXTINF:5.0,\nc.ts\n"))
	}))
	defer srv.Close()

	r := New(srv.Client())
	result, err := r.Resolve(context.Background(), srv.URL+"/stream.m3u8")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.IsMaster() {
		t.Fatalf("expected media playlist, got master")
	}
	if len(result.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(result.Segments))
	}
	if result.Segments[0] != srv.URL+"/a.ts" || result.Segments[2] != srv.URL+"/c.ts" {
		t.Fatalf("unexpected resolved segment urls: %v", result.Segments)
	}
}

func TestResolveMasterPlaylistPicksHighestBandwidth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=500000\nlow.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=2000000\nhigh.m3u8\n"))
	}))
	defer srv.Close()

	r := New(srv.Client())
	result, err := r.Resolve(context.Background(), srv.URL+"/master.m3u8")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !result.IsMaster() {
		t.Fatalf("expected master playlist")
	}
	if result.VariantURL != srv.URL+"/high.m3u8" {
		t.Fatalf("expected high.m3u8 to be selected, got %s", result.VariantURL)
	}
}

func TestResolveMasterPlaylistTieBreaksByFirstOccurrence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000000\nfirst.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=1000000\nsecond.m3u8\n"))
	}))
	defer srv.Close()

	r := New(srv.Client())
	result, err := r.Resolve(context.Background(), srv.URL+"/master.m3u8")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.VariantURL != srv.URL+"/first.m3u8" {
		t.Fatalf("expected tie broken by first occurrence, got %s", result.VariantURL)
	}
}

func TestResolveEmptyMediaPlaylistFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-ENDLIST\n"))
	}))
	defer srv.Close()

	r := New(srv.Client())
	_, err := r.Resolve(context.Background(), srv.URL+"/empty.m3u8")
	if err != ErrEmptyManifest {
		t.Fatalf("expected ErrEmptyManifest, got %v", err)
	}
}
