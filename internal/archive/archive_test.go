package archive

import (
	"context"
	"testing"
)

func TestArchiveFailsFastWithNoBucketConfigured(t *testing.T) {
	s := New(nil, "", "streamreel")
	_, err := s.Archive(context.Background(), "task1", "/does/not/matter")
	if err == nil {
		t.Fatalf("expected error when no bucket is configured")
	}
}
