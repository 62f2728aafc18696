// Package runner drives a single task from Pending to a terminal state,
// dispatching to the MP4 or HLS path and reporting progress back to
// whatever owns the task (the scheduler).
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romanitalian/streamreel/internal/domain"
	"github.com/romanitalian/streamreel/internal/fetcher"
	"github.com/romanitalian/streamreel/internal/hls"
	"github.com/romanitalian/streamreel/internal/mediacrypto"
)

const (
	maxManifestRedirects = 4
	maxSegmentRetries    = 3
	segmentRetryBackoff  = 2 * time.Second
	progressEmitDelta    = 0.005
)

// ErrTooManyRedirects is raised when the manifest resolver keeps returning
// master playlists past maxManifestRedirects.
var ErrTooManyRedirects = errors.New("too many manifest redirects")

// SegmentFailedError is raised when a segment exhausts its retry budget.
type SegmentFailedError struct {
	Index int
	Err   error
}

func (e *SegmentFailedError) Error() string {
	return fmt.Sprintf("segment %d failed: %v", e.Index, e.Err)
}

func (e *SegmentFailedError) Unwrap() error { return e.Err }

// DecryptionFailedError is raised when the AES primitive fails on a segment.
type DecryptionFailedError struct {
	Index int
	Err   error
}

func (e *DecryptionFailedError) Error() string {
	return fmt.Sprintf("decrypt segment %d: %v", e.Index, e.Err)
}

func (e *DecryptionFailedError) Unwrap() error { return e.Err }

// UpdateFunc is invoked by the runner when it reports a change to the
// task's fields; in-flight byte progress is reported only once it has
// advanced by progressEmitDelta (or, for MP4, reached 1.0). The scheduler
// supplies a closure that persists and broadcasts the snapshot.
type UpdateFunc func(*domain.Task)

// Runner drives one task to completion.
type Runner struct {
	downloadDir string
	resolver    *hls.Resolver
	logger      *logrus.Logger
}

func New(downloadDir string, resolver *hls.Resolver, logger *logrus.Logger) *Runner {
	return &Runner{downloadDir: downloadDir, resolver: resolver, logger: logger}
}

// Run drives task to a terminal state. ctx is the task's own cancellation
// context; cancellation means pause or cancel was requested upstream, and
// the caller (scheduler) has already set the resulting status before
// triggering it, so Run must not overwrite status on a cancelled exit.
func (r *Runner) Run(ctx context.Context, task *domain.Task, update UpdateFunc) {
	log := r.logger.WithField("task_id", task.ID)

	var err error
	if task.Kind == domain.KindHLS {
		err = r.runHLS(ctx, task, update, log)
	} else {
		err = r.runMP4(ctx, task, update, log)
	}

	if err == nil {
		task.Status = domain.TaskStatusCompleted
		task.Progress = 1.0
		update(task)
		log.Info("task completed")
		return
	}

	if fetcher.IsCancelled(err) || errors.Is(err, context.Canceled) {
		log.Info("task run cancelled, status already set by caller")
		return
	}

	task.Status = domain.TaskStatusFailed
	task.Error = err.Error()
	update(task)
	log.WithError(err).Warn("task failed")
}

func (r *Runner) runMP4(ctx context.Context, task *domain.Task, update UpdateFunc, log *logrus.Entry) error {
	savePath := filepath.Join(r.downloadDir, task.ID+".mp4")
	if err := os.MkdirAll(filepath.Dir(savePath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	task.SavePath = savePath

	rangeFrom := int64(0)
	if info, err := os.Stat(savePath); err == nil {
		rangeFrom = info.Size()
	}
	task.DownloadedUnits = rangeFrom
	update(task)

	lastEmitted := task.Progress
	err := fetcher.Fetch(ctx, task.URL, savePath, fetcher.Options{
		RangeFrom: rangeFrom,
		OnProgress: func(received, total int64) {
			task.DownloadedUnits = received
			if total != fetcher.UnknownTotal {
				task.TotalUnits = total
				task.Progress = float64(received) / float64(total)
			}
			task.Clamp()
			if task.Progress-lastEmitted >= progressEmitDelta || task.Progress >= 1.0 {
				lastEmitted = task.Progress
				update(task)
			}
		},
	})
	if err != nil {
		return err
	}
	return nil
}

func (r *Runner) runHLS(ctx context.Context, task *domain.Task, update UpdateFunc, log *logrus.Entry) error {
	tempDir := filepath.Join(r.downloadDir, task.ID+"_temp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	segments, err := r.resolveSegments(ctx, task, log)
	if err != nil {
		return err
	}

	n := len(segments)
	task.TotalUnits = int64(n)
	update(task)

	lastEmitted := task.Progress
	for i, segURL := range segments {
		if err := ctx.Err(); err != nil {
			return &fetcher.Error{Kind: fetcher.KindCancelled, Err: err}
		}

		segPath := filepath.Join(tempDir, fmt.Sprintf("segment_%d.ts", i))
		if info, statErr := os.Stat(segPath); statErr == nil && info.Size() > 0 {
			task.DownloadedUnits = int64(i + 1)
			task.Progress = float64(i+1) / float64(n)
			update(task)
			continue
		}

		if err := r.fetchSegmentWithRetry(ctx, segURL, segPath, i, n, task, update, &lastEmitted, log); err != nil {
			return err
		}

		if task.Key != "" {
			if err := mediacrypto.DecryptFile(segPath, task.Key, task.IV, i); err != nil {
				return &DecryptionFailedError{Index: i, Err: err}
			}
		}

		task.DownloadedUnits = int64(i + 1)
		task.Progress = float64(i+1) / float64(n)
		task.Clamp()
		update(task)
	}

	if err := concatSegments(segments, tempDir, filepath.Join(r.downloadDir, task.ID+".mp4")); err != nil {
		return fmt.Errorf("concatenate segments: %w", err)
	}
	task.SavePath = filepath.Join(r.downloadDir, task.ID+".mp4")
	os.RemoveAll(tempDir)

	return nil
}

// resolveSegments follows master->media redirects up to maxManifestRedirects,
// mutating task.URL in place each time a master playlist points at a variant.
func (r *Runner) resolveSegments(ctx context.Context, task *domain.Task, log *logrus.Entry) ([]string, error) {
	for attempt := 0; attempt < maxManifestRedirects; attempt++ {
		result, err := r.resolver.Resolve(ctx, task.URL)
		if err != nil {
			if errors.Is(err, hls.ErrEmptyManifest) {
				return nil, err
			}
			return nil, fmt.Errorf("resolve manifest: %w", err)
		}

		if !result.IsMaster() {
			return result.Segments, nil
		}

		log.WithField("variant_url", result.VariantURL).Info("master manifest resolved to variant")
		task.URL = result.VariantURL
	}
	return nil, ErrTooManyRedirects
}

func (r *Runner) fetchSegmentWithRetry(ctx context.Context, segURL, segPath string, index, total int, task *domain.Task, update UpdateFunc, lastEmitted *float64, log *logrus.Entry) error {
	var lastErr error
	for attempt := 0; attempt < maxSegmentRetries; attempt++ {
		err := fetcher.Fetch(ctx, segURL, segPath, fetcher.Options{
			OnProgress: func(received, segTotal int64) {
				if segTotal <= 0 {
					return
				}
				segProgress := float64(received) / float64(segTotal)
				task.Progress = (float64(index) + segProgress) / float64(total)
				task.Clamp()
				if task.Progress-*lastEmitted >= progressEmitDelta {
					*lastEmitted = task.Progress
					update(task)
				}
			},
		})
		if err == nil {
			return nil
		}
		if fetcher.IsCancelled(err) {
			return err
		}
		if code, ok := fetcher.HTTPStatus(err); ok && code == 404 {
			return &SegmentFailedError{Index: index, Err: err}
		}

		lastErr = err
		log.WithError(err).WithField("segment", index).WithField("attempt", attempt+1).Warn("segment fetch failed, retrying")

		select {
		case <-ctx.Done():
			return &fetcher.Error{Kind: fetcher.KindCancelled, Err: ctx.Err()}
		case <-time.After(segmentRetryBackoff):
		}
	}
	return &SegmentFailedError{Index: index, Err: lastErr}
}

func concatSegments(segments []string, tempDir, destPath string) error {
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer out.Close()

	for i := range segments {
		segPath := filepath.Join(tempDir, fmt.Sprintf("segment_%d.ts", i))
		in, err := os.Open(segPath)
		if err != nil {
			return fmt.Errorf("open segment %d: %w", i, err)
		}
		_, copyErr := io.Copy(out, in)
		in.Close()
		if copyErr != nil {
			return fmt.Errorf("copy segment %d: %w", i, copyErr)
		}
	}
	return nil
}
