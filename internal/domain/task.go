package domain

import (
	"strings"
	"time"
)

// TaskKind distinguishes the two families of remote resource this engine
// knows how to reassemble into a single local artifact.
type TaskKind string

const (
	KindMP4 TaskKind = "mp4"
	KindHLS TaskKind = "hls"
)

// KindFromURL classifies a URL by its lowercased form containing ".m3u8".
func KindFromURL(url string) TaskKind {
	if strings.Contains(strings.ToLower(url), ".m3u8") {
		return KindHLS
	}
	return KindMP4
}

// TaskStatus is one of the states in the download lifecycle state machine.
type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// IsActive reports whether the status belongs to the scheduler's active set.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusDownloading
}

// IsTerminal reports whether the status can never transition again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// Task is the central entity tracked by the repository and the scheduler.
//
// CancelFunc is transient and never persisted. The scheduler keeps the
// cancel handles of active runs in its own map and does not set this field.
type Task struct {
	ID              string
	URL             string
	Title           string
	Kind            TaskKind
	SavePath        string
	Status          TaskStatus
	Progress        float64
	DownloadedUnits int64
	TotalUnits      int64
	Error           string
	Key             string
	IV              string
	ArchiveLocation string
	CreatedAt       time.Time
	UpdatedAt       time.Time

	CancelFunc func() `json:"-"`
}

// Snapshot returns a copy of the task with the transient cancel handle
// stripped, safe to hand to the repository, an event subscriber, or an
// HTTP response.
func (t *Task) Snapshot() Task {
	cp := *t
	cp.CancelFunc = nil
	return cp
}

// Clamp keeps progress within [0, 1] and downloaded/total consistent,
// defending invariant 4 (downloaded_units <= total_units) against
// rounding slop in progress callbacks.
func (t *Task) Clamp() {
	if t.Progress < 0 {
		t.Progress = 0
	}
	if t.Progress > 1 {
		t.Progress = 1
	}
	if t.TotalUnits > 0 && t.DownloadedUnits > t.TotalUnits {
		t.DownloadedUnits = t.TotalUnits
	}
}
