package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/romanitalian/streamreel/internal/domain"
	"github.com/romanitalian/streamreel/internal/repository"
)

const createDownloadsTable = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY, url TEXT NOT NULL, title TEXT NOT NULL,
	type INTEGER NOT NULL, savePath TEXT,
	status INTEGER NOT NULL, progress REAL NOT NULL,
	downloadedBytes INTEGER NOT NULL, totalBytes INTEGER NOT NULL,
	error TEXT, m3u8Key TEXT, m3u8IV TEXT,
	createdAt DATETIME NOT NULL, updatedAt DATETIME NOT NULL
);
`

// kindOrdinal/statusOrdinal and their inverses pin the ordinal encoding
// fixed by the persisted schema: type 0=MP4, 1=HLS; status 0=Pending,
// 1=Downloading, 2=Paused, 3=Completed, 4=Failed, 5=Cancelled.
var kindOrdinal = map[domain.TaskKind]int{
	domain.KindMP4: 0,
	domain.KindHLS: 1,
}

var kindFromOrdinal = map[int]domain.TaskKind{
	0: domain.KindMP4,
	1: domain.KindHLS,
}

var statusOrdinal = map[domain.TaskStatus]int{
	domain.TaskStatusPending:     0,
	domain.TaskStatusDownloading: 1,
	domain.TaskStatusPaused:      2,
	domain.TaskStatusCompleted:   3,
	domain.TaskStatusFailed:      4,
	domain.TaskStatusCancelled:   5,
}

var statusFromOrdinal = map[int]domain.TaskStatus{
	0: domain.TaskStatusPending,
	1: domain.TaskStatusDownloading,
	2: domain.TaskStatusPaused,
	3: domain.TaskStatusCompleted,
	4: domain.TaskStatusFailed,
	5: domain.TaskStatusCancelled,
}

// TaskRepository persists tasks in an embedded sqlite database, following
// the teacher's Open/Init split: Open (db.go) creates the handle, Initialize runs
// idempotent schema creation plus an "ensure columns" migration pass so the
// schema can gain columns across versions without a migration tool.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Initialize(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createDownloadsTable); err != nil {
		return fmt.Errorf("create downloads table: %w", err)
	}
	return r.ensureColumns(ctx)
}

// ensureColumns adds columns introduced after the initial schema (the
// archival-mirror supplement in particular) without disturbing existing rows.
func (r *TaskRepository) ensureColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(downloads)`)
	if err != nil {
		return fmt.Errorf("describe downloads table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	if _, exists := columns["archiveLocation"]; !exists {
		if _, err := r.db.ExecContext(ctx, `ALTER TABLE downloads ADD COLUMN archiveLocation TEXT`); err != nil {
			return fmt.Errorf("add column archiveLocation: %w", err)
		}
	}
	return nil
}

func (r *TaskRepository) LoadAll(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, url, title, type, savePath, status, progress, downloadedBytes, totalBytes, error, m3u8Key, m3u8IV, archiveLocation, createdAt, updatedAt
FROM downloads`)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (r *TaskRepository) Upsert(ctx context.Context, task domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO downloads (id, url, title, type, savePath, status, progress, downloadedBytes, totalBytes, error, m3u8Key, m3u8IV, archiveLocation, createdAt, updatedAt)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	url=excluded.url, title=excluded.title, type=excluded.type, savePath=excluded.savePath,
	status=excluded.status, progress=excluded.progress, downloadedBytes=excluded.downloadedBytes,
	totalBytes=excluded.totalBytes, error=excluded.error, m3u8Key=excluded.m3u8Key,
	m3u8IV=excluded.m3u8IV, archiveLocation=excluded.archiveLocation, updatedAt=excluded.updatedAt`,
		task.ID,
		task.URL,
		task.Title,
		kindOrdinal[task.Kind],
		nullString(task.SavePath),
		statusOrdinal[task.Status],
		task.Progress,
		task.DownloadedUnits,
		task.TotalUnits,
		nullString(task.Error),
		nullString(task.Key),
		nullString(task.IV),
		nullString(task.ArchiveLocation),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert download %s: %w", task.ID, err)
	}
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete download %s: %w", id, err)
	}
	return nil
}

func scanTask(rows *sql.Rows) (*domain.Task, error) {
	var (
		task         domain.Task
		kindOrd      int
		statusOrd    int
		savePath     sql.NullString
		errMsg       sql.NullString
		key          sql.NullString
		iv           sql.NullString
		archLocation sql.NullString
		createdAt    time.Time
		updatedAt    time.Time
	)

	if err := rows.Scan(
		&task.ID,
		&task.URL,
		&task.Title,
		&kindOrd,
		&savePath,
		&statusOrd,
		&task.Progress,
		&task.DownloadedUnits,
		&task.TotalUnits,
		&errMsg,
		&key,
		&iv,
		&archLocation,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan download: %w", err)
	}

	task.Kind = kindFromOrdinal[kindOrd]
	task.Status = statusFromOrdinal[statusOrd]
	task.SavePath = savePath.String
	task.Error = errMsg.String
	task.Key = key.String
	task.IV = iv.String
	task.ArchiveLocation = archLocation.String
	task.CreatedAt = createdAt.Local()
	task.UpdatedAt = updatedAt.Local()
	return &task, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ repository.TaskRepository = (*TaskRepository)(nil)
