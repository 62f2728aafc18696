package repository

import (
	"context"

	"github.com/romanitalian/streamreel/internal/domain"
)

// TaskRepository is the durable catalog of tasks (component A). Every
// operation is atomic with respect to a single task row; ordering of rows
// returned by LoadAll is not guaranteed and callers sort as needed.
type TaskRepository interface {
	// Initialize creates the schema if absent. Idempotent.
	Initialize(ctx context.Context) error

	// LoadAll returns every persisted task. Called once at startup.
	LoadAll(ctx context.Context) ([]domain.Task, error)

	// Upsert inserts or replaces a task by id.
	Upsert(ctx context.Context, task domain.Task) error

	// Delete removes a task row by id. Deleting a row that does not exist
	// is not an error.
	Delete(ctx context.Context, id string) error
}
