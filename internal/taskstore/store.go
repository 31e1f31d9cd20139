package taskstore

import (
	"context"
	"encoding/json"
	"errors"

	"tasklens/internal/auth"
)

// ErrTaskNotFound 任务不存在 / task does not exist
var ErrTaskNotFound = errors.New("task not found")

// ErrNotAuthorized 调用者无权操作该任务 / caller not authorized on this task
var ErrNotAuthorized = errors.New("not authorized on task")

// Status values a task can carry. Materialized tasks always start at todo.
const (
	StatusTodo = "todo"
	StatusDone = "done"
)

// CreateTaskInput is one task-creation request against the store. Provenance
// is an opaque serialized audit record attached to the row.
type CreateTaskInput struct {
	Text       string
	Details    string
	Priority   string
	Status     string
	Hours      float64
	ProjectID  string
	RefLink    string
	Provenance json.RawMessage
}

// ShareResult is the verbatim outcome of a share operation.
type ShareResult struct {
	TaskID        string `json:"task_id"`
	Collaborators int    `json:"collaborators"`
	AlreadyShared bool   `json:"already_shared"`
}

// Store 任务存储接口；创建与共享都要求已认证主体
// Store is the task/project store interface; creation and sharing both
// require an authenticated principal, who becomes the implicit owner.
type Store interface {
	Create(ctx context.Context, owner auth.Principal, in CreateTaskInput) (taskID string, err error)

	// ShareWithCollaborators shares the task with the collaborators of its
	// project. The caller must be authorized on the task's project.
	ShareWithCollaborators(ctx context.Context, caller auth.Principal, taskID string) (ShareResult, error)

	Close() error
}
