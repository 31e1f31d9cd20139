package taskstore

import (
	"context"
	"fmt"
	"sync"

	"tasklens/internal/auth"
	"tasklens/internal/schema"
)

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int
	tasks   map[string]*TaskRow
	order   []string
	members map[string]map[string]bool // project -> user set

	// FailAfter, when > 0, makes Create fail once that many tasks exist.
	// Lets tests exercise partial-batch semantics.
	FailAfter int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*TaskRow),
		members: make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) Create(ctx context.Context, owner auth.Principal, in CreateTaskInput) (string, error) {
	if owner.IsZero() {
		return "", auth.ErrUnauthenticated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAfter > 0 && len(s.tasks) >= s.FailAfter {
		return "", fmt.Errorf("task store unavailable")
	}
	s.seq++
	status := in.Status
	if status == "" {
		status = StatusTodo
	}
	id := fmt.Sprintf("task_%d", s.seq)
	s.tasks[id] = &TaskRow{
		ID:         id,
		OwnerID:    owner.ID,
		Text:       in.Text,
		Details:    in.Details,
		Priority:   schema.NormalizePriority(in.Priority),
		Status:     status,
		Hours:      in.Hours,
		ProjectID:  in.ProjectID,
		RefLink:    in.RefLink,
		Provenance: string(in.Provenance),
	}
	s.order = append(s.order, id)
	return id, nil
}

func (s *MemoryStore) ShareWithCollaborators(ctx context.Context, caller auth.Principal, taskID string) (ShareResult, error) {
	if caller.IsZero() {
		return ShareResult{}, auth.ErrUnauthenticated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ShareResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	authorized := task.OwnerID == caller.ID || s.members[task.ProjectID][caller.ID]
	if !authorized {
		return ShareResult{}, fmt.Errorf("%w: task %s", ErrNotAuthorized, taskID)
	}
	result := ShareResult{
		TaskID:        taskID,
		Collaborators: len(s.members[task.ProjectID]),
		AlreadyShared: task.Shared,
	}
	task.Shared = true
	return result, nil
}

// AddProjectMember registers a collaborator on a project.
func (s *MemoryStore) AddProjectMember(projectID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[projectID] == nil {
		s.members[projectID] = make(map[string]bool)
	}
	s.members[projectID][userID] = true
}

// Tasks returns the created rows in creation order.
func (s *MemoryStore) Tasks() []TaskRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRow, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }
