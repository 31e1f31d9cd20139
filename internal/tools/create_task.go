package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tasklens/internal/auth"
	"tasklens/internal/chat"
	"tasklens/internal/schema"
	"tasklens/internal/taskstore"
)

// CreateTaskTool 让模型直接在外部任务存储中创建一条任务。
// 每次调用独立做身份校验，不跨轮缓存。
// CreateTaskTool lets the model create one task in the external store. The
// identity check runs on every invocation and is never cached across turns.
type CreateTaskTool struct {
	store    taskstore.Store
	identity auth.Resolver
}

type CreateTaskArgs struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    string  `json:"priority,omitempty"`
	Hours       float64 `json:"hours,omitempty"`
	ProjectID   string  `json:"project_id,omitempty"`
}

type createTaskResult struct {
	TaskID string `json:"task_id"`
}

func NewCreateTaskTool(store taskstore.Store, identity auth.Resolver) *CreateTaskTool {
	return &CreateTaskTool{store: store, identity: identity}
}

func (t *CreateTaskTool) Name() string {
	return "create_task"
}

func (t *CreateTaskTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Create one task in the user's task list. Use only when the user explicitly asked for tasks to be created during the conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{
						"type":        "string",
						"description": "Short imperative task title",
					},
					"description": map[string]any{
						"type":        "string",
						"description": "Optional details",
					},
					"priority": map[string]any{
						"type":        "string",
						"enum":        []string{schema.PriorityLow, schema.PriorityMedium, schema.PriorityHigh},
						"description": "Defaults to medium",
					},
					"hours": map[string]any{
						"type":        "number",
						"description": "Estimated hours, defaults to 1",
					},
					"project_id": map[string]any{
						"type":        "string",
						"description": "Optional project to attach the task to",
					},
				},
				"required": []string{"title"},
			},
		},
	}
}

func (t *CreateTaskTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in CreateTaskArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("create_task args: %w", err)
	}
	if strings.TrimSpace(in.Title) == "" {
		return "", fmt.Errorf("create_task args: title is required")
	}

	principal, err := t.identity.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrToolAuthorizationFailed, err)
	}

	hours := in.Hours
	if hours <= 0 {
		hours = 1
	}
	taskID, err := t.store.Create(ctx, principal, taskstore.CreateTaskInput{
		Text:      strings.TrimSpace(in.Title),
		Details:   strings.TrimSpace(in.Description),
		Priority:  schema.NormalizePriority(in.Priority),
		Status:    taskstore.StatusTodo,
		Hours:     hours,
		ProjectID: strings.TrimSpace(in.ProjectID),
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return mustJSON(createTaskResult{TaskID: taskID}), nil
}
