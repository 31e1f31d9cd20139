package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tasklens/internal/auth"
	"tasklens/internal/chat"
	"tasklens/internal/taskstore"
)

// ShareTaskTool 将任务共享给项目协作者；结果原样返回给模型
// ShareTaskTool shares a task with its project collaborators; the store's
// result is returned to the model verbatim
type ShareTaskTool struct {
	store    taskstore.Store
	identity auth.Resolver
}

type ShareTaskArgs struct {
	TaskID string `json:"task_id"`
}

func NewShareTaskTool(store taskstore.Store, identity auth.Resolver) *ShareTaskTool {
	return &ShareTaskTool{store: store, identity: identity}
}

func (t *ShareTaskTool) Name() string {
	return "share_task"
}

func (t *ShareTaskTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Share an existing task with the collaborators of its project. The caller must be authorized on the task's project.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{
						"type":        "string",
						"description": "Identifier of the task to share",
					},
				},
				"required": []string{"task_id"},
			},
		},
	}
}

func (t *ShareTaskTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in ShareTaskArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("share_task args: %w", err)
	}
	if strings.TrimSpace(in.TaskID) == "" {
		return "", fmt.Errorf("share_task args: task_id is required")
	}

	principal, err := t.identity.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrToolAuthorizationFailed, err)
	}

	result, err := t.store.ShareWithCollaborators(ctx, principal, in.TaskID)
	if err != nil {
		return "", fmt.Errorf("share task: %w", err)
	}
	return mustJSON(result), nil
}
