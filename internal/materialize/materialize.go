package materialize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tasklens/internal/auth"
	"tasklens/internal/schema"
	"tasklens/internal/taskstore"
)

// ErrNoTasksSelected 选中集合与分析结果的交集为空 / the selection filtered
// against the analysis is empty
var ErrNoTasksSelected = errors.New("no tasks selected")

// provenanceLine is the fixed trailer appended to every materialized task's
// details text.
const provenanceLine = "Created from image analysis."

// Defaults are the session-level fallbacks applied only when an extracted
// task omits its own value.
type Defaults struct {
	Priority string
	Hours    float64
}

// CommitResult reports what a bulk commit actually persisted. On partial
// failure Count reflects committed tasks, not requested ones.
type CommitResult struct {
	Count   int      `json:"count"`
	TaskIDs []string `json:"task_ids"`
}

// Materializer 把选中的抽取任务转换为任务库里的持久记录，并附带溯源元数据。
// 传入的 analysis 经过不可信客户端往返，使用前必须重新校验。
// Materializer converts selected extracted tasks into persisted records in
// the task store, attaching provenance metadata. The supplied analysis
// round-trips through an untrusted client and is re-validated before use.
type Materializer struct {
	store  taskstore.Store
	logger *zap.Logger
}

func New(store taskstore.Store, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{store: store, logger: logger}
}

// CommitSelected creates one task per selected id, in analysis order.
// Creation is sequential with no rollback across the batch: if task k fails,
// tasks 1..k-1 stay committed and the error is returned alongside the result
// of what did commit.
func (m *Materializer) CommitSelected(ctx context.Context, owner auth.Principal, analysis *schema.AnalysisResult, selectedIDs []string, projectID string, defaults Defaults) (CommitResult, error) {
	result := CommitResult{TaskIDs: []string{}}
	if owner.IsZero() {
		return result, auth.ErrUnauthenticated
	}

	// Validation only: full normalization would coerce an omitted priority
	// to medium and erase the distinction the fallback rules depend on.
	validated, err := schema.ValidateResult(analysis)
	if err != nil {
		return result, fmt.Errorf("re-validate analysis: %w", err)
	}

	selected := make(map[string]bool, len(selectedIDs))
	for _, id := range selectedIDs {
		selected[id] = true
	}
	var picked []*schema.ExtractedTask
	for i := range validated.Tasks {
		if selected[validated.Tasks[i].ID] {
			picked = append(picked, &validated.Tasks[i])
		}
	}
	if len(picked) == 0 {
		return result, ErrNoTasksSelected
	}

	for _, task := range picked {
		taskID, err := m.commitOne(ctx, owner, validated, task, projectID, defaults)
		if err != nil {
			m.logger.Warn("batch commit stopped",
				zap.String("extracted_id", task.ID),
				zap.Int("committed", result.Count),
				zap.Error(err))
			return result, fmt.Errorf("commit task %s after %d committed: %w", task.ID, result.Count, err)
		}
		result.TaskIDs = append(result.TaskIDs, taskID)
		result.Count++
	}
	return result, nil
}

// CommitOne validates and creates a single extracted task.
func (m *Materializer) CommitOne(ctx context.Context, owner auth.Principal, analysis *schema.AnalysisResult, task *schema.ExtractedTask, projectID string, defaults Defaults) (string, error) {
	if owner.IsZero() {
		return "", auth.ErrUnauthenticated
	}
	if task == nil {
		return "", ErrNoTasksSelected
	}

	validated, err := schema.ValidateResult(analysis)
	if err != nil {
		return "", fmt.Errorf("re-validate analysis: %w", err)
	}

	// The task arrives separately from the analysis and is validated through
	// a one-element scratch result.
	scratch := &schema.AnalysisResult{Summary: validated.Summary, Tasks: []schema.ExtractedTask{*task}}
	if _, err := schema.ValidateResult(scratch); err != nil {
		return "", fmt.Errorf("re-validate task: %w", err)
	}
	picked := scratch.Tasks[0]

	return m.commitOne(ctx, owner, validated, &picked, projectID, defaults)
}

func (m *Materializer) commitOne(ctx context.Context, owner auth.Principal, analysis *schema.AnalysisResult, task *schema.ExtractedTask, projectID string, defaults Defaults) (string, error) {
	priority := schema.NormalizePriorityOr(task.Priority, defaults.Priority)

	hours := defaults.Hours
	if task.EstimatedHours != nil {
		hours = *task.EstimatedHours
	} else if hours <= 0 {
		hours = 1
	}

	extractedID := task.ID
	if strings.TrimSpace(extractedID) == "" {
		extractedID = schema.NewTaskID(0)
	}

	prov, err := buildProvenance(analysis, extractedID, projectID)
	if err != nil {
		return "", fmt.Errorf("encode provenance: %w", err)
	}

	taskID, err := m.store.Create(ctx, owner, taskstore.CreateTaskInput{
		Text:       task.Title,
		Details:    buildDetails(task),
		Priority:   priority,
		Status:     taskstore.StatusTodo,
		Hours:      hours,
		ProjectID:  projectID,
		Provenance: prov,
	})
	if err != nil {
		return "", err
	}
	m.logger.Info("task materialized",
		zap.String("task_id", taskID),
		zap.String("extracted_id", extractedID),
		zap.String("owner", owner.ID))
	return taskID, nil
}

// buildDetails derives the details text: trimmed description, optional
// "Notes: …" line, and the fixed provenance trailer, joined by blank lines.
func buildDetails(task *schema.ExtractedTask) string {
	var parts []string
	if desc := strings.TrimSpace(task.Description); desc != "" {
		parts = append(parts, desc)
	}
	if notes := strings.TrimSpace(task.Notes); notes != "" {
		parts = append(parts, "Notes: "+notes)
	}
	parts = append(parts, provenanceLine)
	return strings.Join(parts, "\n\n")
}
