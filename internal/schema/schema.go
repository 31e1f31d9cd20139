package schema

// Package schema holds the canonical shape of one vision-extraction outcome
// and the normalization rules applied to untrusted model output.

// Priority levels recognized on an extracted task.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// MaxTasks 提示层约定的单次分析任务数上限；超出不算硬性拒绝
// MaxTasks is the prompt-layer cap on tasks per analysis; excess entries are
// a validation concern, not a hard rejection
const MaxTasks = 8

// AnalysisResult 一次视觉抽取的结果 / one vision-extraction outcome
type AnalysisResult struct {
	Summary             string          `json:"summary"`
	TotalEstimatedHours *float64        `json:"totalEstimatedHours,omitempty"`
	Confidence          *float64        `json:"confidence,omitempty"`
	Tasks               []ExtractedTask `json:"tasks"`
}

// ExtractedTask 一个候选工作单元 / one candidate unit of work
type ExtractedTask struct {
	ID             string   `json:"id,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	EstimatedHours *float64 `json:"estimatedHours,omitempty"`
}

// TaskByID returns the task with the given id, or nil.
func (a *AnalysisResult) TaskByID(id string) *ExtractedTask {
	for i := range a.Tasks {
		if a.Tasks[i].ID == id {
			return &a.Tasks[i]
		}
	}
	return nil
}
