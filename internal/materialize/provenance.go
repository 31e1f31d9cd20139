package materialize

import (
	"encoding/json"
	"time"

	"tasklens/internal/schema"
)

// Provenance 持久化在任务行上的审计记录；仅用于追溯，不参与再校验
// Provenance is the audit record persisted on each created task row. It
// exists for audit and debugging, never for re-validation.
type Provenance struct {
	Source      string    `json:"source"`
	GeneratedAt time.Time `json:"generated_at"`
	ExtractedID string    `json:"extracted_id"`
	ProjectID   string    `json:"project_id,omitempty"`

	// Snapshot of the originating analysis.
	Summary             string                 `json:"summary"`
	Confidence          *float64               `json:"confidence,omitempty"`
	TotalEstimatedHours *float64               `json:"total_estimated_hours,omitempty"`
	Tasks               []schema.ExtractedTask `json:"tasks"`
}

func buildProvenance(analysis *schema.AnalysisResult, extractedID, projectID string) (json.RawMessage, error) {
	return json.Marshal(Provenance{
		Source:              "image-analysis",
		GeneratedAt:         time.Now().UTC(),
		ExtractedID:         extractedID,
		ProjectID:           projectID,
		Summary:             analysis.Summary,
		Confidence:          analysis.Confidence,
		TotalEstimatedHours: analysis.TotalEstimatedHours,
		Tasks:               analysis.Tasks,
	})
}
