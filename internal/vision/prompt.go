package vision

import (
	"fmt"
	"strings"

	"tasklens/internal/schema"
)

// buildExtractionPrompt is the fixed instruction contract for the multimodal
// model: exact target JSON shape, 1-8 tasks, medium priority default,
// confidence in [0,1], no prose outside the JSON object. Optional free-text
// project context is appended verbatim.
func buildExtractionPrompt(projectContext string) string {
	prompt := fmt.Sprintf(`You are a task extraction assistant. Analyze the attached image (whiteboard photo, screenshot, or hand-drawn plan) and extract actionable tasks from it.

Output ONLY valid JSON with this exact structure (no markdown, no explanation, no prose outside the JSON object):
{"summary": "one sentence describing what the image shows", "totalEstimatedHours": 6.5, "confidence": 0.9, "tasks": [{"title": "Design API", "description": "what the task involves", "notes": "extra context from the image", "priority": "high", "estimatedHours": 3}]}

Rules:
- 1 to %d tasks, in the order they appear in the image
- title: short imperative phrase, required
- priority: one of "low", "medium", "high"; default to "medium" when the image gives no signal
- confidence: number between 0 and 1 reflecting how certain you are about the extraction
- estimatedHours and totalEstimatedHours: positive numbers, omit when unknowable
- description and notes: omit rather than inventing content`, schema.MaxTasks)

	if ctx := strings.TrimSpace(projectContext); ctx != "" {
		prompt += "\n\nProject context provided by the user:\n" + ctx
	}
	return prompt
}
