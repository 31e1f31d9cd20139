package schema

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Normalize fills defaults and assigns stable identifiers on a validated
// analysis. It never drops tasks and is idempotent: normalizing an
// already-normalized result changes nothing.
func Normalize(a *AnalysisResult) *AnalysisResult {
	if a == nil {
		return &AnalysisResult{}
	}
	if a.Tasks == nil {
		a.Tasks = []ExtractedTask{}
	}
	for i := range a.Tasks {
		task := &a.Tasks[i]
		if strings.TrimSpace(task.ID) == "" {
			task.ID = NewTaskID(i)
		}
		task.Priority = NormalizePriority(task.Priority)
	}
	return a
}

// NewTaskID synthesizes an identifier for the task at the given zero-based
// index: task-<1-based-index>-<random-token>.
func NewTaskID(index int) string {
	return fmt.Sprintf("task-%d-%s", index+1, newIDToken())
}

// NormalizePriority coerces a priority string to one of {low, medium, high},
// matching case-insensitively and falling back to medium.
func NormalizePriority(p string) string {
	return NormalizePriorityOr(p, PriorityMedium)
}

// NormalizePriorityOr is NormalizePriority with a caller-supplied fallback
// applied when the value is missing or unrecognized. The materializer uses
// this so a session default can stand in for medium; the fallback itself is
// coerced, so a garbage fallback still lands on medium.
func NormalizePriorityOr(p, fallback string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityMedium:
		return PriorityMedium
	}
	switch strings.ToLower(strings.TrimSpace(fallback)) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// newIDToken returns a random token with negligible collision probability
// within a single analysis. UUIDs give 128 bits from crypto/rand; if the
// secure source is unavailable, fall back to a timestamp+pseudo-random
// composite.
func newIDToken() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}
	return fmt.Sprintf("%d-%08x", time.Now().UnixNano(), rand.Uint32())
}
