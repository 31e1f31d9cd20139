package materialize

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"tasklens/internal/auth"
	"tasklens/internal/schema"
	"tasklens/internal/taskstore"
)

var owner = auth.Principal{ID: "u1", Name: "Ada"}

func f(v float64) *float64 { return &v }

func fiveTaskAnalysis() *schema.AnalysisResult {
	return &schema.AnalysisResult{
		Summary: "sprint board",
		Tasks: []schema.ExtractedTask{
			{ID: "t1", Title: "Design API", Priority: "high", EstimatedHours: f(4)},
			{ID: "t2", Title: "Write tests"},
			{ID: "t3", Title: "Set up CI", Priority: "low"},
			{ID: "t4", Title: "Review backlog"},
			{ID: "t5", Title: "Deploy staging", EstimatedHours: f(0.5)},
		},
	}
}

func TestCommitSelectedEmptySelection(t *testing.T) {
	store := taskstore.NewMemoryStore()
	m := New(store, nil)

	for _, ids := range [][]string{nil, {}, {"nope", "also-nope"}} {
		res, err := m.CommitSelected(context.Background(), owner, fiveTaskAnalysis(), ids, "", Defaults{})
		if !errors.Is(err, ErrNoTasksSelected) {
			t.Errorf("CommitSelected(%v) err = %v, want ErrNoTasksSelected", ids, err)
		}
		if res.Count != 0 {
			t.Errorf("CommitSelected(%v) count = %d, want 0", ids, res.Count)
		}
	}
	if got := len(store.Tasks()); got != 0 {
		t.Fatalf("tasks created = %d, want 0", got)
	}
}

func TestCommitSelectedTasksAbsentAnalysis(t *testing.T) {
	store := taskstore.NewMemoryStore()
	m := New(store, nil)

	// Client JSON that omitted tasks entirely decodes with a nil slice.
	analysis, err := schema.Validate([]byte(`{"summary": "whiteboard"}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	_, err = m.CommitSelected(context.Background(), owner, analysis, []string{"t1"}, "", Defaults{})
	if !errors.Is(err, ErrNoTasksSelected) {
		t.Fatalf("err = %v, want ErrNoTasksSelected", err)
	}
	if got := len(store.Tasks()); got != 0 {
		t.Fatalf("tasks created = %d, want 0", got)
	}
}

func TestCommitSelectedThreeOfFive(t *testing.T) {
	store := taskstore.NewMemoryStore()
	m := New(store, nil)

	res, err := m.CommitSelected(context.Background(), owner, fiveTaskAnalysis(),
		[]string{"t1", "t2", "t5"}, "proj_9", Defaults{Priority: "high", Hours: 3})
	if err != nil {
		t.Fatalf("CommitSelected: %v", err)
	}
	if res.Count != 3 || len(res.TaskIDs) != 3 {
		t.Fatalf("count = %d ids = %v, want 3 tasks", res.Count, res.TaskIDs)
	}

	rows := store.Tasks()
	if len(rows) != 3 {
		t.Fatalf("persisted = %d, want 3", len(rows))
	}
	// t1 keeps its own priority and hours, t2 inherits both fallbacks,
	// t5 keeps its own hours but inherits the fallback priority.
	checks := []struct {
		text     string
		priority string
		hours    float64
	}{
		{"Design API", "high", 4},
		{"Write tests", "high", 3},
		{"Deploy staging", "high", 0.5},
	}
	for i, want := range checks {
		row := rows[i]
		if row.Text != want.text || row.Priority != want.priority || row.Hours != want.hours {
			t.Errorf("row %d = {%q %q %v}, want {%q %q %v}",
				i, row.Text, row.Priority, row.Hours, want.text, want.priority, want.hours)
		}
		if row.Status != taskstore.StatusTodo {
			t.Errorf("row %d status = %q, want todo", i, row.Status)
		}
		if row.ProjectID != "proj_9" {
			t.Errorf("row %d project = %q, want proj_9", i, row.ProjectID)
		}
	}
}

func TestCommitSelectedFallbackScenario(t *testing.T) {
	analysis := &schema.AnalysisResult{
		Summary: "whiteboard plan",
		Tasks: []schema.ExtractedTask{
			{ID: "t1", Title: "Design API", Priority: "high"},
			{ID: "t2", Title: "Write tests"},
		},
	}
	store := taskstore.NewMemoryStore()
	m := New(store, nil)

	res, err := m.CommitSelected(context.Background(), owner, analysis,
		[]string{"t1", "t2"}, "", Defaults{Priority: "low", Hours: 2})
	if err != nil {
		t.Fatalf("CommitSelected: %v", err)
	}
	if res.Count != 2 {
		t.Fatalf("count = %d, want 2", res.Count)
	}

	rows := store.Tasks()
	if rows[0].Priority != "high" {
		t.Errorf("t1 priority = %q, want high (explicit wins over fallback)", rows[0].Priority)
	}
	if rows[1].Priority != "low" {
		t.Errorf("t2 priority = %q, want low (fallback)", rows[1].Priority)
	}
	if rows[1].Hours != 2 {
		t.Errorf("t2 hours = %v, want 2 (fallback)", rows[1].Hours)
	}
}

func TestCommitSelectedPartialFailure(t *testing.T) {
	store := taskstore.NewMemoryStore()
	store.FailAfter = 1
	m := New(store, nil)

	res, err := m.CommitSelected(context.Background(), owner, fiveTaskAnalysis(),
		[]string{"t1", "t2", "t3"}, "", Defaults{})
	if err == nil {
		t.Fatal("CommitSelected succeeded, want failure on the second create")
	}
	// No rollback: the first task stays committed and the count says so.
	if res.Count != 1 || len(res.TaskIDs) != 1 {
		t.Fatalf("count = %d ids = %v, want the single committed task", res.Count, res.TaskIDs)
	}
	if got := len(store.Tasks()); got != 1 {
		t.Fatalf("persisted = %d, want 1", got)
	}
}

func TestCommitSelectedRejectsInvalidAnalysis(t *testing.T) {
	store := taskstore.NewMemoryStore()
	m := New(store, nil)

	bad := fiveTaskAnalysis()
	bad.Tasks[1].Title = "" // client tampered with the round-tripped analysis
	_, err := m.CommitSelected(context.Background(), owner, bad, []string{"t1"}, "", Defaults{})
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want a schema validation error", err)
	}
	if got := len(store.Tasks()); got != 0 {
		t.Fatalf("tasks created before validation = %d, want 0", got)
	}
}

func TestCommitSelectedUnauthenticated(t *testing.T) {
	m := New(taskstore.NewMemoryStore(), nil)
	_, err := m.CommitSelected(context.Background(), auth.Principal{}, fiveTaskAnalysis(), []string{"t1"}, "", Defaults{})
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestCommitOne(t *testing.T) {
	store := taskstore.NewMemoryStore()
	m := New(store, nil)
	analysis := fiveTaskAnalysis()

	taskID, err := m.CommitOne(context.Background(), owner, analysis, &analysis.Tasks[1], "proj_9", Defaults{Priority: "low", Hours: 2})
	if err != nil {
		t.Fatalf("CommitOne: %v", err)
	}
	if taskID == "" {
		t.Fatal("empty task id")
	}

	row := store.Tasks()[0]
	if row.Text != "Write tests" || row.Priority != "low" || row.Hours != 2 {
		t.Errorf("row = {%q %q %v}, want fallbacks applied", row.Text, row.Priority, row.Hours)
	}
}

func TestCommitOneProvenance(t *testing.T) {
	store := taskstore.NewMemoryStore()
	m := New(store, nil)
	analysis := fiveTaskAnalysis()
	analysis.Confidence = f(0.9)

	if _, err := m.CommitOne(context.Background(), owner, analysis, &analysis.Tasks[0], "proj_9", Defaults{}); err != nil {
		t.Fatalf("CommitOne: %v", err)
	}

	var prov Provenance
	if err := json.Unmarshal([]byte(store.Tasks()[0].Provenance), &prov); err != nil {
		t.Fatalf("decode provenance: %v", err)
	}
	if prov.Source != "image-analysis" {
		t.Errorf("source = %q, want image-analysis", prov.Source)
	}
	if prov.ExtractedID != "t1" {
		t.Errorf("extracted id = %q, want t1", prov.ExtractedID)
	}
	if prov.Summary != "sprint board" || prov.Confidence == nil || *prov.Confidence != 0.9 {
		t.Errorf("analysis snapshot = %+v, want summary and confidence carried", prov)
	}
	if len(prov.Tasks) != 5 {
		t.Errorf("snapshot tasks = %d, want the full task list", len(prov.Tasks))
	}
	if prov.GeneratedAt.IsZero() {
		t.Error("generated_at is zero")
	}
}

func TestBuildDetails(t *testing.T) {
	cases := []struct {
		name string
		task schema.ExtractedTask
		want string
	}{
		{
			name: "description and notes",
			task: schema.ExtractedTask{Description: " Fix login flow ", Notes: " check OAuth "},
			want: "Fix login flow\n\nNotes: check OAuth\n\nCreated from image analysis.",
		},
		{
			name: "description only",
			task: schema.ExtractedTask{Description: "Fix login flow"},
			want: "Fix login flow\n\nCreated from image analysis.",
		},
		{
			name: "empty task",
			task: schema.ExtractedTask{},
			want: "Created from image analysis.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := buildDetails(&tc.task); got != tc.want {
				t.Errorf("buildDetails = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCommitSelectedDetailsCarryProvenanceLine(t *testing.T) {
	store := taskstore.NewMemoryStore()
	m := New(store, nil)

	if _, err := m.CommitSelected(context.Background(), owner, fiveTaskAnalysis(), []string{"t1"}, "", Defaults{}); err != nil {
		t.Fatalf("CommitSelected: %v", err)
	}
	if details := store.Tasks()[0].Details; !strings.HasSuffix(details, provenanceLine) {
		t.Errorf("details = %q, want the fixed provenance trailer", details)
	}
}
