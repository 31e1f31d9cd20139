package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"tasklens/internal/auth"
	"tasklens/internal/chat"
	"tasklens/internal/provider"
	"tasklens/internal/thread"
	"tasklens/internal/tools"
)

// scriptedProvider replays a fixed sequence of responses and records every
// request it received.
type scriptedProvider struct {
	responses []provider.ChatResponse
	calls     int
	requests  []provider.ChatRequest
	stream    bool
}

func (p *scriptedProvider) Chat(ctx context.Context, req provider.ChatRequest, cb *provider.StreamCallbacks) (provider.ChatResponse, error) {
	p.requests = append(p.requests, req)
	if p.calls >= len(p.responses) {
		return provider.ChatResponse{}, fmt.Errorf("unexpected call %d", p.calls+1)
	}
	resp := p.responses[p.calls]
	p.calls++
	if p.stream && cb != nil && cb.OnTextChunk != nil && resp.Content != "" {
		for _, chunk := range strings.SplitAfter(resp.Content, " ") {
			cb.OnTextChunk(chunk)
		}
	}
	return resp, nil
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) CurrentModel() string { return "scripted-model" }

// stubTool answers with a fixed payload or error and records its arguments.
type stubTool struct {
	name    string
	result  string
	err     error
	argsLog []string
}

func (t *stubTool) Name() string { return t.name }

func (t *stubTool) Definition() chat.ToolDef {
	return chat.ToolDef{Type: "function", Function: chat.ToolFunction{Name: t.name}}
}

func (t *stubTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	t.argsLog = append(t.argsLog, string(args))
	if t.err != nil {
		return "", t.err
	}
	return t.result, nil
}

const analysisJSON = `{"summary":"sprint board","totalEstimatedHours":5,"confidence":0.8,` +
	`"tasks":[{"id":"task-1-a","title":"Fix login","description":"","notes":"","priority":"high","estimatedHours":5}]}`

func inspectCall(id string) chat.ToolCall {
	return chat.ToolCall{
		ID:   id,
		Type: "function",
		Function: chat.ToolCallFunction{
			Name:      "inspect_image",
			Arguments: `{"storage_ref":"blob_abc"}`,
		},
	}
}

func newTestStore(t *testing.T) (thread.Store, string) {
	t.Helper()
	store, err := thread.NewSQLiteStore(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	meta, err := store.CreateThread(context.Background(), auth.Principal{ID: "u1", Name: "Ada"}, "extract")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return store, meta.ID
}

func runInput() RunInput {
	return RunInput{
		Owner:      auth.Principal{ID: "u1", Name: "Ada"},
		StorageRef: "blob_abc",
		Context:    "Sprint 12",
	}
}

func TestRunExtractionInspectThenAnswer(t *testing.T) {
	store, threadID := newTestStore(t)
	inspect := &stubTool{name: "inspect_image", result: analysisJSON}
	p := &scriptedProvider{responses: []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{inspectCall("call_1")}},
		{Content: "Found 1 task: Fix login."},
	}}

	o := New(p, tools.NewRegistry(inspect), store, Options{})
	res, err := o.RunExtraction(context.Background(), threadID, runInput())
	if err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}
	if res.Outcome != OutcomeFinalAnswer {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeFinalAnswer)
	}
	if !res.Inspected {
		t.Error("Inspected = false, want true")
	}
	if res.Turns != 2 {
		t.Errorf("Turns = %d, want 2", res.Turns)
	}
	if res.Analysis == nil || len(res.Analysis.Tasks) != 1 || res.Analysis.Tasks[0].Title != "Fix login" {
		t.Errorf("Analysis = %+v, want one task titled Fix login", res.Analysis)
	}
	if res.FinalText != "Found 1 task: Fix login." {
		t.Errorf("FinalText = %q", res.FinalText)
	}
	if len(inspect.argsLog) != 1 || !strings.Contains(inspect.argsLog[0], "blob_abc") {
		t.Errorf("inspect args = %v, want one call carrying blob_abc", inspect.argsLog)
	}

	// The log holds the full exchange: seed user, assistant tool request,
	// tool fold, final assistant answer.
	page, err := store.ListMessages(context.Background(), threadID, -1, 50)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	roles := make([]string, 0, len(page.Messages))
	for _, m := range page.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{"user", "assistant", "tool", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
}

func TestRunExtractionSeedMessageCarriesPayloadHint(t *testing.T) {
	store, threadID := newTestStore(t)
	p := &scriptedProvider{responses: []provider.ChatResponse{{Content: "done"}}}

	o := New(p, tools.NewRegistry(), store, Options{})
	if _, err := o.RunExtraction(context.Background(), threadID, runInput()); err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}

	req := p.requests[0]
	if req.Messages[0].Role != "system" {
		t.Fatalf("first replayed message role = %q, want system", req.Messages[0].Role)
	}
	seed := req.Messages[1]
	if seed.Role != "user" {
		t.Fatalf("second replayed message role = %q, want user", seed.Role)
	}
	for _, frag := range []string{`"storage_ref": "blob_abc"`, `"context": "Sprint 12"`} {
		if !strings.Contains(seed.Content, frag) {
			t.Errorf("seed message %q missing %q", seed.Content, frag)
		}
	}
}

func TestRunExtractionStepBudgetExhausted(t *testing.T) {
	store, threadID := newTestStore(t)
	inspect := &stubTool{name: "inspect_image", result: analysisJSON}
	// One turn only: the model asks for the tool and the budget is gone.
	p := &scriptedProvider{responses: []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{inspectCall("call_1")}},
	}}

	o := New(p, tools.NewRegistry(inspect), store, Options{MaxTurns: 1})
	res, err := o.RunExtraction(context.Background(), threadID, runInput())
	if !errors.Is(err, ErrStepBudgetExhausted) {
		t.Fatalf("err = %v, want ErrStepBudgetExhausted", err)
	}
	if res.Outcome != OutcomeStepBudgetExhausted {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeStepBudgetExhausted)
	}
	// The inspection did run, so its partial analysis is still surfaced.
	if res.Analysis == nil || !res.Inspected {
		t.Errorf("partial analysis not surfaced: analysis=%v inspected=%v", res.Analysis, res.Inspected)
	}
}

func TestRunExtractionAuthorizationFailureAborts(t *testing.T) {
	store, threadID := newTestStore(t)
	denied := &stubTool{
		name: "create_task",
		err:  fmt.Errorf("create_task: %w", tools.ErrToolAuthorizationFailed),
	}
	p := &scriptedProvider{responses: []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: chat.ToolCallFunction{Name: "create_task", Arguments: `{"text":"x"}`},
		}}},
	}}

	o := New(p, tools.NewRegistry(denied), store, Options{})
	_, err := o.RunExtraction(context.Background(), threadID, runInput())
	if !errors.Is(err, tools.ErrToolAuthorizationFailed) {
		t.Fatalf("err = %v, want ErrToolAuthorizationFailed", err)
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry after authorization failure)", p.calls)
	}
}

func TestRunExtractionToolErrorFoldedBack(t *testing.T) {
	store, threadID := newTestStore(t)
	flaky := &stubTool{name: "inspect_image", err: errors.New("blob expired")}
	p := &scriptedProvider{responses: []provider.ChatResponse{
		{ToolCalls: []chat.ToolCall{inspectCall("call_1")}},
		{Content: "I could not read the image."},
	}}

	o := New(p, tools.NewRegistry(flaky), store, Options{})
	res, err := o.RunExtraction(context.Background(), threadID, runInput())
	if err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}
	if res.Outcome != OutcomeFinalAnswer {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeFinalAnswer)
	}
	if res.Inspected {
		t.Error("Inspected = true after a failed inspection")
	}

	// The second model turn must see the failure folded as a tool message.
	second := p.requests[1]
	var fold *chat.Message
	for i := range second.Messages {
		if second.Messages[i].Role == "tool" {
			fold = &second.Messages[i]
		}
	}
	if fold == nil {
		t.Fatal("no tool message replayed to the second turn")
	}
	if !strings.Contains(fold.Content, "blob expired") || !strings.Contains(fold.Content, `"ok":false`) {
		t.Errorf("fold content = %q, want ok:false with the tool error", fold.Content)
	}
	if fold.ToolCallID != "call_1" {
		t.Errorf("fold ToolCallID = %q, want call_1", fold.ToolCallID)
	}
}

func TestRunExtractionStreamsAndClearsDeltas(t *testing.T) {
	store, threadID := newTestStore(t)
	p := &scriptedProvider{
		responses: []provider.ChatResponse{{Content: "no tasks found in the image"}},
		stream:    true,
	}

	o := New(p, tools.NewRegistry(), store, Options{})
	if _, err := o.RunExtraction(context.Background(), threadID, runInput()); err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}

	// The finalized assistant message supersedes the streamed deltas.
	deltas, _, err := store.ListDeltas(context.Background(), threadID, 0)
	if err != nil {
		t.Fatalf("ListDeltas: %v", err)
	}
	if len(deltas) != 0 {
		t.Errorf("deltas remaining after finalization = %d, want 0", len(deltas))
	}
}

func TestTrimToTokenBudget(t *testing.T) {
	messages := []chat.Message{
		{Role: "system", Content: "contract"},
		{Role: "user", Content: strings.Repeat("old words ", 200)},
		{Role: "assistant", Content: "call the tool", ToolCalls: []chat.ToolCall{inspectCall("call_1")}},
		{Role: "tool", Content: strings.Repeat("analysis ", 200), ToolCallID: "call_1"},
		{Role: "assistant", Content: "final"},
	}

	trimmed := trimToTokenBudget(messages, 120)
	if len(trimmed) >= len(messages) {
		t.Fatalf("nothing trimmed: %d messages", len(trimmed))
	}
	if trimmed[0].Role != "system" {
		t.Errorf("system contract dropped, first role = %q", trimmed[0].Role)
	}
	if trimmed[1].Role == "tool" {
		t.Error("trimmed window starts on an orphan tool message")
	}

	// A generous budget leaves the list untouched.
	kept := trimToTokenBudget(messages, 1<<20)
	if len(kept) != len(messages) {
		t.Errorf("trimmed under a generous budget: %d of %d kept", len(kept), len(messages))
	}
}
