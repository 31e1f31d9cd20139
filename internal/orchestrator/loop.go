package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tasklens/internal/auth"
	"tasklens/internal/chat"
	"tasklens/internal/provider"
	"tasklens/internal/schema"
	"tasklens/internal/tools"
)

const systemPrompt = `You are a task extraction agent inside a task-management application.
The user has attached an image (whiteboard photo, screenshot, or hand-drawn plan) to this session.

Workflow:
1. Call the inspect_image tool exactly once, passing the payload exactly as described in the user message. Never fabricate an analysis without inspecting the image.
2. After the tool result arrives, answer with a short summary of the extracted tasks.
3. Only call create_task or share_task when the user message explicitly asks for it.

Keep answers brief. Do not repeat the raw tool JSON back to the user.`

// RunExtraction drives the dispatch loop to completion or budget exhaustion.
// Every message is persisted to the thread log as it is produced; assistant
// text is streamed into the thread's delta stream while in flight.
func (o *Orchestrator) RunExtraction(ctx context.Context, threadID string, in RunInput) (Result, error) {
	result := Result{Outcome: OutcomeFailed}

	if err := o.appendMessage(ctx, threadID, in.Owner, chat.Message{
		Role:    "user",
		Content: buildSeedMessage(in),
	}); err != nil {
		return result, err
	}

	var lastAnalysis *schema.AnalysisResult
	inspected := false

	for turn := 0; turn < o.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Turns = turn + 1

		messages, err := o.replayThread(ctx, threadID)
		if err != nil {
			return result, err
		}

		resp, err := o.chatTurn(ctx, threadID, turn, messages)
		if err != nil {
			return result, fmt.Errorf("model turn %d: %w", turn+1, err)
		}

		assistantMsg := chat.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		if err := o.appendMessage(ctx, threadID, in.Owner, assistantMsg); err != nil {
			return result, err
		}
		// The finalized message supersedes the in-flight deltas.
		if err := o.threads.ClearDeltas(ctx, threadID); err != nil {
			o.logger.Warn("clear deltas failed", zap.String("thread", threadID), zap.Error(err))
		}
		if resp.Content != "" {
			result.FinalText = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			result.Outcome = OutcomeFinalAnswer
			result.Analysis = lastAnalysis
			result.Inspected = inspected
			if !inspected {
				// The prompt demands one inspection per session; a model that
				// answers without one may have fabricated the analysis. Not
				// structurally rejected, but callers can tell.
				o.logger.Warn("final answer produced without an image inspection",
					zap.String("thread", threadID))
			}
			return result, nil
		}

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			name := call.Function.Name
			args := json.RawMessage(call.Function.Arguments)
			o.logger.Info("tool requested",
				zap.String("thread", threadID), zap.Int("turn", turn+1), zap.String("tool", name))

			toolResult, err := o.registry.Execute(ctx, name, args)
			if err != nil {
				// Authorization failures are never retried and surface verbatim.
				if errors.Is(err, tools.ErrToolAuthorizationFailed) {
					return result, err
				}
				o.logger.Warn("tool failed",
					zap.String("thread", threadID), zap.String("tool", name), zap.Error(err))
				// Fold the failure back; the model may retry within the budget.
				if appendErr := o.appendMessage(ctx, threadID, in.Owner, chat.Message{
					Role:       "tool",
					Name:       name,
					ToolCallID: call.ID,
					Content:    fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error()),
				}); appendErr != nil {
					return result, appendErr
				}
				continue
			}

			if err := o.appendMessage(ctx, threadID, in.Owner, chat.Message{
				Role:       "tool",
				Name:       name,
				ToolCallID: call.ID,
				Content:    toolResult,
			}); err != nil {
				return result, err
			}

			if name == "inspect_image" {
				var analysis schema.AnalysisResult
				if err := json.Unmarshal([]byte(toolResult), &analysis); err == nil {
					lastAnalysis = &analysis
					inspected = true
				}
			}
		}
	}

	// Budget exhausted without a final answer: the caller receives whatever
	// partial analysis was last folded, marked as non-success.
	result.Outcome = OutcomeStepBudgetExhausted
	result.Analysis = lastAnalysis
	result.Inspected = inspected
	return result, fmt.Errorf("%w (max %d turns)", ErrStepBudgetExhausted, o.maxTurns)
}

// chatTurn issues one provider call, streaming text chunks into the thread's
// delta stream as they arrive.
func (o *Orchestrator) chatTurn(ctx context.Context, threadID string, turn int, messages []chat.Message) (provider.ChatResponse, error) {
	cb := &provider.StreamCallbacks{
		OnTextChunk: func(chunk string) {
			if err := o.threads.AppendDelta(ctx, threadID, turn, chunk); err != nil {
				o.logger.Warn("append delta failed", zap.String("thread", threadID), zap.Error(err))
			}
		},
	}
	return o.provider.Chat(ctx, provider.ChatRequest{
		Messages: messages,
		Tools:    o.registry.Definitions(),
	}, cb)
}

func (o *Orchestrator) appendMessage(ctx context.Context, threadID string, owner auth.Principal, msg chat.Message) error {
	if _, err := o.threads.AppendMessage(ctx, threadID, owner, msg); err != nil {
		return fmt.Errorf("append %s message: %w", msg.Role, err)
	}
	return nil
}

// replayThread loads the full thread history and assembles the provider
// message list: system contract first, then the log, trimmed to the token
// budget.
func (o *Orchestrator) replayThread(ctx context.Context, threadID string) ([]chat.Message, error) {
	var history []chat.Message
	cursor := -1
	for {
		page, err := o.threads.ListMessages(ctx, threadID, cursor, 200)
		if err != nil {
			return nil, err
		}
		history = append(history, page.Messages...)
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	messages := make([]chat.Message, 0, len(history)+1)
	messages = append(messages, chat.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	return trimToTokenBudget(messages, o.tokenLimit), nil
}

func buildSeedMessage(in RunInput) string {
	var b strings.Builder
	b.WriteString("Extract the tasks from the attached image.\n")
	if strings.TrimSpace(in.StorageRef) != "" {
		fmt.Fprintf(&b, "Call inspect_image with {\"storage_ref\": %q", in.StorageRef)
	} else {
		fmt.Fprintf(&b, "Call inspect_image with {\"inline_data\": %q, \"media_type\": %q", in.InlineData, in.MediaType)
	}
	if ctx := strings.TrimSpace(in.Context); ctx != "" {
		fmt.Fprintf(&b, ", \"context\": %q", ctx)
	}
	b.WriteString("}.")
	return b.String()
}
