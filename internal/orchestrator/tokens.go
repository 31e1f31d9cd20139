package orchestrator

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"tasklens/internal/chat"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// estimateTokens 估算一组消息的 token 数；tokenizer 不可用时退化为按 4 字符 1 token
// estimateTokens estimates token usage for a message list, falling back to a
// 4-chars-per-token heuristic if the tokenizer is unavailable
func estimateTokens(messages []chat.Message) int {
	encOnce.Do(func() {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	total := 0
	for _, msg := range messages {
		text := msg.Content
		for _, call := range msg.ToolCalls {
			text += call.Function.Name + call.Function.Arguments
		}
		if enc != nil {
			total += len(enc.Encode(text, nil, nil))
		} else {
			total += len(text) / 4
		}
		total += 4 // per-message framing overhead
	}
	return total
}

// trimToTokenBudget drops the oldest non-system messages until the estimate
// fits the budget. The durable thread log is untouched; trimming only shapes
// what is replayed to the model. Leading tool-role messages are skipped so a
// fold is never sent without its requesting assistant turn.
func trimToTokenBudget(messages []chat.Message, budget int) []chat.Message {
	if budget <= 0 || len(messages) <= 2 {
		return messages
	}
	for estimateTokens(messages) > budget && len(messages) > 2 {
		// messages[0] is the system contract; drop the oldest thread message.
		trimmed := append([]chat.Message{messages[0]}, messages[2:]...)
		for len(trimmed) > 1 && trimmed[1].Role == "tool" {
			trimmed = append(trimmed[:1], trimmed[2:]...)
		}
		messages = trimmed
	}
	return messages
}
