package tools

import (
	"context"
	"encoding/json"
	"errors"

	"tasklens/internal/chat"
)

// ErrToolAuthorizationFailed 工具调用时身份解析失败或主体不匹配
// ErrToolAuthorizationFailed means identity resolution failed or the
// principal did not match when a tool required one
var ErrToolAuthorizationFailed = errors.New("tool authorization failed")

// Tool is one named capability the model may invoke mid-conversation.
// Arguments arrive as untrusted JSON and are validated at the boundary;
// mismatches are rejected, never silently coerced.
type Tool interface {
	Name() string
	Definition() chat.ToolDef
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}
