package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"tasklens/internal/chat"
	"tasklens/internal/payload"
	"tasklens/internal/provider"
	"tasklens/internal/schema"
)

// ErrExtractionCallFailed 模型调用失败（网络 / 非 2xx / 无文本内容）
// ErrExtractionCallFailed means the model call failed (network, non-2xx,
// missing text content)
var ErrExtractionCallFailed = errors.New("extraction call failed")

// ErrMalformedOutput 模型输出无法解析为 JSON / model text did not parse as JSON
var ErrMalformedOutput = errors.New("malformed extraction output")

// Analyzer 向多模态模型发起一次无状态抽取请求，并校验、归一化其输出。
// Analyzer issues one stateless request to the multimodal model and
// validates/normalizes what comes back. It never mutates persisted state.
type Analyzer struct {
	provider provider.Provider
	logger   *zap.Logger
}

func NewAnalyzer(p provider.Provider, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{provider: p, logger: logger}
}

// Analyze sends exactly one request per call. There is no automatic retry at
// this layer; retry policy belongs to the caller.
func (a *Analyzer) Analyze(ctx context.Context, img payload.Image, projectContext string) (*schema.AnalysisResult, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}

	req := provider.ChatRequest{
		Messages: []chat.Message{{
			Role: "user",
			MultiContent: []chat.ContentPart{
				chat.TextContent{Type: "text", Text: buildExtractionPrompt(projectContext)},
				chat.ImageContent{Type: "image_url", ImageURL: chat.ImageURL{URL: img.DataURL()}},
			},
		}},
	}

	resp, err := a.provider.Chat(ctx, req, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionCallFailed, err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, fmt.Errorf("%w: response has no text content", ErrExtractionCallFailed)
	}

	raw, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}
	result, err := schema.Validate(raw)
	if err != nil {
		return nil, err
	}
	if len(result.Tasks) > schema.MaxTasks {
		a.logger.Warn("model returned more tasks than the prompt allows",
			zap.Int("count", len(result.Tasks)), zap.Int("max", schema.MaxTasks))
	}
	return schema.Normalize(result), nil
}

// extractJSONObject 在模型文本中定位 JSON 对象；容忍代码围栏等少量噪声
// extractJSONObject locates the JSON object in model text, tolerating
// markdown code fences around it
func extractJSONObject(text string) ([]byte, error) {
	candidate := strings.TrimSpace(text)
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		if idx := strings.LastIndex(candidate, "```"); idx >= 0 {
			candidate = candidate[:idx]
		}
		candidate = strings.TrimSpace(candidate)
	}
	if gjson.Valid(candidate) && gjson.Parse(candidate).IsObject() {
		return []byte(candidate), nil
	}

	// Last resort: take the outermost brace span.
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start >= 0 && end > start {
		span := candidate[start : end+1]
		if gjson.Valid(span) && gjson.Parse(span).IsObject() {
			return []byte(span), nil
		}
	}
	return nil, fmt.Errorf("%w: no JSON object in model text", ErrMalformedOutput)
}
