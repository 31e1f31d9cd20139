package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tasklens/internal/chat"
	"tasklens/internal/payload"
	"tasklens/internal/vision"
)

// InspectImageTool 将图片传输层、视觉抽取调用与归一化器包装成一个模型可调用的能力
// InspectImageTool wraps the image transport, the vision extraction call and
// the normalizer into one model-callable capability
type InspectImageTool struct {
	resolver *payload.Resolver
	analyzer *vision.Analyzer
}

type InspectImageArgs struct {
	// Inline form: base64 data plus its declared media type.
	InlineData string `json:"inline_data,omitempty"`
	MediaType  string `json:"media_type,omitempty"`
	// Reference form: opaque reference to a previously stored payload.
	StorageRef string `json:"storage_ref,omitempty"`
	// Optional free-text project context, forwarded verbatim.
	Context string `json:"context,omitempty"`
}

func NewInspectImageTool(resolver *payload.Resolver, analyzer *vision.Analyzer) *InspectImageTool {
	return &InspectImageTool{resolver: resolver, analyzer: analyzer}
}

func (t *InspectImageTool) Name() string {
	return "inspect_image"
}

func (t *InspectImageTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Analyze the session image and extract actionable tasks from it. Requires either an inline base64 payload with its media type, or a storage reference to a previously uploaded image. Call this exactly once per session before answering.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"inline_data": map[string]any{
						"type":        "string",
						"description": "Base64-encoded image bytes (inline form)",
					},
					"media_type": map[string]any{
						"type":        "string",
						"enum":        payload.AllowedMediaTypes(),
						"description": "Media type of the inline payload",
					},
					"storage_ref": map[string]any{
						"type":        "string",
						"description": "Opaque reference to a stored payload (reference form); consumed on use",
					},
					"context": map[string]any{
						"type":        "string",
						"description": "Optional project context to guide the extraction",
					},
				},
			},
		},
	}
}

func (t *InspectImageTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in InspectImageArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("inspect_image args: %w", err)
	}
	if strings.TrimSpace(in.InlineData) == "" && strings.TrimSpace(in.StorageRef) == "" {
		return "", fmt.Errorf("inspect_image args: inline_data or storage_ref is required")
	}

	img, err := t.resolver.Resolve(ctx, payload.Input{
		InlineData: in.InlineData,
		MediaType:  in.MediaType,
		StorageRef: in.StorageRef,
	})
	if err != nil {
		return "", err
	}

	result, err := t.analyzer.Analyze(ctx, img, in.Context)
	if err != nil {
		return "", err
	}
	return mustJSON(result), nil
}
