package provider

import (
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"tasklens/internal/chat"
)

func TestAssembleToolCalls(t *testing.T) {
	byIdx := map[int]*toolCallAccumulator{
		1: {id: "call_b", typ: "function", name: "create_task"},
		0: {typ: "function", name: "inspect_image"},
	}
	byIdx[0].args.WriteString(`{"storage`)
	byIdx[0].args.WriteString(`_ref":"blob_1"}`)
	byIdx[1].args.WriteString(`{"title":"x"}`)

	calls := assembleToolCalls(byIdx)
	if len(calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(calls))
	}
	if calls[0].Function.Name != "inspect_image" {
		t.Fatalf("calls[0] = %q, want inspect_image", calls[0].Function.Name)
	}
	if calls[0].ID != "call_0" {
		t.Fatalf("missing id should be synthesized, got %q", calls[0].ID)
	}
	if calls[0].Function.Arguments != `{"storage_ref":"blob_1"}` {
		t.Fatalf("chunked arguments not reassembled: %q", calls[0].Function.Arguments)
	}
	if calls[1].ID != "call_b" {
		t.Fatalf("calls[1].ID = %q", calls[1].ID)
	}
}

func TestAssembleToolCalls_Empty(t *testing.T) {
	if calls := assembleToolCalls(nil); calls != nil {
		t.Fatalf("assembleToolCalls(nil) = %v, want nil", calls)
	}
}

func TestConvertMessages_Multimodal(t *testing.T) {
	msgs := []chat.Message{
		{Role: "system", Content: "instructions"},
		{Role: "user", MultiContent: []chat.ContentPart{
			chat.TextContent{Type: "text", Text: "extract tasks"},
			chat.ImageContent{Type: "image_url", ImageURL: chat.ImageURL{URL: "data:image/png;base64,AAAA"}},
		}},
		{Role: "tool", Name: "inspect_image", ToolCallID: "call_0", Content: `{"tasks":[]}`},
	}

	out := convertMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if out[0].Content != "instructions" {
		t.Fatalf("plain content lost: %+v", out[0])
	}
	if len(out[1].MultiContent) != 2 {
		t.Fatalf("MultiContent parts = %d, want 2", len(out[1].MultiContent))
	}
	imgPart := out[1].MultiContent[1]
	if imgPart.Type != openai.ChatMessagePartTypeImageURL || imgPart.ImageURL == nil {
		t.Fatalf("image part not converted: %+v", imgPart)
	}
	if !strings.HasPrefix(imgPart.ImageURL.URL, "data:image/png") {
		t.Fatalf("image URL = %q", imgPart.ImageURL.URL)
	}
	if imgPart.ImageURL.Detail != openai.ImageURLDetailAuto {
		t.Fatalf("Detail = %q, want auto default", imgPart.ImageURL.Detail)
	}
	if out[2].ToolCallID != "call_0" {
		t.Fatalf("tool message lost ToolCallID: %+v", out[2])
	}
}

func TestConvertTools(t *testing.T) {
	defs := []chat.ToolDef{{
		Type: "function",
		Function: chat.ToolFunction{
			Name:       "inspect_image",
			Parameters: map[string]any{"type": "object"},
		},
	}}
	out := convertTools(defs)
	if len(out) != 1 || out[0].Function.Name != "inspect_image" {
		t.Fatalf("convertTools = %+v", out)
	}
}
