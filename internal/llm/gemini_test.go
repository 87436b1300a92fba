package llm

import (
	"testing"

	"github.com/google/generative-ai-go/genai"

	"gwi.com/chat-relay/internal/history"
	"gwi.com/chat-relay/internal/store"
)

func TestToGeminiRequest_SplitsContext(t *testing.T) {
	req, err := toGeminiRequest([]history.Message{
		{Role: store.RoleSystem, Content: "be brief"},
		{Role: store.RoleUser, Content: "q1"},
		{Role: store.RoleAssistant, Content: "a1"},
		{Role: store.RoleUser, Content: "q2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.system == nil || req.system.Parts[0] != genai.Text("be brief") {
		t.Fatalf("system instruction not set: %+v", req.system)
	}
	if len(req.history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(req.history))
	}
	if req.history[0].Role != "user" || req.history[1].Role != "model" {
		t.Errorf("unexpected roles %q, %q", req.history[0].Role, req.history[1].Role)
	}
	if len(req.parts) != 1 || req.parts[0] != genai.Text("q2") {
		t.Errorf("unexpected outgoing parts: %+v", req.parts)
	}
}

func TestToGeminiRequest_ImageAttachment(t *testing.T) {
	req, err := toGeminiRequest([]history.Message{
		{Role: store.RoleUser, Content: "what is it?", Image: &history.Image{MIMEType: "image/png", Data: []byte{1, 2}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(req.parts) != 2 {
		t.Fatalf("expected text and image parts, got %d", len(req.parts))
	}
	blob, ok := req.parts[1].(genai.Blob)
	if !ok || blob.MIMEType != "image/png" {
		t.Errorf("unexpected image part: %#v", req.parts[1])
	}
}

func TestToGeminiRequest_Rejects(t *testing.T) {
	if _, err := toGeminiRequest(nil); err == nil {
		t.Error("expected error for empty context")
	}
	if _, err := toGeminiRequest([]history.Message{{Role: store.RoleAssistant, Content: "a"}}); err == nil {
		t.Error("expected error when last message is not from the user")
	}
}

func TestResponseText(t *testing.T) {
	if got := responseText(nil); got != "" {
		t.Errorf("expected empty text for nil response, got %q", got)
	}
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text("Hello"), genai.Text(", world ")}},
	}}}
	if got := responseText(resp); got != "Hello, world" {
		t.Errorf("unexpected text %q", got)
	}
}
