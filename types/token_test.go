package types

import "testing"

func TestTokenUsage_Add(t *testing.T) {
	t.Parallel()

	u := TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	u.Add(TokenUsage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 5})

	if u.PromptTokens != 4 || u.CompletionTokens != 6 || u.TotalTokens != 8 {
		t.Fatalf("unexpected tokens: %+v", u)
	}
}

func TestMessageConstructors(t *testing.T) {
	t.Parallel()

	msg := NewUserMessage("hello")
	if msg.Role != RoleUser || msg.Content != "hello" || msg.Timestamp.IsZero() {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if NewAssistantMessage("a").Role != RoleAssistant || NewSystemMessage("s").Role != RoleSystem {
		t.Fatal("constructor role mismatch")
	}

	tagged := msg.WithMetadata(map[string]any{"strategy": "hybrid"})
	if tagged.Metadata["strategy"] != "hybrid" || msg.Metadata != nil {
		t.Fatalf("WithMetadata must copy: %+v / %+v", tagged, msg)
	}
}

func TestRole_Valid(t *testing.T) {
	t.Parallel()

	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant} {
		if !r.Valid() {
			t.Fatalf("%s should be valid", r)
		}
	}
	if Role("tool").Valid() || Role("").Valid() {
		t.Fatal("unknown roles must be invalid")
	}
}
