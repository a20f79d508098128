package backend

import "testing"

func TestNewDirectAPIBackendDefaultsModel(t *testing.T) {
	b := NewDirectAPIBackend(DirectAPIConfig{APIKey: "sk-ant-test-key-0123456789"})
	if b.model == "" {
		t.Fatal("expected a default model when none is configured")
	}
}

func TestNewDirectAPIBackendHonorsConfiguredModel(t *testing.T) {
	b := NewDirectAPIBackend(DirectAPIConfig{APIKey: "sk-ant-test-key-0123456789", Model: "claude-opus-4-5-20251101"})
	if string(b.model) != "claude-opus-4-5-20251101" {
		t.Fatalf("expected configured model to be honored, got %q", b.model)
	}
}
