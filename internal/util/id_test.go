package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("anon")
	if !strings.HasPrefix(id, "anon_") {
		t.Fatalf("expected prefix, got %q", id)
	}
	if len(strings.TrimPrefix(id, "anon_")) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("expected unique ids")
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatal("expected no separator without prefix")
	}
}
