package simerr

import (
	"errors"
	"testing"
)

func TestConfigError(t *testing.T) {
	err := Config("cache", "ParseFlags", "missing required -s/-b/-E")
	if err.Category != CategoryConfig {
		t.Fatalf("expected config category, got %v", err.Category)
	}
	want := "cache: ParseFlags: missing required -s/-b/-E"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsMatchesByCategory(t *testing.T) {
	a := Invariant("cache", "coherCallback", "no matching pending request")
	b := Invariant("core", "stateUpdate", "duplicate tag")
	if !errors.Is(a, b) {
		t.Fatalf("expected invariant errors to match by category")
	}
	c := Config("cache", "ParseFlags", "missing -s")
	if errors.Is(a, c) {
		t.Fatalf("invariant should not match config category")
	}
}

func TestWrapPreservesCategory(t *testing.T) {
	inner := Invariant("interconnect", "busReq", "unexpected SHARED with no pending request")
	wrapped := Wrap("sim", "tick", inner)
	if wrapped.Category != CategoryInvariant {
		t.Fatalf("expected wrap to preserve category, got %v", wrapped.Category)
	}
	if !errors.Is(wrapped, inner) {
		t.Fatalf("expected wrapped error to match inner via errors.Is")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap("sim", "tick", nil) != nil {
		t.Fatalf("expected nil wrap of nil error")
	}
}
