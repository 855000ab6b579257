package config

import (
	"testing"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for non-integer value, got %d", v)
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.85")
	if v := envFloat("TEST_FLOAT", 0); v != 0.85 {
		t.Fatalf("expected 0.85, got %f", v)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !envBool("TEST_BOOL", false) {
		t.Fatal("expected true")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxIterations != 10 {
		t.Fatalf("expected default 10 iterations, got %d", cfg.MaxIterations)
	}
	if cfg.PromptTokenCeiling != 80_000 {
		t.Fatalf("expected default 80000 token ceiling, got %d", cfg.PromptTokenCeiling)
	}
	if cfg.RecommendThreshold != 0.85 {
		t.Fatalf("expected default 0.85 threshold, got %f", cfg.RecommendThreshold)
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.ConfidenceFloor = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range confidence floor")
	}
	cfg.ConfidenceFloor = 0.5
	cfg.MaxIterations = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max iterations")
	}
}
