package main

import (
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("NOTIFEED_TEST_VALUE", "  set  ")
	if got := envOrDefault("NOTIFEED_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("expected trimmed env value, got %q", got)
	}
	if got := envOrDefault("NOTIFEED_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestDurationEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("NOTIFEED_TEST_DURATION", "not-a-duration")
	if got := durationEnv("NOTIFEED_TEST_DURATION", 7*time.Second); got != 7*time.Second {
		t.Fatalf("expected fallback 7s, got %s", got)
	}
	t.Setenv("NOTIFEED_TEST_DURATION", "90s")
	if got := durationEnv("NOTIFEED_TEST_DURATION", 7*time.Second); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
}

func TestBoolEnv(t *testing.T) {
	cases := map[string]bool{
		"1":     true,
		"true":  true,
		"YES":   true,
		"on":    true,
		"0":     false,
		"false": false,
		"no":    false,
		"off":   false,
		"junk":  false,
	}
	for raw, want := range cases {
		t.Setenv("NOTIFEED_TEST_BOOL", raw)
		if got := boolEnv("NOTIFEED_TEST_BOOL", false); got != want {
			t.Fatalf("boolEnv(%q) = %v, want %v", raw, got, want)
		}
	}
	t.Setenv("NOTIFEED_TEST_BOOL", "")
	if got := boolEnv("NOTIFEED_TEST_BOOL", true); !got {
		t.Fatalf("expected fallback true for empty value")
	}
}
