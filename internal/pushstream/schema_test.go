package pushstream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParsePayload(t *testing.T) {
	raw := json.RawMessage(`{"message":"you have a reply","url":"/posts/9","createdAt":"2026-08-30T10:00:00Z"}`)
	p, err := parsePayload(raw)
	if err != nil {
		t.Fatalf("parsePayload: %v", err)
	}
	if p.Message != "you have a reply" {
		t.Errorf("message = %q", p.Message)
	}
	if p.URL != "/posts/9" {
		t.Errorf("url = %q", p.URL)
	}
	want := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if !p.CreatedAt.Equal(want) {
		t.Errorf("createdAt = %v, want %v", p.CreatedAt, want)
	}
}

func TestParsePayloadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not JSON":          `{{`,
		"missing message":   `{"url":"/x","createdAt":"2026-08-30T10:00:00Z"}`,
		"empty message":     `{"message":"","createdAt":"2026-08-30T10:00:00Z"}`,
		"missing createdAt": `{"message":"hi"}`,
		"bad timestamp":     `{"message":"hi","createdAt":"yesterday"}`,
		"wrong type":        `{"message":7,"createdAt":"2026-08-30T10:00:00Z"}`,
	}
	for name, raw := range cases {
		if _, err := parsePayload(json.RawMessage(raw)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
