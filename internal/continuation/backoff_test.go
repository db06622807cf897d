package continuation

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		errText  string
		reason   FailureReason
		override time.Duration
	}{
		{"HTTP 429 Too Many Requests", ReasonRateLimit, 0},
		{"rate limit exceeded, reset after 90s", ReasonRateLimit, 90 * time.Second},
		{"Rate Limit: reset after 5s", ReasonRateLimit, 10 * time.Second}, // floored
		{"billing hold on account", ReasonBilling, 0},
		{"insufficient credits", ReasonBilling, 0},
		{"request timed out after 120s", ReasonTimeout, 0},
		{"upstream timeout", ReasonTimeout, 0},
		{"context length exceeded maximum", ReasonContextOverflow, 0},
		{"something unexpected happened", ReasonUnknown, 0},
		{"", ReasonUnknown, 0},
	}
	for _, tt := range tests {
		reason, override := Classify(tt.errText)
		if reason != tt.reason || override != tt.override {
			t.Errorf("Classify(%q) = %s, %s; want %s, %s",
				tt.errText, reason, override, tt.reason, tt.override)
		}
	}
}

func TestDelay(t *testing.T) {
	tests := []struct {
		reason  FailureReason
		attempt int
		want    time.Duration
	}{
		{ReasonRateLimit, 0, 60 * time.Second},
		{ReasonRateLimit, 1, 120 * time.Second},
		{ReasonRateLimit, 3, 480 * time.Second},
		{ReasonBilling, 0, time.Hour},
		{ReasonBilling, 1, 2 * time.Hour},
		{ReasonBilling, 5, 2 * time.Hour}, // capped
		{ReasonContextOverflow, 0, 30 * time.Minute},
		{ReasonContextOverflow, 2, 2 * time.Hour},
		{ReasonUnknown, 0, 5 * time.Minute},
		{ReasonUnknown, 20, 2 * time.Hour},
	}
	for _, tt := range tests {
		if got := Delay(tt.reason, tt.attempt); got != tt.want {
			t.Errorf("Delay(%s, %d) = %s, want %s", tt.reason, tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffState(t *testing.T) {
	b := NewBackoffState()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	if !b.Expired("a", "task_1", now) {
		t.Error("fresh state should be expired")
	}

	reason, delay := b.RecordFailure("a", "task_1", "request timed out", now)
	if reason != ReasonTimeout || delay != 60*time.Second {
		t.Fatalf("first failure: %s, %s", reason, delay)
	}
	if b.Expired("a", "task_1", now.Add(30*time.Second)) {
		t.Error("expired inside window")
	}
	if !b.Expired("a", "task_1", now.Add(60*time.Second)) {
		t.Error("not expired at boundary")
	}

	// Second failure in the same category doubles.
	_, delay = b.RecordFailure("a", "task_1", "timed out again", now)
	if delay != 120*time.Second {
		t.Errorf("second delay = %s", delay)
	}

	// A different category resets the attempt counter.
	reason, delay = b.RecordFailure("a", "task_1", "429 too many requests", now)
	if reason != ReasonRateLimit || delay != 60*time.Second {
		t.Errorf("category switch: %s, %s", reason, delay)
	}

	// Server-suggested reset overrides the schedule.
	_, delay = b.RecordFailure("a", "task_1", "429, reset after 7s", now)
	if delay != 10*time.Second {
		t.Errorf("override = %s", delay)
	}

	// State is keyed per agent+task.
	if !b.Expired("b", "task_1", now) {
		t.Error("backoff leaked across agents")
	}
	if !b.Expired("a", "task_2", now) {
		t.Error("backoff leaked across tasks")
	}

	b.RecordSuccess("a", "task_1")
	if !b.Expired("a", "task_1", now) {
		t.Error("success did not clear state")
	}
}
