package a2a

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// PayloadKind names the structured message shapes agents may exchange.
type PayloadKind string

const (
	PayloadTaskDelegation PayloadKind = "task_delegation"
	PayloadStatusReport   PayloadKind = "status_report"
	PayloadQuestion       PayloadKind = "question"
	PayloadAnswer         PayloadKind = "answer"
)

// Payload is the structured companion to a flow message. Exactly the fields
// for its kind must be meaningful; Validate enforces the required ones.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// task_delegation
	Task     string `json:"task,omitempty"`
	Label    string `json:"label,omitempty"`
	Priority string `json:"priority,omitempty"`

	// status_report
	TaskID  string `json:"taskId,omitempty"`
	Status  string `json:"status,omitempty"`
	Summary string `json:"summary,omitempty"`

	// question
	Question string `json:"question,omitempty"`
	Context  string `json:"context,omitempty"`

	// answer
	Answer string `json:"answer,omitempty"`
}

// Validate checks the kind and its required fields.
func (p *Payload) Validate() error {
	switch p.Kind {
	case PayloadTaskDelegation:
		if strings.TrimSpace(p.Task) == "" {
			return fmt.Errorf("a2a: task_delegation payload requires task")
		}
	case PayloadStatusReport:
		if strings.TrimSpace(p.TaskID) == "" || strings.TrimSpace(p.Status) == "" {
			return fmt.Errorf("a2a: status_report payload requires taskId and status")
		}
	case PayloadQuestion:
		if strings.TrimSpace(p.Question) == "" {
			return fmt.Errorf("a2a: question payload requires question")
		}
	case PayloadAnswer:
		if strings.TrimSpace(p.Answer) == "" {
			return fmt.Errorf("a2a: answer payload requires answer")
		}
	default:
		return fmt.Errorf("a2a: unknown payload kind %q", p.Kind)
	}
	return nil
}

// ParsePayload decodes and validates raw payload JSON. Invalid payloads
// degrade gracefully: the flow proceeds as free text and the reason is
// logged, never surfaced as a failure.
func ParsePayload(raw json.RawMessage) *Payload {
	if len(raw) == 0 {
		return nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Debug("a2a: payload not decodable, treating as free text", "error", err)
		return nil
	}
	if err := p.Validate(); err != nil {
		slog.Debug("a2a: payload invalid, treating as free text", "error", err)
		return nil
	}
	return &p
}

// Intent labels an exchange for turn budgeting.
type Intent string

const (
	IntentNotification  Intent = "notification"
	IntentQuestion      Intent = "question"
	IntentCollaboration Intent = "collaboration"
	IntentResultReport  Intent = "result_report"
)

// TurnCeiling bounds ping-pong length per intent. Only collaboration earns a
// real conversation; notifications need no reply at all.
func (i Intent) TurnCeiling() int {
	switch i {
	case IntentCollaboration:
		return 5
	case IntentQuestion:
		return 2
	case IntentResultReport:
		return 1
	}
	return 0
}

// ClassifyIntent labels the exchange. A structured payload decides outright;
// otherwise cheap keyword heuristics on the message text.
func ClassifyIntent(message string, p *Payload) Intent {
	if p != nil {
		switch p.Kind {
		case PayloadTaskDelegation:
			return IntentCollaboration
		case PayloadStatusReport:
			return IntentResultReport
		case PayloadQuestion:
			return IntentQuestion
		case PayloadAnswer:
			return IntentNotification
		}
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "?") ||
		hasAnyPrefixWord(lower, "what", "why", "how", "when", "where", "who", "which", "can you", "could you"):
		return IntentQuestion
	case containsAnyOf(lower, "please ", "work on", "take over", "delegate", "implement", "help me", "let's", "together"):
		return IntentCollaboration
	case containsAnyOf(lower, "done", "completed", "finished", "status:", "progress", "result", "report"):
		return IntentResultReport
	}
	return IntentNotification
}

func containsAnyOf(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasAnyPrefixWord(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p+" ") || s == p {
			return true
		}
	}
	return false
}
