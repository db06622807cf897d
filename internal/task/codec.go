package task

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Markdown codec for task files. The layout is fixed: labeled ## sections,
// fenced JSON for structured metadata, and a trailing managed-by footer.
// Malformed structured content fails the whole parse; callers treat the file
// as missing rather than silently working with a corrupt task.

const footer = "---\n*Managed by task tools*\n"

var stepMarkers = map[StepStatus]string{
	StepPending:    " ",
	StepInProgress: ">",
	StepDone:       "x",
	StepSkipped:    "-",
}

var markerSteps = map[string]StepStatus{
	" ": StepPending,
	">": StepInProgress,
	"x": StepDone,
	"-": StepSkipped,
}

// Marshal renders the task file body.
func Marshal(t *Task) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n", t.ID)

	b.WriteString("## Metadata\n")
	fmt.Fprintf(&b, "- **Status:** %s\n", t.Status)
	fmt.Fprintf(&b, "- **Priority:** %s\n", t.Priority)
	fmt.Fprintf(&b, "- **Created:** %s\n", t.Created.Format(time.RFC3339))
	if t.Source != "" {
		fmt.Fprintf(&b, "- **Source:** %s\n", t.Source)
	}
	if t.WorkSession != "" {
		fmt.Fprintf(&b, "- **Work Session:** %s\n", t.WorkSession)
	}
	if t.PrevWorkSession != "" {
		fmt.Fprintf(&b, "- **Previous Work Session:** %s\n", t.PrevWorkSession)
	}

	fmt.Fprintf(&b, "\n## Description\n%s\n", strings.TrimSpace(t.Description))

	if strings.TrimSpace(t.Context) != "" {
		fmt.Fprintf(&b, "\n## Context\n%s\n", strings.TrimSpace(t.Context))
	}

	if len(t.Steps) > 0 {
		b.WriteString("\n## Steps\n")
		for _, s := range t.Steps {
			fmt.Fprintf(&b, "- [%s] (%s) %s\n", stepMarkers[s.Status], s.ID, flatten(s.Content))
		}
	}

	b.WriteString("\n## Progress\n")
	for _, line := range t.Progress {
		fmt.Fprintf(&b, "- %s\n", flatten(line))
	}

	fmt.Fprintf(&b, "\n## Last Activity\n%s\n", t.LastActivity.Format(time.RFC3339))

	if t.Blocking != nil {
		writeJSONSection(&b, "Blocking", t.Blocking)
	}
	if t.Backlog != nil {
		writeJSONSection(&b, "Backlog", t.Backlog)
	}
	if len(t.Delegations) > 0 || len(t.DelegationEvents) > 0 {
		writeJSONSection(&b, "Delegations", delegationsBlock{
			Records: t.Delegations,
			Events:  t.DelegationEvents,
		})
	}
	if t.Outcome != nil {
		writeJSONSection(&b, "Outcome", t.Outcome)
	}

	b.WriteString("\n" + footer)
	return []byte(b.String())
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// flatten collapses line breaks in caller-supplied text that is rendered as a
// single markdown list line. A stray newline would otherwise open a new
// section and corrupt the file on the next parse.
func flatten(s string) string {
	return strings.TrimSpace(lineBreaks.Replace(s))
}

type delegationsBlock struct {
	Records []Delegation      `json:"records"`
	Events  []DelegationEvent `json:"events,omitempty"`
}

func writeJSONSection(b *strings.Builder, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return // all section payloads are plain structs; cannot happen
	}
	fmt.Fprintf(b, "\n## %s\n```json\n%s\n```\n", name, data)
}

var (
	titleRe   = regexp.MustCompile(`^# Task: (task_[0-9a-f]+)\s*$`)
	metaRe    = regexp.MustCompile(`^- \*\*([^*]+):\*\* (.*)$`)
	stepRe    = regexp.MustCompile(`^- \[(.)\] \((s\d+)\) (.*)$`)
	fencedRe  = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	sectionRe = regexp.MustCompile(`(?m)^## (\w[\w ]*)$`)
)

// Unmarshal parses a task file body. Any malformed structured content
// (unknown status, bad step line, invalid JSON block) fails the parse.
func Unmarshal(data []byte) (*Task, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	t := &Task{}
	for _, line := range strings.Split(text, "\n") {
		if m := titleRe.FindStringSubmatch(line); m != nil {
			t.ID = m[1]
			break
		}
	}
	if t.ID == "" {
		return nil, fmt.Errorf("task: missing title")
	}

	sections := splitSections(text)

	if err := parseMetadata(t, sections["Metadata"]); err != nil {
		return nil, err
	}
	t.Description = strings.TrimSpace(sections["Description"])
	t.Context = strings.TrimSpace(sections["Context"])

	if body, ok := sections["Steps"]; ok {
		steps, err := parseSteps(body)
		if err != nil {
			return nil, err
		}
		t.Steps = steps
	}

	for _, line := range strings.Split(sections["Progress"], "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "- "); ok {
			t.Progress = append(t.Progress, rest)
		}
	}

	if body, ok := sections["Last Activity"]; ok {
		ts, err := parseWhen(strings.TrimSpace(body))
		if err != nil {
			return nil, fmt.Errorf("task: bad last activity: %w", err)
		}
		t.LastActivity = ts
	}

	if err := parseJSONSection(sections, "Blocking", &t.Blocking); err != nil {
		return nil, err
	}
	if err := parseJSONSection(sections, "Backlog", &t.Backlog); err != nil {
		return nil, err
	}
	if err := parseJSONSection(sections, "Outcome", &t.Outcome); err != nil {
		return nil, err
	}
	if body, ok := sections["Delegations"]; ok {
		var block delegationsBlock
		if err := unmarshalFenced(body, &block); err != nil {
			return nil, fmt.Errorf("task: bad Delegations section: %w", err)
		}
		t.Delegations = block.Records
		t.DelegationEvents = block.Events
	}

	if t.Outcome != nil && !t.Status.Terminal() {
		return nil, fmt.Errorf("task: outcome present on non-terminal status %q", t.Status)
	}

	return t, nil
}

// splitSections maps "## <name>" headings to their body text.
func splitSections(text string) map[string]string {
	sections := make(map[string]string)
	locs := sectionRe.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		name := text[loc[2]:loc[3]]
		start := loc[1]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := text[start:end]
		// Trim the managed footer off the final section.
		if idx := strings.Index(body, "\n---\n"); idx >= 0 {
			body = body[:idx]
		}
		sections[name] = strings.Trim(body, "\n")
	}
	return sections
}

func parseMetadata(t *Task, body string) error {
	for _, line := range strings.Split(body, "\n") {
		m := metaRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[2])
		switch m[1] {
		case "Status":
			t.Status = Status(value)
		case "Priority":
			t.Priority = Priority(value)
		case "Created":
			ts, err := parseWhen(value)
			if err != nil {
				return fmt.Errorf("task: bad created timestamp: %w", err)
			}
			t.Created = ts
		case "Source":
			t.Source = value
		case "Work Session":
			t.WorkSession = value
		case "Previous Work Session":
			t.PrevWorkSession = value
		}
	}
	if !t.Status.Valid() {
		return fmt.Errorf("task: unknown status %q", t.Status)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("task: unknown priority %q", t.Priority)
	}
	return nil
}

func parseSteps(body string) ([]Step, error) {
	var steps []Step
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		m := stepRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("task: malformed step line %q", line)
		}
		status, ok := markerSteps[m[1]]
		if !ok {
			return nil, fmt.Errorf("task: unknown step marker %q", m[1])
		}
		steps = append(steps, Step{
			ID:      m[2],
			Content: m[3],
			Status:  status,
			Order:   len(steps) + 1,
		})
	}
	return steps, nil
}

func parseJSONSection[T any](sections map[string]string, name string, out **T) error {
	body, ok := sections[name]
	if !ok {
		return nil
	}
	v := new(T)
	if err := unmarshalFenced(body, v); err != nil {
		return fmt.Errorf("task: bad %s section: %w", name, err)
	}
	*out = v
	return nil
}

func unmarshalFenced(body string, v any) error {
	m := fencedRe.FindStringSubmatch(body)
	if m == nil {
		return fmt.Errorf("no fenced json block")
	}
	return json.Unmarshal([]byte(m[1]), v)
}

// parseWhen parses the timestamps found in task files. Timezone-less stamps
// are interpreted in local time (documented rule; the fleet writes RFC3339).
func parseWhen(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if layout == time.RFC3339 {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
			continue
		}
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
