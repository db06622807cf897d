package continuation

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawtask/internal/task"
)

func selfDrivePrompt(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your task %s still has open steps. Work through them now and do NOT stop until every step is done or you hit a genuine blocker.\n\n", t.ID)
	writeStepList(&b, t)
	b.WriteString("\nMark each step done as you finish it. If you are blocked, say why and by whom.")
	return b.String()
}

func escalationPrompt(t *task.Task, stalls int) string {
	var b strings.Builder
	cur := t.CurrentStep()
	step := "the current step"
	if cur != nil {
		step = fmt.Sprintf("step (%s) %q", cur.ID, cur.Content)
	}
	fmt.Fprintf(&b, "You have stalled on %s for %d runs of task %s without progress. Do NOT stop and do NOT repeat the same approach.\n\n", step, stalls, t.ID)
	b.WriteString("Either:\n")
	b.WriteString("1. Take a concretely different approach to the step, or\n")
	b.WriteString("2. Skip it with a reason, or\n")
	b.WriteString("3. Block the task naming who can unblock you.\n\n")
	writeStepList(&b, t)
	return b.String()
}

func stepContinuePrompt(t *task.Task) string {
	cur := t.CurrentStep()
	if cur == nil {
		if open := t.OpenSteps(); len(open) > 0 {
			cur = &open[0]
		}
	}
	if cur == nil {
		return fmt.Sprintf("Task %s has unfinished steps. Pick up where you left off.", t.ID)
	}
	return fmt.Sprintf("When you are ready, continue from: (%s) %s", cur.ID, cur.Content)
}

func pollingPrompt(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK CONTINUATION\n\nYou have an in-progress task that has gone quiet: %s\n", t.ID)
	if line := firstLine(t.Description); line != "" {
		fmt.Fprintf(&b, "Description: %s\n", line)
	}
	b.WriteString("\n")
	writeStepList(&b, t)
	if n := len(t.Progress); n > 0 {
		fmt.Fprintf(&b, "\nLatest progress: %s\n", t.Progress[n-1])
	}
	b.WriteString("\nResume work on it now, or block/cancel it with a reason if it can no longer proceed.")
	return b.String()
}

func unblockPrompt(blockedAgent string, t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s is blocked on task %s and needs your help.\n", blockedAgent, t.ID)
	if t.Blocking != nil {
		fmt.Fprintf(&b, "Reason: %s\n", t.Blocking.BlockedReason)
		if t.Blocking.UnblockedAction != "" {
			fmt.Fprintf(&b, "Requested action: %s\n", t.Blocking.UnblockedAction)
		}
	}
	b.WriteString("\nResolve the blocker if you can, then tell them to resume the task.")
	return b.String()
}

func writeStepList(b *strings.Builder, t *task.Task) {
	if len(t.Steps) == 0 {
		return
	}
	p := t.StepsSummary()
	fmt.Fprintf(b, "Steps (%d/%d done):\n", p.Done, p.Total)
	for _, s := range t.Steps {
		marker := " "
		switch s.Status {
		case task.StepDone:
			marker = "x"
		case task.StepInProgress:
			marker = ">"
		case task.StepSkipped:
			marker = "-"
		}
		fmt.Fprintf(b, "- [%s] (%s) %s\n", marker, s.ID, s.Content)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
