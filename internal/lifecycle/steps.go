package lifecycle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/clawtask/internal/task"
	"github.com/nextlevelbuilder/clawtask/internal/workspace"
	"github.com/nextlevelbuilder/clawtask/pkg/protocol"
)

// Step actions accepted by Update.
const (
	ActionSetSteps     = "set_steps"
	ActionAddStep      = "add_step"
	ActionCompleteStep = "complete_step"
	ActionStartStep    = "start_step"
	ActionSkipStep     = "skip_step"
	ActionReorderSteps = "reorder_steps"
)

var validActions = []string{
	ActionSetSteps, ActionAddStep, ActionCompleteStep,
	ActionStartStep, ActionSkipStep, ActionReorderSteps,
}

// UpdateOptions carry either a free-form progress line or one step action.
type UpdateOptions struct {
	Progress string

	Action  string
	Steps   []string // set_steps contents
	Content string   // add_step content
	StepID  string   // complete_step / start_step / skip_step target
	Order   []string // reorder_steps id order
}

// Update appends progress or applies a step action to an active task.
func (m *Manager) Update(agentID, taskID string, opts UpdateOptions) Result {
	if opts.Progress == "" && opts.Action == "" {
		return fail(KindValidation, "nothing to update: provide progress or a step action")
	}

	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		if t.Status.Terminal() {
			return fail(KindPrecondition, fmt.Sprintf("task already %s", t.Status)), false
		}

		if opts.Progress != "" {
			t.AddProgress(m.now(), opts.Progress)
		}
		if opts.Action != "" {
			if err := m.applyStepAction(t, opts); err != nil {
				return fail(KindValidation, err.Error()), false
			}
			t.Touch(m.now())
		}
		return ok(t), true
	})
	if res.Success {
		data := map[string]any{"taskId": taskID}
		if opts.Action != "" {
			data["stepAction"] = opts.Action
			if res.Task != nil {
				data["stepsProgress"] = res.Task.StepsSummary()
			}
		}
		m.emit(protocol.EventTaskUpdated, agentID, data)
	}
	return res
}

func (m *Manager) applyStepAction(t *task.Task, opts UpdateOptions) error {
	switch opts.Action {
	case ActionSetSteps:
		if len(opts.Steps) == 0 {
			return fmt.Errorf("set_steps requires a non-empty step list")
		}
		applySetSteps(t, opts.Steps)
		return nil

	case ActionAddStep:
		if strings.TrimSpace(opts.Content) == "" {
			return fmt.Errorf("add_step requires content")
		}
		t.Steps = append(t.Steps, task.Step{
			ID:      t.NextStepID(),
			Content: opts.Content,
			Status:  task.StepPending,
			Order:   maxOrder(t.Steps) + 1,
		})
		return nil

	case ActionCompleteStep:
		return transitionStep(t, opts.StepID, task.StepDone, true)

	case ActionSkipStep:
		return transitionStep(t, opts.StepID, task.StepSkipped, true)

	case ActionStartStep:
		target := t.StepByID(opts.StepID)
		if target == nil {
			return fmt.Errorf("unknown step id %q", opts.StepID)
		}
		if cur := t.CurrentStep(); cur != nil && cur.ID != target.ID {
			cur.Status = task.StepPending
		}
		target.Status = task.StepInProgress
		return nil

	case ActionReorderSteps:
		if len(opts.Order) == 0 {
			return fmt.Errorf("reorder_steps requires an id list")
		}
		return reorderSteps(t, opts.Order)

	default:
		return fmt.Errorf("unknown step action %q (valid: %s)",
			opts.Action, strings.Join(validActions, ", "))
	}
}

// applySetSteps replaces the step list. Ids continue from the previous
// maximum so they are never reused; the first step starts in progress.
func applySetSteps(t *task.Task, contents []string) {
	base := 0
	fmt.Sscanf(t.NextStepID(), "s%d", &base)

	steps := make([]task.Step, 0, len(contents))
	for i, content := range contents {
		status := task.StepPending
		if i == 0 {
			status = task.StepInProgress
		}
		steps = append(steps, task.Step{
			ID:      fmt.Sprintf("s%d", base+i),
			Content: content,
			Status:  status,
			Order:   i + 1,
		})
	}
	t.Steps = steps
}

// transitionStep closes a step as done or skipped and auto-starts the
// lowest-order pending step, if any.
func transitionStep(t *task.Task, stepID string, to task.StepStatus, autoAdvance bool) error {
	target := t.StepByID(stepID)
	if target == nil {
		return fmt.Errorf("unknown step id %q", stepID)
	}
	if !target.Status.Open() {
		return fmt.Errorf("step %s is already %s", stepID, target.Status)
	}
	target.Status = to

	if autoAdvance && t.CurrentStep() == nil {
		if next := lowestPending(t); next != nil {
			next.Status = task.StepInProgress
		}
	}
	return nil
}

func lowestPending(t *task.Task) *task.Step {
	var best *task.Step
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.Status != task.StepPending {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	return best
}

// reorderSteps assigns ordinals 1..n to the listed ids; unlisted steps keep
// their relative order and are appended after.
func reorderSteps(t *task.Task, order []string) error {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		if t.StepByID(id) == nil {
			return fmt.Errorf("unknown step id %q in reorder list", id)
		}
		if _, dup := pos[id]; dup {
			return fmt.Errorf("duplicate step id %q in reorder list", id)
		}
		pos[id] = i + 1
	}

	next := len(order) + 1
	// Walk in current order so unlisted steps keep their relative order.
	sort.SliceStable(t.Steps, func(i, j int) bool { return t.Steps[i].Order < t.Steps[j].Order })
	for i := range t.Steps {
		if p, listed := pos[t.Steps[i].ID]; listed {
			t.Steps[i].Order = p
		} else {
			t.Steps[i].Order = next
			next++
		}
	}
	sort.SliceStable(t.Steps, func(i, j int) bool { return t.Steps[i].Order < t.Steps[j].Order })
	return nil
}

func maxOrder(steps []task.Step) int {
	max := 0
	for _, s := range steps {
		if s.Order > max {
			max = s.Order
		}
	}
	return max
}
