package lifecycle

import "github.com/nextlevelbuilder/clawtask/internal/task"

// Result is the structured outcome of a public task operation. Operations
// report problems here instead of raising: agents consume these directly.
type Result struct {
	Success        bool        `json:"success"`
	TaskID         string      `json:"taskId,omitempty"`
	Error          string      `json:"error,omitempty"`
	ErrorKind      string      `json:"errorKind,omitempty"` // validation|precondition|locked|io
	BlockedBy      string      `json:"blockedBy,omitempty"` // "stop_guard"
	RemainingSteps []task.Step `json:"remainingSteps,omitempty"`
	Instructions   string      `json:"instructions,omitempty"`
	Task           *task.Task  `json:"-"`
}

const (
	KindValidation   = "validation"
	KindPrecondition = "precondition"
	KindLocked       = "locked"
	KindIO           = "io"
)

func ok(t *task.Task) Result {
	r := Result{Success: true, Task: t}
	if t != nil {
		r.TaskID = t.ID
	}
	return r
}

func fail(kind, msg string) Result {
	return Result{Success: false, Error: msg, ErrorKind: kind}
}
