package upload

import (
	"fmt"
	"time"

	"github.com/fosrl/glean/internal/database"
)

// TaskKind is the directive the manager gives the upload loop.
type TaskKind int

const (
	TaskDone TaskKind = iota
	TaskWait
	TaskUpload
)

func (k TaskKind) String() string {
	switch k {
	case TaskDone:
		return "done"
	case TaskWait:
		return "wait"
	case TaskUpload:
		return "upload"
	default:
		return fmt.Sprintf("task(%d)", int(k))
	}
}

// Task tells the upload loop what to do next.
type Task struct {
	Kind TaskKind
	// RemainingTime is set for TaskWait.
	RemainingTime time.Duration
	// Ping is set for TaskUpload.
	Ping database.QueuedPing
}

// ResultKind classifies an upload attempt.
type ResultKind int

const (
	Success ResultKind = iota
	RecoverableFailure
	UnrecoverableFailure
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case RecoverableFailure:
		return "recoverable_failure"
	case UnrecoverableFailure:
		return "unrecoverable_failure"
	default:
		return fmt.Sprintf("result(%d)", int(k))
	}
}

// Result is the outcome of an upload attempt. Status is the HTTP status when
// a response was received, zero otherwise.
type Result struct {
	Kind   ResultKind
	Status int
}

// ResultFromStatus maps an HTTP status to a result: 2xx succeeds, 4xx can
// never succeed and anything else may succeed later.
func ResultFromStatus(status int) Result {
	switch {
	case status >= 200 && status < 300:
		return Result{Kind: Success, Status: status}
	case status >= 400 && status < 500:
		return Result{Kind: UnrecoverableFailure, Status: status}
	default:
		return Result{Kind: RecoverableFailure, Status: status}
	}
}
