package reposync

import "fmt"

// Stage names one step of the synchronization pipeline. Every failure is
// attributed to exactly one stage.
type Stage string

const (
	StagePrecondition  Stage = "precondition"
	StageReset         Stage = "reset"
	StageCaptureBefore Stage = "capture_before"
	StagePull          Stage = "pull"
	StageCaptureAfter  Stage = "capture_after"
)

// StageError reports which pipeline stage aborted the synchronization and
// carries the underlying cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
