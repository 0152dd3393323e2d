package eventbus

import (
	"sync"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/model"
)

// Aggregator is the exit-code/result-aggregation subscriber: it collects
// every ActionFinished result in publish order and tracks the terminal
// pipeline status. Rendering is a different subscriber's job.
type Aggregator struct {
	// SingleTarget is set when the invocation named exactly one target, in
	// which case that task's own non-zero exit code propagates.
	SingleTarget bool

	mu      sync.Mutex
	results []TargetResult
	status  PipelineStatus
	err     error
}

// TargetResult pairs an ActionFinished result with the target it concerns.
type TargetResult struct {
	ActionID string
	Target   model.Target
	Result   *action.Result
}

// NewAggregator builds an empty Aggregator ready to Subscribe to a Bus.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// OnEvent implements Subscriber.
func (a *Aggregator) OnEvent(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch ev.Kind {
	case KindActionFinished:
		a.results = append(a.results, TargetResult{ActionID: ev.ActionID, Target: ev.Target, Result: ev.Result})
	case KindPipelineFinished, KindPipelineAborted:
		a.status = ev.Status
		a.err = ev.Err
	}
}

// Results returns the accumulated ActionFinished results, in the order they
// were published.
func (a *Aggregator) Results() []TargetResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]TargetResult(nil), a.results...)
}

// Status returns the terminal pipeline status and, for Aborted/Terminated,
// the error that caused it.
func (a *Aggregator) Status() (PipelineStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.err
}

// ExitCode derives the process exit code from the aggregated results and
// terminal status.
func (a *Aggregator) ExitCode() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.status {
	case StatusInterrupted:
		return 130
	case StatusTerminated:
		return 124
	}
	code := 0
	for _, r := range a.results {
		if r.Result == nil {
			continue
		}
		switch r.Result.Status {
		case action.StatusTimedOut:
			return 124
		case action.StatusFailed:
			if code == 0 {
				code = 1
			}
			if a.SingleTarget {
				if child := lastChildExit(r.Result); child != 0 {
					code = child
				}
			}
		}
	}
	return code
}

// lastChildExit digs the final TaskExecution operation's exit code out of a
// failed result.
func lastChildExit(r *action.Result) int {
	for i := len(r.Operations) - 1; i >= 0; i-- {
		op := r.Operations[i]
		if op.Kind == action.OpTaskExecution {
			return op.ExitCode
		}
	}
	return 0
}
