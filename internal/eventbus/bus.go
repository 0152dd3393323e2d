// Package eventbus is the one-way stream of pipeline lifecycle events fanned
// out to subscribers: a reporter, cache flushers, an exit-code aggregator, a
// trace exporter.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/model"
)

// Kind tags which lifecycle moment an Event records.
type Kind string

const (
	KindPipelineStarted Kind = "PipelineStarted"
	KindActionStarted   Kind = "ActionStarted"
	KindActionFinished  Kind = "ActionFinished"
	KindPipelineAborted Kind = "PipelineAborted"
	KindPipelineFinished Kind = "PipelineFinished"
)

// Event is one message on the bus. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	// RunID identifies the pipeline invocation this event belongs to.
	RunID string

	// ActionStarted / ActionFinished
	ActionID string
	Target   model.Target
	Result   *action.Result

	// PipelineFinished / PipelineAborted
	Status PipelineStatus
	Err    error
}

// PipelineStatus is the terminal state of a pipeline run.
type PipelineStatus string

const (
	StatusCompleted   PipelineStatus = "completed"
	StatusAborted     PipelineStatus = "aborted"
	StatusInterrupted PipelineStatus = "interrupted"
	StatusTerminated  PipelineStatus = "terminated"
)

// Subscriber receives every Event published on the bus. Implementations must
// not block the publisher for long; slow subscribers should buffer
// internally.
type Subscriber interface {
	OnEvent(Event)
}

// Bus fans published events out to its subscribers in publish order. A Bus
// is safe for concurrent Publish calls; subscriber registration is expected
// to happen before the pipeline starts publishing.
type Bus struct {
	RunID string

	mu          sync.Mutex
	subscribers []Subscriber
	logger      hclog.Logger
}

// New builds a Bus with a fresh run id. A nil logger is replaced with a
// discarding one.
func New(logger hclog.Logger) *Bus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bus{RunID: uuid.NewString(), logger: logger}
}

// Subscribe registers s to receive all future published events.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Publish delivers ev to every subscriber, in registration order. ev.RunID
// is stamped with the bus's run id if unset.
func (b *Bus) Publish(ev Event) {
	if ev.RunID == "" {
		ev.RunID = b.RunID
	}
	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subscribers...)
	b.mu.Unlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("subscriber panicked handling event", "kind", ev.Kind, "recover", r)
				}
			}()
			s.OnEvent(ev)
		}()
	}
}
