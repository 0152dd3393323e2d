package eventbus

import (
	"fmt"
	"sync"

	"github.com/google/chrometracing"
)

// TracingSubscriber emits a Chrome trace_event span for every action's
// started/finished pair, so a run can be loaded into chrome://tracing.
type TracingSubscriber struct {
	mu     sync.Mutex
	pending map[string]*chrometracing.PendingEvent
}

// NewTracingSubscriber builds a TracingSubscriber. Call chrometracing.EnableTracing
// beforehand (or rely on CHROMETRACING_DIR) for the trace file to actually be written.
func NewTracingSubscriber() *TracingSubscriber {
	return &TracingSubscriber{pending: map[string]*chrometracing.PendingEvent{}}
}

// OnEvent implements Subscriber.
func (t *TracingSubscriber) OnEvent(ev Event) {
	switch ev.Kind {
	case KindActionStarted:
		t.mu.Lock()
		t.pending[ev.ActionID] = chrometracing.Event(fmt.Sprintf("%s %s", ev.Kind, ev.Target.String()))
		t.mu.Unlock()
	case KindActionFinished:
		t.mu.Lock()
		pe := t.pending[ev.ActionID]
		delete(t.pending, ev.ActionID)
		t.mu.Unlock()
		if pe != nil {
			pe.Done()
		}
	}
}

var _ Subscriber = (*Aggregator)(nil)
var _ Subscriber = (*TracingSubscriber)(nil)
