package eventbus

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/model"
)

func TestAggregatorCollectsResultsInOrder(t *testing.T) {
	bus := New(nil)
	agg := NewAggregator()
	bus.Subscribe(agg)

	web := model.NewProjectTarget("web", "build")
	api := model.NewProjectTarget("api", "build")

	bus.Publish(Event{Kind: KindActionStarted, ActionID: "1", Target: web})
	bus.Publish(Event{Kind: KindActionFinished, ActionID: "1", Target: web, Result: &action.Result{Status: action.StatusPassed}})
	bus.Publish(Event{Kind: KindActionFinished, ActionID: "2", Target: api, Result: &action.Result{Status: action.StatusFailed}})
	bus.Publish(Event{Kind: KindPipelineFinished, Status: StatusAborted})

	results := agg.Results()
	assert.Equal(t, len(results), 2)
	assert.Equal(t, results[0].Target.String(), "web:build")
	assert.Equal(t, results[1].Target.String(), "api:build")

	status, _ := agg.Status()
	assert.Equal(t, status, StatusAborted)
	assert.Equal(t, agg.ExitCode(), 1)
}

func TestAggregatorExitCodeZeroOnAllPassed(t *testing.T) {
	bus := New(nil)
	agg := NewAggregator()
	bus.Subscribe(agg)

	bus.Publish(Event{Kind: KindActionFinished, Result: &action.Result{Status: action.StatusCached}})
	bus.Publish(Event{Kind: KindPipelineFinished, Status: StatusCompleted})

	assert.Equal(t, agg.ExitCode(), 0)
}

func TestPublishStampsRunID(t *testing.T) {
	bus := New(nil)
	var got Event
	bus.Subscribe(subscriberFunc(func(ev Event) { got = ev }))
	bus.Publish(Event{Kind: KindActionStarted})
	assert.Equal(t, got.RunID, bus.RunID)
}

type subscriberFunc func(Event)

func (f subscriberFunc) OnEvent(ev Event) { f(ev) }
