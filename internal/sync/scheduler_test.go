package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extract-sync-service/internal/config"
	"extract-sync-service/internal/store"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) RunSync(ctx context.Context, profileID int64) (*store.SyncRun, error) {
	r.calls.Add(1)
	return nil, r.err
}

func TestScheduler_RejectsInvalidExpression(t *testing.T) {
	s := NewScheduler(config.SchedulerConfig{
		Enabled:  true,
		Profiles: []config.ScheduledProfile{{ProfileID: 1, Cron: "every minute"}},
	}, &countingRunner{})
	assert.Error(t, s.Start())
}

func TestScheduler_DisabledDoesNothing(t *testing.T) {
	r := &countingRunner{}
	s := NewScheduler(config.SchedulerConfig{
		Profiles: []config.ScheduledProfile{{ProfileID: 1, Cron: "* * * * *"}},
	}, r)
	require.NoError(t, s.Start())
	s.Stop()
	assert.Empty(t, s.cron.Entries())
}

func TestScheduler_TriggerSkipsConflicts(t *testing.T) {
	r := &countingRunner{err: ErrRunInProgress}
	s := NewScheduler(config.SchedulerConfig{Enabled: true}, r)
	s.trigger(7)
	s.trigger(7)
	assert.EqualValues(t, 2, r.calls.Load())
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	got := make(chan EventType, 3)
	d := NewDispatcher(8, SinkFunc(func(e Event) { got <- e.Type }), LogSink{})
	d.Start()

	p := &store.SyncProfile{ID: 1}
	d.Handle(Event{Type: SyncStarting, Profile: p})
	d.Handle(Event{Type: SyncSucceeded, Profile: p, Run: &store.SyncRun{ID: "r"}})
	d.Stop()

	assert.Equal(t, SyncStarting, <-got)
	assert.Equal(t, SyncSucceeded, <-got)
}

func TestDispatcher_SurvivesPanickingSink(t *testing.T) {
	delivered := make(chan struct{}, 1)
	d := NewDispatcher(1,
		SinkFunc(func(Event) { panic("boom") }),
		SinkFunc(func(Event) { delivered <- struct{}{} }),
	)
	d.Start()
	defer d.Stop()

	d.Handle(Event{Type: SyncFailed, Profile: &store.SyncProfile{ID: 2}})
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("second sink not called")
	}
}
