package sync

import (
	"fmt"
	"time"

	"extract-sync-service/internal/store"
)

type EventType string

const (
	SyncStarting  EventType = "sync.starting"
	SyncSucceeded EventType = "sync.succeeded"
	SyncFailed    EventType = "sync.failed"
)

// Event is a lifecycle signal of one sync run. SyncStarting carries the run
// as it was recorded, before any rows moved.
type Event struct {
	Type       EventType
	Profile    *store.SyncProfile
	Run        *store.SyncRun
	Err        error
	OccurredAt time.Time
}

func (e Event) String() string {
	if e.Run == nil {
		return fmt.Sprintf("[%s] profile %d", e.Type, e.Profile.ID)
	}
	return fmt.Sprintf("[%s] profile %d run %s (%d rows)", e.Type, e.Profile.ID, e.Run.ID, e.Run.RowsProcessed)
}

// Sink consumes sync events. Implementations must not assume they are
// called on the goroutine running the sync.
type Sink interface {
	Handle(e Event)
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Handle(e Event) { f(e) }
