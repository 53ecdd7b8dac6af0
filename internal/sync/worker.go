package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"extract-sync-service/internal/logger"
)

// Dispatcher delivers events to sinks on a background goroutine so the
// engine never waits on them. Events are dropped, with a warning, when the
// queue is full.
type Dispatcher struct {
	sinks  []Sink
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sinks:  sinks,
		events: make(chan Event, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop delivers queued events and waits for the worker to exit.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
}

func (d *Dispatcher) Handle(e Event) {
	select {
	case d.events <- e:
	default:
		logger.Log.Warn("Event queue full, dropping event", zap.String("event", e.String()))
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.events:
			d.deliver(e)
		case <-d.ctx.Done():
			for {
				select {
				case e := <-d.events:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, s := range d.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log.Error("Event sink panicked", zap.Any("panic", r), zap.String("event", e.String()))
				}
			}()
			s.Handle(e)
		}()
	}
}

// LogSink writes events to the structured log.
type LogSink struct{}

func (LogSink) Handle(e Event) {
	fields := []zap.Field{
		zap.Int64("profile_id", e.Profile.ID),
		zap.String("dataset", e.Profile.DatasetIdentifier),
	}
	if e.Run != nil {
		fields = append(fields,
			zap.String("run_id", e.Run.ID),
			zap.Int64("rows_processed", e.Run.RowsProcessed),
			zap.Int64("rows_added", e.Run.RowsAdded),
			zap.Int64("rows_updated", e.Run.RowsUpdated),
			zap.Int64("rows_unchanged", e.Run.RowsUnchanged),
		)
	}

	switch e.Type {
	case SyncStarting:
		logger.Log.Info("Sync starting", fields...)
	case SyncSucceeded:
		logger.Log.Info("Sync succeeded", fields...)
	case SyncFailed:
		logger.Log.Error("Sync failed", append(fields, zap.Error(e.Err))...)
	}
}
