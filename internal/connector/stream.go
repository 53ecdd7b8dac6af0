package connector

import (
	"encoding/json"
	"errors"
	"iter"
)

// ErrStreamNotDrained is returned by CheckpointStream.Checkpoint when the rows
// were not consumed to the end.
var ErrStreamNotDrained = errors.New("checkpoint requested before stream was drained")

// Producer emits rows through yield and returns the checkpoint to resume
// from. It must stop and return as soon as yield returns false. A nil
// checkpoint means the dataset was fully drained and the next run starts
// from scratch.
type Producer func(yield func(Row) bool) (json.RawMessage, error)

// CheckpointStream pairs a lazy row sequence with the checkpoint that becomes
// available once the sequence is exhausted without error.
type CheckpointStream struct {
	produce    Producer
	checkpoint json.RawMessage
	drained    bool
}

func NewCheckpointStream(p Producer) *CheckpointStream {
	return &CheckpointStream{produce: p}
}

// FailedStream is a stream whose only element is err.
func FailedStream(err error) *CheckpointStream {
	return NewCheckpointStream(func(func(Row) bool) (json.RawMessage, error) {
		return nil, err
	})
}

// Rows runs the producer. A producer error is delivered as the final element.
func (s *CheckpointStream) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		stopped := false
		cp, err := s.produce(func(r Row) bool {
			if !yield(r, nil) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		s.checkpoint = cp
		s.drained = true
	}
}

// Checkpoint returns the next checkpoint. It fails unless Rows was consumed
// to the end without error.
func (s *CheckpointStream) Checkpoint() (json.RawMessage, error) {
	if !s.drained {
		return nil, ErrStreamNotDrained
	}
	return s.checkpoint, nil
}

// Seq adapts a producer into a plain row sequence, discarding the checkpoint.
func Seq(p Producer) iter.Seq2[Row, error] {
	return NewCheckpointStream(p).Rows()
}
