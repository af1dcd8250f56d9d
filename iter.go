package changestream

import (
	"context"
	"errors"
	"iter"
)

// Events returns an iterator over the stream's change events.
// Unlike Next it keeps polling through empty batches, so it only stops when
// the stream ends, fails, ctx is cancelled or the loop body breaks.
// It does not close the stream.
//
//	for event, err := range cs.Events(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    process(event)
//	}
func (cs *ChangeStream) Events(ctx context.Context) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			event, err := cs.Next(ctx)
			if errors.Is(err, Done) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if event == nil {
				continue
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

// DecodedEvents returns an iterator over the stream's events decoded into T.
// A decode failure is yielded as an error and ends the iteration; the
// stream's resume position has already moved past the event.
//
//	type OrderChange struct {
//	    OperationType string `bson:"operationType"`
//	    FullDocument  Order  `bson:"fullDocument"`
//	}
//
//	for change, err := range changestream.DecodedEvents[OrderChange](ctx, cs) {
//	    if err != nil {
//	        return err
//	    }
//	    process(change)
//	}
func DecodedEvents[T any](ctx context.Context, cs *ChangeStream) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for event, err := range cs.Events(ctx) {
			var v T
			if err == nil {
				err = event.Decode(&v)
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}
