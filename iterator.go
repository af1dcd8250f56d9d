package changestream

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// Next returns the next change event.
//
// If no event arrives before the stream's max await time elapses, Next
// returns a nil event and a nil error; call it again to keep waiting.
// Next returns Done once the stream has been closed or the server has
// closed the cursor, and the stream's terminal error after a failure.
// A cancelled ctx is returned as is and does not end the stream.
//
// Example:
//
//	for {
//	    event, err := cs.Next(ctx)
//	    if errors.Is(err, changestream.Done) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    if event == nil {
//	        continue // nothing new yet
//	    }
//	    fmt.Println(event.OperationType, event.Namespace)
//	}
func (cs *ChangeStream) Next(ctx context.Context) (*Event, error) {
	if cs.state == stateTerminal {
		return nil, cs.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	event, err := cs.advance(ctx)
	if err == nil {
		return event, nil
	}
	return cs.recoverFrom(ctx, err)
}

// recoverFrom decides what to do with a failure from advance: end cleanly,
// surface it, or resume exactly once.
func (cs *ChangeStream) recoverFrom(ctx context.Context, cause error) (*Event, error) {
	switch {
	case errors.Is(cause, Done):
		cs.finish()
		return nil, Done
	case isContextError(ctx, cause):
		return nil, cause
	case !IsResumable(cause):
		return nil, cs.fail(cause)
	}

	cs.logger.Info("resuming change stream",
		zap.Stringer("position", cs.position),
		zap.Error(cause))

	// The cursor is assumed dead; it is dropped without killCursors.
	cs.cursor = nil
	cs.state = stateResuming

	event, err := cs.advance(ctx)
	switch {
	case err == nil:
		return event, nil
	case errors.Is(err, Done):
		cs.finish()
		return nil, Done
	case isContextError(ctx, err):
		return nil, err
	case IsResumable(err):
		return nil, cs.fail(&ResumeExhaustedError{Cause: cause, Err: err})
	default:
		return nil, cs.fail(err)
	}
}

// advance opens the cursor if needed and returns the next event, or nil if
// the current batch came back empty.
func (cs *ChangeStream) advance(ctx context.Context) (*Event, error) {
	if cs.cursor == nil {
		if err := cs.open(ctx); err != nil {
			return nil, err
		}
	}

	doc, err := cs.cursor.next(ctx)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		if cs.cursor.exhausted() {
			return nil, Done
		}
		return nil, nil
	}
	return cs.accept(ctx, doc)
}

// accept parses a change event and moves the resume position past it.
func (cs *ChangeStream) accept(ctx context.Context, doc bson.Raw) (*Event, error) {
	event, err := parseEvent(doc)
	if err != nil {
		return nil, err
	}

	cs.position = ResumeAfter(event.ID)
	if cs.checkpoint != nil {
		if err := cs.checkpoint.Save(ctx, cs.checkpointKey, event.ID); err != nil {
			cs.logger.Warn("failed to save checkpoint",
				zap.String("key", cs.checkpointKey),
				zap.Error(err))
		}
	}
	return event, nil
}

// fail makes the stream terminal with err and returns it.
func (cs *ChangeStream) fail(err error) error {
	cs.logger.Warn("change stream failed", zap.Error(err))
	cs.cursor = nil
	cs.err = err
	cs.state = stateTerminal
	return err
}

// finish makes the stream terminal after the server closed the cursor.
func (cs *ChangeStream) finish() {
	cs.logger.Debug("change stream cursor closed by server")
	cs.cursor = nil
	cs.err = Done
	cs.state = stateTerminal
}
