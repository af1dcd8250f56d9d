package changestream

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PositionKind identifies which resume directive a ResumePosition holds.
type PositionKind uint8

const (
	// PositionNone starts the stream at the current end of the oplog.
	PositionNone PositionKind = iota

	// PositionResumeAfter resumes after the event with the given token.
	PositionResumeAfter

	// PositionStartAfter starts after the event with the given token.
	// Unlike resumeAfter it is accepted after an invalidate event.
	PositionStartAfter

	// PositionStartAtOperationTime starts at the given cluster time.
	PositionStartAtOperationTime
)

func (k PositionKind) String() string {
	switch k {
	case PositionNone:
		return "none"
	case PositionResumeAfter:
		return "resumeAfter"
	case PositionStartAfter:
		return "startAfter"
	case PositionStartAtOperationTime:
		return "startAtOperationTime"
	default:
		return fmt.Sprintf("PositionKind(%d)", uint8(k))
	}
}

// ResumePosition is the point in the event log a stream (re)starts from.
// It holds at most one directive; the zero value is PositionNone.
//
// Resume tokens are opaque: do not parse or interpret their contents.
type ResumePosition struct {
	kind          PositionKind
	token         bson.Raw
	operationTime primitive.Timestamp
}

// ResumeAfter returns a position that resumes after the event identified by token.
func ResumeAfter(token bson.Raw) ResumePosition {
	return ResumePosition{kind: PositionResumeAfter, token: cloneRaw(token)}
}

// StartAfter returns a position that starts after the event identified by token.
func StartAfter(token bson.Raw) ResumePosition {
	return ResumePosition{kind: PositionStartAfter, token: cloneRaw(token)}
}

// StartAtOperationTime returns a position that starts at the given cluster time.
func StartAtOperationTime(ts primitive.Timestamp) ResumePosition {
	return ResumePosition{kind: PositionStartAtOperationTime, operationTime: ts}
}

// Kind returns the directive held by the position.
func (p ResumePosition) Kind() PositionKind {
	return p.kind
}

// IsNone returns true if the position holds no directive.
func (p ResumePosition) IsNone() bool {
	return p.kind == PositionNone
}

// Token returns the resume token for resumeAfter and startAfter positions,
// or nil otherwise.
func (p ResumePosition) Token() bson.Raw {
	return p.token
}

// OperationTime returns the timestamp of a startAtOperationTime position.
func (p ResumePosition) OperationTime() (primitive.Timestamp, bool) {
	return p.operationTime, p.kind == PositionStartAtOperationTime
}

// String returns the position as "<kind>" or "<kind>(<value>)".
func (p ResumePosition) String() string {
	switch p.kind {
	case PositionResumeAfter, PositionStartAfter:
		return fmt.Sprintf("%s(%s)", p.kind, p.token.String())
	case PositionStartAtOperationTime:
		return fmt.Sprintf("%s(%d,%d)", p.kind, p.operationTime.T, p.operationTime.I)
	default:
		return p.kind.String()
	}
}

// appendTo adds the position's directive to a $changeStream stage body.
func (p ResumePosition) appendTo(stage bson.D) bson.D {
	switch p.kind {
	case PositionResumeAfter:
		return append(stage, bson.E{Key: "resumeAfter", Value: p.token})
	case PositionStartAfter:
		return append(stage, bson.E{Key: "startAfter", Value: p.token})
	case PositionStartAtOperationTime:
		return append(stage, bson.E{Key: "startAtOperationTime", Value: p.operationTime})
	}
	return stage
}

func cloneRaw(r bson.Raw) bson.Raw {
	if r == nil {
		return nil
	}
	out := make(bson.Raw, len(r))
	copy(out, r)
	return out
}
