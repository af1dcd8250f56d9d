package changestream

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common conditions.
var (
	// Done is returned by Next once the stream has ended cleanly: it was
	// closed by the caller or the server closed the cursor.
	// Check with errors.Is(err, changestream.Done).
	Done = errors.New("changestream: no more events in stream")

	// ErrConflictingResumeOptions indicates more than one of resumeAfter,
	// startAfter and startAtOperationTime was supplied.
	ErrConflictingResumeOptions = errors.New("changestream: only one of resumeAfter, startAfter and startAtOperationTime may be set")

	// ErrInvalidName indicates an empty or malformed database or collection name.
	ErrInvalidName = errors.New("changestream: invalid namespace name")

	// ErrNameTooLong indicates a database or collection name over the length limit.
	ErrNameTooLong = errors.New("changestream: namespace name too long")

	// ErrMissingResumeToken indicates a change event without a usable _id.
	ErrMissingResumeToken = errors.New("changestream: event is missing its resume token")

	// ErrMalformedReply indicates a server reply without the expected fields.
	ErrMalformedReply = errors.New("changestream: malformed server reply")

	// ErrSessionEnded indicates a session was used after EndSession.
	ErrSessionEnded = errors.New("changestream: session has ended")
)

// ValidationError reports malformed arguments passed when constructing a
// stream. It is never retried.
type ValidationError struct {
	// Field is the offending option or argument.
	Field string

	// Err is the underlying error.
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("changestream: invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TransportError wraps a network-level failure while running a command.
// Transport errors are always resumable.
type TransportError struct {
	// Op is the command that failed: "aggregate", "getMore", "killCursors".
	Op string

	// Err is the underlying error.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("changestream: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CommandError is a failure reported by the server in a command reply.
type CommandError struct {
	// Code is the server error code.
	Code int32

	// CodeName is the symbolic name of Code, if the server sent one.
	CodeName string

	// Message is the server's error message.
	Message string

	// Labels are the error labels attached to the reply.
	Labels []string
}

func (e *CommandError) Error() string {
	if e.CodeName != "" {
		return fmt.Sprintf("changestream: server error %d (%s): %s", e.Code, e.CodeName, e.Message)
	}
	return fmt.Sprintf("changestream: server error %d: %s", e.Code, e.Message)
}

// HasLabel reports whether the error carries the given error label.
func (e *CommandError) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ProtocolError reports a reply or event that is missing fields the stream
// relies on. Protocol errors are never resumable: the stream's resume state
// cannot be trusted after one.
type ProtocolError struct {
	// Op is the command or step that produced the bad data.
	Op string

	// Err describes what was wrong.
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("changestream: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ResumeExhaustedError is returned when the single resume attempt made after
// a resumable failure failed again with a resumable error.
// The stream is terminal after it.
//
// If the resume attempt fails with a non-resumable error, that error is
// returned as is instead, and the stream is terminal too. Callers that need
// to tell the two cases apart check for both.
type ResumeExhaustedError struct {
	// Cause is the failure that triggered the resume attempt.
	Cause error

	// Err is the failure of the resume attempt itself.
	Err error
}

func (e *ResumeExhaustedError) Error() string {
	return fmt.Sprintf("changestream: resume failed: %v (after: %v)", e.Err, e.Cause)
}

func (e *ResumeExhaustedError) Unwrap() error {
	return e.Err
}

// newCommandError builds a CommandError from reply fields, tolerating empty labels.
func newCommandError(code int32, codeName, msg string, labels []string) *CommandError {
	return &CommandError{
		Code:     code,
		CodeName: codeName,
		Message:  strings.TrimSpace(msg),
		Labels:   labels,
	}
}
