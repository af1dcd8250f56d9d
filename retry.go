package changestream

import (
	"context"
	"errors"
)

// resumableChangeStreamLabel is attached by servers 4.4+ to errors after
// which a change stream may resume.
const resumableChangeStreamLabel = "ResumableChangeStreamError"

// resumableCodes are the server error codes after which re-opening the
// change stream from the last resume token is safe.
var resumableCodes = map[int32]struct{}{
	6:     {}, // HostUnreachable
	7:     {}, // HostNotFound
	43:    {}, // CursorNotFound
	63:    {}, // StaleShardVersion
	89:    {}, // NetworkTimeout
	91:    {}, // ShutdownInProgress
	133:   {}, // FailedToSatisfyReadPreference
	150:   {}, // StaleEpoch
	189:   {}, // PrimarySteppedDown
	234:   {}, // RetryChangeStream
	262:   {}, // ExceededTimeLimit
	9001:  {}, // SocketException
	10107: {}, // NotWritablePrimary
	11600: {}, // InterruptedAtShutdown
	11602: {}, // InterruptedDueToReplStateChange
	13388: {}, // StaleConfig
	13435: {}, // NotPrimaryNoSecondaryOk
	13436: {}, // NotPrimaryOrSecondary
}

// IsResumable reports whether a change stream may transparently resume
// after err. Transport errors and server errors with a resumable code or
// label qualify; validation, protocol and all other server errors do not.
func IsResumable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return true
	}

	var ce *CommandError
	if errors.As(err, &ce) {
		if ce.HasLabel(resumableChangeStreamLabel) {
			return true
		}
		_, ok := resumableCodes[ce.Code]
		return ok
	}

	return false
}

// isContextError reports whether err came from the caller's context rather
// than from the server. Those neither resume nor end the stream.
// A deployment's own timeout, reported as a TransportError, is not one.
func isContextError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classifyFailure normalizes an error returned by a Deployment.
// Errors already in the taxonomy pass through; anything else is treated as
// a transport failure, except cancellation of the caller's context.
func classifyFailure(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var (
		ce *CommandError
		pe *ProtocolError
		te *TransportError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &ce), errors.As(err, &pe), errors.As(err, &te), errors.As(err, &ve):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &TransportError{Op: op, Err: err}
}
