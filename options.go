package changestream

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// FullDocumentMode controls whether update events carry the post-image of
// the changed document.
type FullDocumentMode string

const (
	// FullDocumentDefault lets the server decide; update events carry only
	// the delta. The fullDocument option is not sent.
	FullDocumentDefault FullDocumentMode = "default"

	// FullDocumentUpdateLookup looks up the current document for update events.
	FullDocumentUpdateLookup FullDocumentMode = "updateLookup"

	// FullDocumentWhenAvailable returns the stored post-image if there is one.
	FullDocumentWhenAvailable FullDocumentMode = "whenAvailable"

	// FullDocumentRequired returns the stored post-image or fails.
	FullDocumentRequired FullDocumentMode = "required"
)

func (m FullDocumentMode) isDefault() bool {
	return m == "" || m == FullDocumentDefault
}

// =============================================================================
// Client Options
// =============================================================================

type clientConfig struct {
	logger         *zap.Logger
	monitor        CommandMonitor
	readPreference *readpref.ReadPref
	readConcern    *readconcern.ReadConcern
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger used for stream lifecycle messages.
// If not set, nothing is logged.
func WithLogger(l *zap.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = l
	}
}

// WithMonitor sets a sink that is told about every command the client runs.
func WithMonitor(m CommandMonitor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.monitor = m
	}
}

// WithReadPreference sets the default read preference for streams.
// Default is primary.
func WithReadPreference(rp *readpref.ReadPref) ClientOption {
	return func(cfg *clientConfig) {
		cfg.readPreference = rp
	}
}

// WithReadConcern sets the default read concern for streams.
// If not set, the server default applies.
func WithReadConcern(rc *readconcern.ReadConcern) ClientOption {
	return func(cfg *clientConfig) {
		cfg.readConcern = rc
	}
}

// =============================================================================
// Watch Options
// =============================================================================

type watchConfig struct {
	fullDocument   FullDocumentMode
	resumeAfter    bson.Raw
	startAfter     bson.Raw
	startAt        *primitive.Timestamp
	batchSize      int32
	maxAwaitTime   time.Duration
	collation      *options.Collation
	session        *Session
	readPreference *readpref.ReadPref
	readConcern    *readconcern.ReadConcern
	checkpoint     Checkpointer
	checkpointKey  string
}

// WatchOption configures a change stream.
type WatchOption func(*watchConfig)

// WithFullDocument sets the full document mode for update events.
func WithFullDocument(mode FullDocumentMode) WatchOption {
	return func(cfg *watchConfig) {
		cfg.fullDocument = mode
	}
}

// WithResumeAfter resumes the stream after the event with the given token.
// Mutually exclusive with WithStartAfter and WithStartAtOperationTime.
func WithResumeAfter(token bson.Raw) WatchOption {
	return func(cfg *watchConfig) {
		cfg.resumeAfter = token
	}
}

// WithStartAfter starts the stream after the event with the given token,
// even if that event was an invalidate.
// Mutually exclusive with WithResumeAfter and WithStartAtOperationTime.
func WithStartAfter(token bson.Raw) WatchOption {
	return func(cfg *watchConfig) {
		cfg.startAfter = token
	}
}

// WithStartAtOperationTime starts the stream at the given cluster time.
// Mutually exclusive with WithResumeAfter and WithStartAfter.
func WithStartAtOperationTime(ts primitive.Timestamp) WatchOption {
	return func(cfg *watchConfig) {
		cfg.startAt = &ts
	}
}

// WithBatchSize sets the number of events per server batch.
// Zero leaves the choice to the server.
func WithBatchSize(n int32) WatchOption {
	return func(cfg *watchConfig) {
		cfg.batchSize = n
	}
}

// WithMaxAwaitTime bounds how long the server waits for new events before
// answering a getMore with an empty batch. It is sent as maxTimeMS.
func WithMaxAwaitTime(d time.Duration) WatchOption {
	return func(cfg *watchConfig) {
		cfg.maxAwaitTime = d
	}
}

// WithCollation sets the collation used by the stream's pipeline.
func WithCollation(c *options.Collation) WatchOption {
	return func(cfg *watchConfig) {
		cfg.collation = c
	}
}

// WithSession runs the stream's commands in the given session.
// The stream never ends a session it did not create.
func WithSession(s *Session) WatchOption {
	return func(cfg *watchConfig) {
		cfg.session = s
	}
}

// WithStreamReadPreference overrides the client's read preference for one stream.
func WithStreamReadPreference(rp *readpref.ReadPref) WatchOption {
	return func(cfg *watchConfig) {
		cfg.readPreference = rp
	}
}

// WithStreamReadConcern overrides the client's read concern for one stream.
func WithStreamReadConcern(rc *readconcern.ReadConcern) WatchOption {
	return func(cfg *watchConfig) {
		cfg.readConcern = rc
	}
}

// WithCheckpoint persists the resume token under key after every event.
// When no resume directive is given, the stream starts after the saved token.
func WithCheckpoint(cp Checkpointer, key string) WatchOption {
	return func(cfg *watchConfig) {
		cfg.checkpoint = cp
		cfg.checkpointKey = key
	}
}

// position converts the resume options into a ResumePosition.
func (cfg *watchConfig) position() (ResumePosition, error) {
	n := 0
	if cfg.resumeAfter != nil {
		n++
	}
	if cfg.startAfter != nil {
		n++
	}
	if cfg.startAt != nil {
		n++
	}
	if n > 1 {
		return ResumePosition{}, &ValidationError{Field: "resume options", Err: ErrConflictingResumeOptions}
	}

	switch {
	case cfg.resumeAfter != nil:
		if err := cfg.resumeAfter.Validate(); err != nil {
			return ResumePosition{}, &ValidationError{Field: "resumeAfter", Err: err}
		}
		return ResumeAfter(cfg.resumeAfter), nil
	case cfg.startAfter != nil:
		if err := cfg.startAfter.Validate(); err != nil {
			return ResumePosition{}, &ValidationError{Field: "startAfter", Err: err}
		}
		return StartAfter(cfg.startAfter), nil
	case cfg.startAt != nil:
		return StartAtOperationTime(*cfg.startAt), nil
	}
	return ResumePosition{}, nil
}

func (cfg *watchConfig) validate() error {
	if cfg.batchSize < 0 {
		return &ValidationError{Field: "batchSize", Err: fmt.Errorf("must not be negative, got %d", cfg.batchSize)}
	}
	if cfg.maxAwaitTime < 0 {
		return &ValidationError{Field: "maxAwaitTime", Err: fmt.Errorf("must not be negative, got %s", cfg.maxAwaitTime)}
	}
	if cfg.checkpoint != nil && cfg.checkpointKey == "" {
		return &ValidationError{Field: "checkpoint", Err: fmt.Errorf("key must not be empty")}
	}
	return nil
}
