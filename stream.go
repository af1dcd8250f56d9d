package changestream

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// streamState is the lifecycle state of a ChangeStream.
type streamState uint8

const (
	stateIdle streamState = iota
	stateOpening
	stateStreaming
	stateResuming
	stateTerminal
)

func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateOpening:
		return "opening"
	case stateStreaming:
		return "streaming"
	case stateResuming:
		return "resuming"
	case stateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("streamState(%d)", uint8(s))
	}
}

// ChangeStream is a resumable stream of change events.
//
// The server-side cursor is opened on the first call to Next. Network errors
// and resumable server errors are handled inside Next by re-opening the
// cursor after the last event returned; at most one such attempt is made per
// failure. Any other failure ends the stream and is returned by every later
// call to Next.
//
// A ChangeStream must not be used from more than one goroutine at a time.
// Always call Close when done.
type ChangeStream struct {
	client *Client
	logger *zap.Logger

	scope        Scope
	pipeline     []bson.D
	fullDocument FullDocumentMode
	batchSize    int32
	maxAwaitTime time.Duration
	collation    *options.Collation
	readPref     *readpref.ReadPref
	readConcern  *readconcern.ReadConcern
	session      streamSession
	operationID  int64

	checkpoint       Checkpointer
	checkpointKey    string
	checkpointLoaded bool

	position ResumePosition
	cursor   *cursor
	state    streamState
	err      error
	closed   bool
}

// newChangeStream validates the arguments and returns an idle stream.
// No command is sent until the first call to Next.
func newChangeStream(c *Client, scope Scope, pipeline []bson.D, opts ...WatchOption) (*ChangeStream, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	cfg := &watchConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pos, err := cfg.position()
	if err != nil {
		return nil, err
	}

	session := streamSession{Session: cfg.session, ownership: sessionBorrowed}
	if cfg.session != nil {
		if cfg.session.client != c {
			return nil, &ValidationError{Field: "session", Err: fmt.Errorf("session belongs to a different client")}
		}
		if cfg.session.Ended() {
			return nil, &ValidationError{Field: "session", Err: ErrSessionEnded}
		}
	} else {
		session = streamSession{Session: c.StartSession(), ownership: sessionOwned}
	}

	rp := cfg.readPreference
	if rp == nil {
		rp = c.readPreference
	}
	rc := cfg.readConcern
	if rc == nil {
		rc = c.readConcern
	}

	stages := make([]bson.D, len(pipeline))
	copy(stages, pipeline)

	cs := &ChangeStream{
		client:        c,
		logger:        c.logger.With(zap.Stringer("scope", scope)),
		scope:         scope,
		pipeline:      stages,
		fullDocument:  cfg.fullDocument,
		batchSize:     cfg.batchSize,
		maxAwaitTime:  cfg.maxAwaitTime,
		collation:     cfg.collation,
		readPref:      rp,
		readConcern:   rc,
		session:       session,
		operationID:   c.nextOperationID(),
		checkpoint:    cfg.checkpoint,
		checkpointKey: cfg.checkpointKey,
		position:      pos,
		state:         stateIdle,
	}
	// An explicit directive wins over a saved checkpoint.
	cs.checkpointLoaded = cs.checkpoint == nil || !pos.IsNone()
	return cs, nil
}

// Scope returns what the stream watches.
func (cs *ChangeStream) Scope() Scope {
	return cs.scope
}

// ResumePosition returns the position the stream would resume from.
// After the first event it is always ResumeAfter(token of the last event).
func (cs *ChangeStream) ResumePosition() ResumePosition {
	return cs.position
}

// ResumeToken returns the token of the last event returned by Next, or the
// token the stream was started with. It returns nil if there is none.
// Save it to resume the stream in another process with WithResumeAfter.
func (cs *ChangeStream) ResumeToken() bson.Raw {
	return cs.position.Token()
}

// Session returns the session the stream's commands run in.
func (cs *ChangeStream) Session() *Session {
	return cs.session.Session
}

// Err returns the failure that ended the stream, or nil if the stream is
// still usable or ended cleanly.
func (cs *ChangeStream) Err() error {
	if cs.err == Done {
		return nil
	}
	return cs.err
}

// Close kills the server-side cursor if one is open, ends the stream's
// implicit session and makes the stream terminal. Later calls to Next
// return Done, unless the stream had already failed.
// Close is idempotent.
func (cs *ChangeStream) Close(ctx context.Context) error {
	if cs.closed {
		return nil
	}
	cs.closed = true

	var killErr error
	if cs.cursor != nil {
		id := cs.cursor.id
		killErr = cs.cursor.kill(ctx)
		if killErr != nil {
			cs.logger.Debug("failed to kill cursor", zap.Int64("cursor_id", id), zap.Error(killErr))
		} else if id != 0 {
			cs.logger.Debug("killed cursor", zap.Int64("cursor_id", id))
		}
		cs.cursor = nil
	}
	if cs.err == nil {
		cs.err = Done
	}
	cs.state = stateTerminal

	if err := cs.session.release(ctx); err != nil {
		return err
	}
	return killErr
}

// open runs the aggregate command for the current resume position.
func (cs *ChangeStream) open(ctx context.Context) error {
	cs.state = stateOpening

	if !cs.checkpointLoaded {
		token, err := cs.checkpoint.Load(ctx, cs.checkpointKey)
		if err != nil {
			return fmt.Errorf("changestream: load checkpoint %q: %w", cs.checkpointKey, err)
		}
		if token != nil {
			cs.position = ResumeAfter(token)
		}
		cs.checkpointLoaded = true
	}

	pipeline := BuildPipeline(cs.scope, cs.pipeline, cs.position, cs.fullDocument)
	cur, err := openCursor(ctx, cs.client, openRequest{
		scope:          cs.scope,
		pipeline:       pipeline,
		session:        cs.session.Session,
		readPreference: cs.readPref,
		readConcern:    cs.readConcern,
		batchSize:      cs.batchSize,
		maxAwaitTime:   cs.maxAwaitTime,
		collation:      cs.collation,
		operationID:    cs.operationID,
	})
	if err != nil {
		return err
	}

	cs.cursor = cur
	cs.state = stateStreaming
	cs.logger.Debug("opened change stream cursor",
		zap.Int64("cursor_id", cur.id),
		zap.Stringer("position", cs.position),
		zap.Int("first_batch", len(cur.batch)))
	return nil
}
