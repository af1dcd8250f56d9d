package changestream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// openRequest carries everything needed to create a server-side cursor.
type openRequest struct {
	scope          Scope
	pipeline       bson.A
	session        *Session
	readPreference *readpref.ReadPref
	readConcern    *readconcern.ReadConcern
	batchSize      int32
	maxAwaitTime   time.Duration
	collation      *options.Collation
	operationID    int64
}

// cursor is a live server-side aggregation cursor and its buffered batch.
type cursor struct {
	client      *Client
	id          int64
	database    string
	collection  string
	batch       []bson.Raw
	batchSize   int32
	maxAwait    time.Duration
	session     *Session
	readPref    *readpref.ReadPref
	operationID int64
}

// cursorReply is the cursor document of aggregate and getMore replies.
type cursorReply struct {
	Cursor *struct {
		ID         int64      `bson:"id"`
		NS         string     `bson:"ns"`
		FirstBatch []bson.Raw `bson:"firstBatch"`
		NextBatch  []bson.Raw `bson:"nextBatch"`
	} `bson:"cursor"`
}

// openCursor runs the aggregate command that creates the stream's cursor.
// It does not retry; failures are returned as TransportError, CommandError
// or ProtocolError.
func openCursor(ctx context.Context, c *Client, req openRequest) (*cursor, error) {
	cursorOpts := bson.D{}
	if req.batchSize > 0 {
		cursorOpts = append(cursorOpts, bson.E{Key: "batchSize", Value: req.batchSize})
	}

	cmd := bson.D{
		{Key: "aggregate", Value: req.scope.aggregateTarget()},
		{Key: "pipeline", Value: req.pipeline},
		{Key: "cursor", Value: cursorOpts},
	}
	if req.collation != nil {
		cmd = append(cmd, bson.E{Key: "collation", Value: req.collation.ToDocument()})
	}

	db := req.scope.database()
	reply, err := c.runCommand(ctx, &CommandRequest{
		Database:       db,
		Command:        cmd,
		Session:        req.session,
		ReadPreference: req.readPreference,
		ReadConcern:    req.readConcern,
	}, req.operationID)
	if err != nil {
		return nil, err
	}

	var r cursorReply
	if err := bson.Unmarshal(reply, &r); err != nil {
		return nil, &ProtocolError{Op: "aggregate", Err: fmt.Errorf("%w: %v", ErrMalformedReply, err)}
	}
	if r.Cursor == nil {
		return nil, &ProtocolError{Op: "aggregate", Err: fmt.Errorf("%w: missing cursor", ErrMalformedReply)}
	}

	return &cursor{
		client:      c,
		id:          r.Cursor.ID,
		database:    db,
		collection:  cursorCollection(r.Cursor.NS, req.scope),
		batch:       r.Cursor.FirstBatch,
		batchSize:   req.batchSize,
		maxAwait:    req.maxAwaitTime,
		session:     req.session,
		readPref:    req.readPreference,
		operationID: req.operationID,
	}, nil
}

// cursorCollection returns the collection part of a cursor namespace. For
// database and deployment streams it is "$cmd.aggregate".
func cursorCollection(ns string, scope Scope) string {
	if _, coll, ok := strings.Cut(ns, "."); ok && coll != "" {
		return coll
	}
	if s, ok := scope.(CollectionScope); ok {
		return s.Collection
	}
	return "$cmd.aggregate"
}

// exhausted reports whether the server closed the cursor and nothing is buffered.
func (c *cursor) exhausted() bool {
	return c.id == 0 && len(c.batch) == 0
}

// next returns the next buffered document, fetching one batch if the buffer
// is empty. It returns nil without error when the batch came back empty.
func (c *cursor) next(ctx context.Context) (bson.Raw, error) {
	if len(c.batch) == 0 && c.id != 0 {
		if err := c.getMore(ctx); err != nil {
			return nil, err
		}
	}
	if len(c.batch) == 0 {
		return nil, nil
	}
	doc := c.batch[0]
	c.batch = c.batch[1:]
	return doc, nil
}

// getMore fetches the next batch. The server holds the request for up to
// maxAwait when no events are ready.
func (c *cursor) getMore(ctx context.Context) error {
	cmd := bson.D{
		{Key: "getMore", Value: c.id},
		{Key: "collection", Value: c.collection},
	}
	if c.batchSize > 0 {
		cmd = append(cmd, bson.E{Key: "batchSize", Value: c.batchSize})
	}
	if c.maxAwait > 0 {
		cmd = append(cmd, bson.E{Key: "maxTimeMS", Value: c.maxAwait.Milliseconds()})
	}

	reply, err := c.client.runCommand(ctx, &CommandRequest{
		Database:       c.database,
		Command:        cmd,
		Session:        c.session,
		ReadPreference: c.readPref,
	}, c.operationID)
	if err != nil {
		return err
	}

	var r cursorReply
	if err := bson.Unmarshal(reply, &r); err != nil {
		return &ProtocolError{Op: "getMore", Err: fmt.Errorf("%w: %v", ErrMalformedReply, err)}
	}
	if r.Cursor == nil {
		return &ProtocolError{Op: "getMore", Err: fmt.Errorf("%w: missing cursor", ErrMalformedReply)}
	}
	c.id = r.Cursor.ID
	c.batch = r.Cursor.NextBatch
	return nil
}

// kill releases the server-side cursor. The cursor must not be used afterwards.
func (c *cursor) kill(ctx context.Context) error {
	id := c.id
	c.id = 0
	c.batch = nil
	if id == 0 {
		return nil
	}

	_, err := c.client.runCommand(ctx, &CommandRequest{
		Database: c.database,
		Command: bson.D{
			{Key: "killCursors", Value: c.collection},
			{Key: "cursors", Value: bson.A{id}},
		},
		Session:        c.session,
		ReadPreference: c.readPref,
	}, c.operationID)
	return err
}
