package changestreamtest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	changestream "github.com/durable-streams/changestream-go"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Server error codes used by FakeDeployment.
const (
	codeFailedToParse       = 9
	codeCursorNotFound      = 43
	codeCommandNotFound     = 59
	codeInvalidResumeToken  = 260
	codeChangeStreamHistory = 286
)

// defaultBatchSize is the batch size used when a command does not set one.
const defaultBatchSize = 101

// FakeDeployment is an in-memory implementation of the commands a change
// stream uses. It keeps an ordered log of change events, serves cursors
// over it and can inject failures.
//
// A getMore with maxTimeMS waits up to that long for new events, like a
// real tailable-await cursor.
type FakeDeployment struct {
	// EagerFirstBatch makes aggregate return already-available events in the
	// first batch. By default the first batch is always empty.
	EagerFirstBatch bool

	mu            sync.Mutex
	events        []*fakeEvent
	cursors       map[int64]*fakeCursor
	nextCursorID  int64
	clock         uint32
	failures      []injectedFailure
	requests      []*changestream.CommandRequest
	endedSessions []uuid.UUID
	notify        chan struct{}
}

// fakeEvent is one entry of the event log. Documents are rendered per
// cursor because the fullDocument of update events depends on the cursor.
type fakeEvent struct {
	seq           int64
	operationType string
	db            string
	coll          string
	clusterTime   primitive.Timestamp
	documentKey   bson.D
	fullDocument  bson.D
	updated       bson.D
}

type fakeScope struct {
	db   string
	coll string
	all  bool
}

func (s fakeScope) matches(e *fakeEvent) bool {
	switch {
	case s.all:
		return true
	case s.coll == "":
		return e.db == s.db
	default:
		return e.db == s.db && e.coll == s.coll
	}
}

type fakeCursor struct {
	id                int64
	ns                string
	scope             fakeScope
	pos               int
	batchSize         int
	fullDocument      string
	pendingInvalidate *fakeEvent
	closed            bool
}

type injectedFailure struct {
	command string
	err     error
}

// NewFakeDeployment creates an empty fake deployment.
func NewFakeDeployment() *FakeDeployment {
	return &FakeDeployment{
		cursors:      make(map[int64]*fakeCursor),
		nextCursorID: 1000,
		notify:       make(chan struct{}),
	}
}

// Insert records an insert of doc into db.coll and returns the event's
// resume token. A missing _id is generated.
func (d *FakeDeployment) Insert(db, coll string, doc bson.D) bson.Raw {
	id, doc := documentID(doc)
	return d.appendEvent(&fakeEvent{
		operationType: "insert",
		db:            db,
		coll:          coll,
		documentKey:   bson.D{{Key: "_id", Value: id}},
		fullDocument:  doc,
	})
}

// Update records an update of the document with the given _id. postImage is
// only sent to cursors opened with a fullDocument mode other than default.
func (d *FakeDeployment) Update(db, coll string, id any, updated, postImage bson.D) bson.Raw {
	return d.appendEvent(&fakeEvent{
		operationType: "update",
		db:            db,
		coll:          coll,
		documentKey:   bson.D{{Key: "_id", Value: id}},
		fullDocument:  postImage,
		updated:       updated,
	})
}

// Delete records a delete of the document with the given _id.
func (d *FakeDeployment) Delete(db, coll string, id any) bson.Raw {
	return d.appendEvent(&fakeEvent{
		operationType: "delete",
		db:            db,
		coll:          coll,
		documentKey:   bson.D{{Key: "_id", Value: id}},
	})
}

// Drop records a collection drop. Cursors watching only that collection
// receive the drop event followed by an invalidate event, then close.
func (d *FakeDeployment) Drop(db, coll string) bson.Raw {
	return d.appendEvent(&fakeEvent{
		operationType: "drop",
		db:            db,
		coll:          coll,
	})
}

// ClusterTime returns the cluster time of the last recorded event.
func (d *FakeDeployment) ClusterTime() primitive.Timestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return primitive.Timestamp{T: d.clock, I: 1}
}

// FailCommand makes the next command with the given name fail with err.
// A *changestream.CommandError is sent as an ok: 0 reply; any other error
// is returned from RunCommand as a transport failure.
// Calls queue up: each injected failure is used once.
func (d *FakeDeployment) FailCommand(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, injectedFailure{command: name, err: err})
}

// ExpireCursors forgets every open cursor, so the next getMore on any of
// them fails with CursorNotFound.
func (d *FakeDeployment) ExpireCursors() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursors = make(map[int64]*fakeCursor)
}

// OpenCursors returns the number of cursors the fake is serving.
func (d *FakeDeployment) OpenCursors() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cursors)
}

// Requests returns every request received, in order.
func (d *FakeDeployment) Requests() []*changestream.CommandRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*changestream.CommandRequest, len(d.requests))
	copy(out, d.requests)
	return out
}

// CommandNames returns the name of every command received, in order.
func (d *FakeDeployment) CommandNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, len(d.requests))
	for i, r := range d.requests {
		names[i] = r.Name()
	}
	return names
}

// EndedSessions returns the ids of sessions ended through EndSession.
func (d *FakeDeployment) EndedSessions() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uuid.UUID, len(d.endedSessions))
	copy(out, d.endedSessions)
	return out
}

// EndSession implements changestream.SessionEnder.
func (d *FakeDeployment) EndSession(_ context.Context, s *changestream.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endedSessions = append(d.endedSessions, s.ID())
	return nil
}

// RunCommand implements changestream.Deployment.
func (d *FakeDeployment) RunCommand(ctx context.Context, req *changestream.CommandRequest) (bson.Raw, error) {
	cmd, err := bson.Marshal(req.Command)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.requests = append(d.requests, req)
	if err := d.takeFailure(req.Name()); err != nil {
		d.mu.Unlock()
		var ce *changestream.CommandError
		if errors.As(err, &ce) {
			return errorReply(ce.Code, ce.CodeName, ce.Message, ce.Labels...), nil
		}
		return nil, err
	}
	d.mu.Unlock()

	switch req.Name() {
	case "aggregate":
		return d.aggregate(req.Database, bson.Raw(cmd))
	case "getMore":
		return d.getMore(ctx, bson.Raw(cmd))
	case "killCursors":
		return d.killCursors(bson.Raw(cmd))
	default:
		return errorReply(codeCommandNotFound, "CommandNotFound", fmt.Sprintf("no such command: '%s'", req.Name())), nil
	}
}

var _ changestream.Deployment = (*FakeDeployment)(nil)
var _ changestream.SessionEnder = (*FakeDeployment)(nil)

// takeFailure pops the first injected failure for command. Callers hold d.mu.
func (d *FakeDeployment) takeFailure(command string) error {
	for i, f := range d.failures {
		if f.command == command {
			d.failures = append(d.failures[:i], d.failures[i+1:]...)
			return f.err
		}
	}
	return nil
}

func (d *FakeDeployment) aggregate(db string, cmd bson.Raw) (bson.Raw, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	scope := fakeScope{db: db}
	if coll, ok := cmd.Lookup("aggregate").StringValueOK(); ok {
		scope.coll = coll
	}

	pipeline, ok := cmd.Lookup("pipeline").ArrayOK()
	if !ok {
		return errorReply(codeFailedToParse, "FailedToParse", "'pipeline' option must be specified as an array"), nil
	}
	stages, err := pipeline.Values()
	if err != nil || len(stages) == 0 {
		return errorReply(codeFailedToParse, "FailedToParse", "empty pipeline"), nil
	}
	first, _ := stages[0].DocumentOK()
	stage, ok := first.Lookup("$changeStream").DocumentOK()
	if !ok {
		return errorReply(codeFailedToParse, "FailedToParse", "first stage must be $changeStream"), nil
	}

	if all, _ := stage.Lookup("allChangesForCluster").BooleanOK(); all {
		if db != "admin" || scope.coll != "" {
			return errorReply(codeFailedToParse, "FailedToParse", "allChangesForCluster requires aggregate: 1 on admin"), nil
		}
		scope = fakeScope{all: true}
	} else if db == "admin" && scope.coll == "" {
		return errorReply(codeFailedToParse, "FailedToParse", "$changeStream on admin requires allChangesForCluster"), nil
	}

	start := len(d.events)
	if tok, ok := stage.Lookup("resumeAfter").DocumentOK(); ok {
		seq, invalidate, err := parseToken(tok)
		if err != nil || invalidate {
			return errorReply(codeInvalidResumeToken, "InvalidResumeToken", "cannot resume after this token"), nil
		}
		if seq > int64(len(d.events)) {
			return errorReply(codeChangeStreamHistory, "ChangeStreamHistoryLost", "resume point not found"), nil
		}
		start = int(seq)
	} else if tok, ok := stage.Lookup("startAfter").DocumentOK(); ok {
		seq, _, err := parseToken(tok)
		if err != nil || seq > int64(len(d.events)) {
			return errorReply(codeChangeStreamHistory, "ChangeStreamHistoryLost", "start point not found"), nil
		}
		start = int(seq)
	} else if t, i, ok := stage.Lookup("startAtOperationTime").TimestampOK(); ok {
		start = len(d.events)
		for idx, e := range d.events {
			if !e.clusterTime.Before(primitive.Timestamp{T: t, I: i}) {
				start = idx
				break
			}
		}
	}

	fullDocument, _ := stage.Lookup("fullDocument").StringValueOK()
	batchSize := defaultBatchSize
	if n, ok := lookupInt(cmd.Lookup("cursor", "batchSize")); ok && n > 0 {
		batchSize = int(n)
	}

	d.nextCursorID++
	c := &fakeCursor{
		id:           d.nextCursorID,
		scope:        scope,
		pos:          start,
		batchSize:    batchSize,
		fullDocument: fullDocument,
		ns:           db + ".$cmd.aggregate",
	}
	if scope.coll != "" {
		c.ns = db + "." + scope.coll
	}
	d.cursors[c.id] = c

	var batch bson.A
	if d.EagerFirstBatch {
		batch = d.collect(c, batchSize)
	}
	id := c.id
	if c.closed {
		delete(d.cursors, c.id)
		id = 0
	}

	return cursorReply(id, c.ns, "firstBatch", batch, d.clock), nil
}

func (d *FakeDeployment) getMore(ctx context.Context, cmd bson.Raw) (bson.Raw, error) {
	id, _ := lookupInt(cmd.Lookup("getMore"))
	maxTime, _ := lookupInt(cmd.Lookup("maxTimeMS"))
	deadline := time.Now().Add(time.Duration(maxTime) * time.Millisecond)

	for {
		d.mu.Lock()
		c, ok := d.cursors[id]
		if !ok {
			d.mu.Unlock()
			return errorReply(codeCursorNotFound, "CursorNotFound", fmt.Sprintf("cursor id %d not found", id)), nil
		}
		batchSize := c.batchSize
		if n, ok := lookupInt(cmd.Lookup("batchSize")); ok && n > 0 {
			batchSize = int(n)
		}

		batch := d.collect(c, batchSize)
		wait := time.Until(deadline)
		if len(batch) > 0 || c.closed || wait <= 0 {
			replyID := c.id
			if c.closed {
				delete(d.cursors, c.id)
				replyID = 0
			}
			reply := cursorReply(replyID, c.ns, "nextBatch", batch, d.clock)
			d.mu.Unlock()
			return reply, nil
		}
		notify := d.notify
		d.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (d *FakeDeployment) killCursors(cmd bson.Raw) (bson.Raw, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids, _ := cmd.Lookup("cursors").ArrayOK()
	values, _ := ids.Values()
	var killed, notFound bson.A
	for _, v := range values {
		id, ok := lookupInt(v)
		if !ok {
			continue
		}
		if _, ok := d.cursors[id]; ok {
			delete(d.cursors, id)
			killed = append(killed, id)
		} else {
			notFound = append(notFound, id)
		}
	}

	reply, _ := bson.Marshal(bson.D{
		{Key: "cursorsKilled", Value: killed},
		{Key: "cursorsNotFound", Value: notFound},
		{Key: "ok", Value: 1.0},
	})
	return reply, nil
}

// collect renders up to limit events visible to c and advances it.
// Callers hold d.mu.
func (d *FakeDeployment) collect(c *fakeCursor, limit int) bson.A {
	batch := bson.A{}
	if c.pendingInvalidate != nil {
		batch = append(batch, renderInvalidate(c.pendingInvalidate))
		c.pendingInvalidate = nil
		c.closed = true
		return batch
	}

	for c.pos < len(d.events) && len(batch) < limit {
		e := d.events[c.pos]
		c.pos++
		if !c.scope.matches(e) {
			continue
		}
		batch = append(batch, e.render(c.fullDocument))

		if e.operationType == "drop" && c.scope.coll != "" {
			if len(batch) < limit {
				batch = append(batch, renderInvalidate(e))
				c.closed = true
			} else {
				c.pendingInvalidate = e
			}
			break
		}
	}
	return batch
}

func (d *FakeDeployment) appendEvent(e *fakeEvent) bson.Raw {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clock++
	e.seq = int64(len(d.events) + 1)
	e.clusterTime = primitive.Timestamp{T: d.clock, I: 1}
	d.events = append(d.events, e)

	close(d.notify)
	d.notify = make(chan struct{})

	return makeToken(e.seq, false)
}

func (e *fakeEvent) render(fullDocumentMode string) bson.Raw {
	doc := bson.D{
		{Key: "_id", Value: makeToken(e.seq, false)},
		{Key: "operationType", Value: e.operationType},
		{Key: "clusterTime", Value: e.clusterTime},
		{Key: "ns", Value: bson.D{{Key: "db", Value: e.db}, {Key: "coll", Value: e.coll}}},
	}
	if e.documentKey != nil {
		doc = append(doc, bson.E{Key: "documentKey", Value: e.documentKey})
	}

	switch e.operationType {
	case "insert", "replace":
		doc = append(doc, bson.E{Key: "fullDocument", Value: e.fullDocument})
	case "update":
		doc = append(doc, bson.E{Key: "updateDescription", Value: bson.D{
			{Key: "updatedFields", Value: e.updated},
			{Key: "removedFields", Value: bson.A{}},
		}})
		if fullDocumentMode != "" && fullDocumentMode != "default" && e.fullDocument != nil {
			doc = append(doc, bson.E{Key: "fullDocument", Value: e.fullDocument})
		}
	}

	raw, _ := bson.Marshal(doc)
	return raw
}

func renderInvalidate(drop *fakeEvent) bson.Raw {
	raw, _ := bson.Marshal(bson.D{
		{Key: "_id", Value: makeToken(drop.seq, true)},
		{Key: "operationType", Value: "invalidate"},
		{Key: "clusterTime", Value: drop.clusterTime},
	})
	return raw
}

// makeToken encodes an event's position as {_data: "<seq hex>[01]"}.
// The suffix marks the invalidate event that follows a drop.
func makeToken(seq int64, invalidate bool) bson.Raw {
	data := fmt.Sprintf("%016x", seq)
	if invalidate {
		data += "01"
	}
	raw, _ := bson.Marshal(bson.D{{Key: "_data", Value: data}})
	return raw
}

func parseToken(tok bson.Raw) (int64, bool, error) {
	data, ok := tok.Lookup("_data").StringValueOK()
	if !ok || len(data) < 16 {
		return 0, false, fmt.Errorf("malformed resume token %s", tok)
	}
	seq, err := strconv.ParseInt(data[:16], 16, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed resume token %s: %w", tok, err)
	}
	return seq, len(data) > 16, nil
}

// documentID returns doc's _id, adding a generated ObjectID if it has none.
func documentID(doc bson.D) (any, bson.D) {
	for _, e := range doc {
		if e.Key == "_id" {
			return e.Value, doc
		}
	}
	id := primitive.NewObjectID()
	return id, append(bson.D{{Key: "_id", Value: id}}, doc...)
}

func lookupInt(v bson.RawValue) (int64, bool) {
	if n, ok := v.Int64OK(); ok {
		return n, true
	}
	if n, ok := v.Int32OK(); ok {
		return int64(n), true
	}
	if f, ok := v.DoubleOK(); ok {
		return int64(f), true
	}
	return 0, false
}

func cursorReply(id int64, ns, batchField string, batch bson.A, clock uint32) bson.Raw {
	if batch == nil {
		batch = bson.A{}
	}
	raw, _ := bson.Marshal(bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "id", Value: id},
			{Key: "ns", Value: ns},
			{Key: batchField, Value: batch},
		}},
		{Key: "operationTime", Value: primitive.Timestamp{T: clock, I: 1}},
		{Key: "ok", Value: 1.0},
	})
	return raw
}

func errorReply(code int32, codeName, msg string, labels ...string) bson.Raw {
	raw, _ := bson.Marshal(ErrorReply(code, codeName, msg, labels...))
	return raw
}
