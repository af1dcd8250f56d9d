package changestream_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	changestream "github.com/durable-streams/changestream-go"
	"github.com/durable-streams/changestream-go/changestreamtest"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TestWatchValidation tests argument checks done before any command is sent.
func TestWatchValidation(t *testing.T) {
	token, _ := bson.Marshal(bson.D{{Key: "_data", Value: "01"}})
	longName := strings.Repeat("a", 140)

	tests := []struct {
		name    string
		watch   func(c *changestream.Client) (*changestream.ChangeStream, error)
		field   string
		wantErr error
	}{
		{
			name: "resumeAfter and startAfter",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Database("db").Collection("c").Watch(nil,
					changestream.WithResumeAfter(token),
					changestream.WithStartAfter(token))
			},
			field:   "resume options",
			wantErr: changestream.ErrConflictingResumeOptions,
		},
		{
			name: "resumeAfter and startAtOperationTime",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Watch(nil,
					changestream.WithResumeAfter(token),
					changestream.WithStartAtOperationTime(primitive.Timestamp{T: 1}))
			},
			field:   "resume options",
			wantErr: changestream.ErrConflictingResumeOptions,
		},
		{
			name: "collection name too long",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Database("db").Collection(longName).Watch(nil)
			},
			field:   "collection",
			wantErr: changestream.ErrNameTooLong,
		},
		{
			name: "database name too long",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Database(longName).Watch(nil)
			},
			field:   "database",
			wantErr: changestream.ErrNameTooLong,
		},
		{
			name: "empty database name",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Database("").Collection("c").Watch(nil)
			},
			field:   "database",
			wantErr: changestream.ErrInvalidName,
		},
		{
			name: "dot in database name",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Database("a.b").Watch(nil)
			},
			field:   "database",
			wantErr: changestream.ErrInvalidName,
		},
		{
			name: "empty collection name",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Database("db").Collection("").Watch(nil)
			},
			field:   "collection",
			wantErr: changestream.ErrInvalidName,
		},
		{
			name: "negative batch size",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Database("db").Collection("c").Watch(nil, changestream.WithBatchSize(-1))
			},
			field: "batchSize",
		},
		{
			name: "malformed resume token",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Database("db").Collection("c").Watch(nil, changestream.WithResumeAfter(bson.Raw{0x01}))
			},
			field: "resumeAfter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := changestreamtest.NewFakeDeployment()
			cs, err := tt.watch(changestream.NewClient(d))
			if err == nil {
				cs.Close(context.Background())
				t.Fatal("expected error")
			}

			var ve *changestream.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("got error %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("got field %q, want %q", ve.Field, tt.field)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("got error %v, want %v", err, tt.wantErr)
			}
			if len(d.Requests()) != 0 {
				t.Errorf("got commands %v, want none", d.CommandNames())
			}
		})
	}
}

// TestNameLengthLimit tests that 139-byte names are accepted.
func TestNameLengthLimit(t *testing.T) {
	name := strings.Repeat("a", 139)
	client := changestream.NewClient(changestreamtest.NewFakeDeployment())

	cs, err := client.Database(name).Collection(name).Watch(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cs.Close(context.Background())
}

// TestSessionOwnership tests which sessions a stream ends on Close.
func TestSessionOwnership(t *testing.T) {
	d := changestreamtest.NewFakeDeployment()
	client := changestream.NewClient(d)

	session := client.StartSession()
	borrowed, err := client.Database("shop").Collection("orders").Watch(nil, changestream.WithSession(session))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if borrowed.Session() != session {
		t.Fatal("stream does not use the given session")
	}
	if _, err := borrowed.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, req := range d.Requests() {
		if req.Session != session {
			t.Errorf("%s ran outside the given session", req.Name())
		}
	}
	if err := borrowed.Close(context.Background()); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}
	if session.Ended() {
		t.Error("Close ended a caller's session")
	}

	implicit, err := client.Database("shop").Collection("orders").Watch(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if implicit.Session() == nil || implicit.Session() == session {
		t.Fatal("stream has no implicit session")
	}
	if err := implicit.Close(context.Background()); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}
	if !implicit.Session().Ended() {
		t.Error("Close did not end the implicit session")
	}

	if err := session.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: unexpected error: %v", err)
	}
	if _, err := client.Database("shop").Watch(nil, changestream.WithSession(session)); !errors.Is(err, changestream.ErrSessionEnded) {
		t.Errorf("got error %v, want ErrSessionEnded", err)
	}

	other := changestream.NewClient(d).StartSession()
	_, err = client.Database("shop").Watch(nil, changestream.WithSession(other))
	var ve *changestream.ValidationError
	if !errors.As(err, &ve) || ve.Field != "session" {
		t.Errorf("got error %v, want session ValidationError", err)
	}
}

// TestScopes tests the command shape and event filtering of each scope.
func TestScopes(t *testing.T) {
	tests := []struct {
		name           string
		watch          func(c *changestream.Client) (*changestream.ChangeStream, error)
		wantDatabase   string
		wantTarget     any
		wantCollection string
		wantIDs        []int32
	}{
		{
			name: "collection",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Database("shop").Collection("orders").Watch(nil)
			},
			wantDatabase:   "shop",
			wantTarget:     "orders",
			wantCollection: "orders",
			wantIDs:        []int32{1},
		},
		{
			name: "database",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Database("shop").Watch(nil)
			},
			wantDatabase:   "shop",
			wantTarget:     int32(1),
			wantCollection: "$cmd.aggregate",
			wantIDs:        []int32{1, 2},
		},
		{
			name: "deployment",
			watch: func(c *changestream.Client) (*changestream.ChangeStream, error) {
				return c.Watch(nil)
			},
			wantDatabase:   "admin",
			wantTarget:     int32(1),
			wantCollection: "$cmd.aggregate",
			wantIDs:        []int32{1, 2, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := changestreamtest.NewFakeDeployment()
			cs, err := tt.watch(changestream.NewClient(d))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer cs.Close(context.Background())

			if _, err := cs.Next(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			d.Insert("shop", "orders", bson.D{{Key: "_id", Value: int32(1)}})
			d.Insert("shop", "customers", bson.D{{Key: "_id", Value: int32(2)}})
			d.Insert("billing", "invoices", bson.D{{Key: "_id", Value: int32(3)}})

			for _, want := range tt.wantIDs {
				if got := documentID(t, mustNext(t, cs)); got != want {
					t.Errorf("got document %d, want %d", got, want)
				}
			}
			if event, err := cs.Next(context.Background()); event != nil || err != nil {
				t.Errorf("got %v, %v, want no more events", event, err)
			}

			requests := d.Requests()
			aggregate := requests[0]
			if aggregate.Database != tt.wantDatabase {
				t.Errorf("got database %q, want %q", aggregate.Database, tt.wantDatabase)
			}
			if got := aggregate.Command[0].Value; got != tt.wantTarget {
				t.Errorf("got aggregate target %v, want %v", got, tt.wantTarget)
			}
			if coll, _ := commandField(t, requests[1], "collection").StringValueOK(); coll != tt.wantCollection {
				t.Errorf("got getMore collection %q, want %q", coll, tt.wantCollection)
			}
		})
	}
}

// TestEventsIterator tests the range-over-func adaptor.
func TestEventsIterator(t *testing.T) {
	d := changestreamtest.NewFakeDeployment()
	cs := watchOrders(t, d)

	for i := int32(1); i <= 3; i++ {
		d.Insert("shop", "orders", bson.D{{Key: "_id", Value: i}, {Key: "total", Value: i * 10}})
	}

	var ids []int32
	for event, err := range cs.Events(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, documentID(t, event))
		if len(ids) == 3 {
			break
		}
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("got documents %v, want [1 2 3]", ids)
	}

	if err := cs.Close(context.Background()); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}
	for event, err := range cs.Events(context.Background()) {
		t.Errorf("got %v, %v after Close, want nothing", event, err)
	}
}

// TestDecodedEvents tests decoding events into a caller type.
func TestDecodedEvents(t *testing.T) {
	type orderChange struct {
		OperationType string `bson:"operationType"`
		FullDocument  struct {
			ID    int32 `bson:"_id"`
			Total int32 `bson:"total"`
		} `bson:"fullDocument"`
	}

	d := changestreamtest.NewFakeDeployment()
	cs := watchOrders(t, d)
	d.Insert("shop", "orders", bson.D{{Key: "_id", Value: int32(4)}, {Key: "total", Value: int32(250)}})

	for change, err := range changestream.DecodedEvents[orderChange](context.Background(), cs) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if change.OperationType != "insert" || change.FullDocument.ID != 4 || change.FullDocument.Total != 250 {
			t.Errorf("got %+v, want insert of order 4", change)
		}
		break
	}
}

// TestEventsStopsOnFailure tests that the iterator yields a terminal error once.
func TestEventsStopsOnFailure(t *testing.T) {
	d := changestreamtest.NewFakeDeployment()
	cs := watchOrders(t, d)
	d.FailCommand("getMore", &changestream.CommandError{Code: 2, CodeName: "BadValue"})

	var errs []error
	for _, err := range cs.Events(context.Background()) {
		errs = append(errs, err)
	}
	if len(errs) != 1 {
		t.Fatalf("got %d yields, want 1", len(errs))
	}
	var ce *changestream.CommandError
	if !errors.As(errs[0], &ce) {
		t.Errorf("got error %v, want CommandError", errs[0])
	}
}

// recordingMonitor keeps every command event.
type recordingMonitor struct {
	mu        sync.Mutex
	started   []*changestream.CommandStartedEvent
	succeeded []*changestream.CommandSucceededEvent
	failed    []*changestream.CommandFailedEvent
}

func (m *recordingMonitor) Started(_ context.Context, e *changestream.CommandStartedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, e)
}

func (m *recordingMonitor) Succeeded(_ context.Context, e *changestream.CommandSucceededEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.succeeded = append(m.succeeded, e)
}

func (m *recordingMonitor) Failed(_ context.Context, e *changestream.CommandFailedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, e)
}

// TestCommandMonitoring tests that every command of a stream, including the
// resume, is reported under one operation id.
func TestCommandMonitoring(t *testing.T) {
	d := changestreamtest.NewFakeDeployment()
	monitor := &recordingMonitor{}
	client := changestream.NewClient(d, changestream.WithMonitor(monitor))

	cs, err := client.Database("shop").Collection("orders").Watch(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cs.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Insert("shop", "orders", bson.D{{Key: "_id", Value: int32(1)}})
	mustNext(t, cs)
	d.FailCommand("getMore", errors.New("connection reset by peer"))
	if _, err := cs.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cs.Close(context.Background()); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	var names []string
	for _, e := range monitor.started {
		names = append(names, e.CommandName)
	}
	want := []string{"aggregate", "getMore", "getMore", "getMore", "aggregate", "getMore", "killCursors"}
	if !equalStrings(names, want) {
		t.Fatalf("got started %v, want %v", names, want)
	}
	if len(monitor.succeeded) != len(want)-1 || len(monitor.failed) != 1 {
		t.Errorf("got %d succeeded, %d failed, want %d and 1",
			len(monitor.succeeded), len(monitor.failed), len(want)-1)
	}

	operationID := monitor.started[0].OperationID
	var lastRequestID int64
	for _, e := range monitor.started {
		if e.OperationID != operationID {
			t.Errorf("%s: got operation id %d, want %d", e.CommandName, e.OperationID, operationID)
		}
		if e.RequestID <= lastRequestID {
			t.Errorf("%s: request id %d not increasing", e.CommandName, e.RequestID)
		}
		lastRequestID = e.RequestID
		if e.DatabaseName != "shop" {
			t.Errorf("%s: got database %q, want shop", e.CommandName, e.DatabaseName)
		}
	}

	failed := monitor.failed[0]
	if failed.CommandName != "getMore" || failed.RequestID != monitor.started[3].RequestID {
		t.Errorf("got failed %s/%d, want getMore/%d", failed.CommandName, failed.RequestID, monitor.started[3].RequestID)
	}
	if !changestream.IsResumable(failed.Failure) {
		t.Errorf("got failure %v, want a resumable error", failed.Failure)
	}

	other, err := client.Database("shop").Watch(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer other.Close(context.Background())
	if _, err := other.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id := monitor.started[len(monitor.started)-1].OperationID; id == operationID {
		t.Error("two streams share an operation id")
	}
}
