package changestream_test

import (
	"context"
	"testing"

	changestream "github.com/durable-streams/changestream-go"
	"github.com/durable-streams/changestream-go/changestreamtest"
	"go.mongodb.org/mongo-driver/bson"
)

// watchOrders opens a stream on shop.orders and runs the first Next so the
// server-side cursor exists before the test records events.
func watchOrders(t *testing.T, d *changestreamtest.FakeDeployment, opts ...changestream.WatchOption) *changestream.ChangeStream {
	t.Helper()

	client := changestream.NewClient(d)
	cs, err := client.Database("shop").Collection("orders").Watch(nil, opts...)
	if err != nil {
		t.Fatalf("Watch: unexpected error: %v", err)
	}
	t.Cleanup(func() { cs.Close(context.Background()) })

	event, err := cs.Next(context.Background())
	if err != nil {
		t.Fatalf("first Next: unexpected error: %v", err)
	}
	if event != nil {
		t.Fatalf("first Next: got event %s, want none", event.Raw)
	}
	return cs
}

// mustNext returns the next event, failing the test on error or an empty batch.
func mustNext(t *testing.T, cs *changestream.ChangeStream) *changestream.Event {
	t.Helper()

	event, err := cs.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: unexpected error: %v", err)
	}
	if event == nil {
		t.Fatal("Next: got no event")
	}
	return event
}

// commandField looks up a dotted path in a recorded command.
func commandField(t *testing.T, req *changestream.CommandRequest, path ...string) bson.RawValue {
	t.Helper()

	raw, err := bson.Marshal(req.Command)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	return bson.Raw(raw).Lookup(path...)
}

// changeStreamStage returns the $changeStream stage of a recorded aggregate.
func changeStreamStage(t *testing.T, req *changestream.CommandRequest) bson.Raw {
	t.Helper()

	stage, ok := commandField(t, req, "pipeline", "0", "$changeStream").DocumentOK()
	if !ok {
		t.Fatalf("%s command has no $changeStream stage", req.Name())
	}
	return stage
}

func documentID(t *testing.T, event *changestream.Event) int32 {
	t.Helper()

	id, ok := event.DocumentKey.Lookup("_id").Int32OK()
	if !ok {
		t.Fatalf("event %s has no int32 documentKey._id", event.Raw)
	}
	return id
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
