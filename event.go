package changestream

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Namespace identifies the database and collection an event applies to.
type Namespace struct {
	Database   string
	Collection string
}

func (n Namespace) String() string {
	if n.Collection == "" {
		return n.Database
	}
	return n.Database + "." + n.Collection
}

// Event is one change event.
//
// The commonly used fields are extracted; the complete document is in Raw
// and can be decoded into a custom type with Decode.
type Event struct {
	// ID is the event's resume token.
	ID bson.Raw

	// OperationType is "insert", "update", "replace", "delete",
	// "invalidate", "drop" and so on.
	OperationType string

	// Namespace is the event's ns field. It is empty for some event types.
	Namespace Namespace

	// DocumentKey identifies the changed document, if present.
	DocumentKey bson.Raw

	// FullDocument is the document after the change, if the server sent it.
	FullDocument bson.Raw

	// ClusterTime is the cluster time of the operation.
	ClusterTime primitive.Timestamp

	// Raw is the complete event document.
	Raw bson.Raw
}

// Decode unmarshals the complete event document into v.
//
// Example:
//
//	var ev struct {
//	    OperationType string `bson:"operationType"`
//	    FullDocument  Order  `bson:"fullDocument"`
//	}
//	if err := event.Decode(&ev); err != nil {
//	    return err
//	}
func (e *Event) Decode(v any) error {
	return bson.Unmarshal(e.Raw, v)
}

// parseEvent extracts the well-known fields of a change event.
// An event without a document _id is a protocol error: it cannot be resumed from.
func parseEvent(raw bson.Raw) (*Event, error) {
	idVal, err := raw.LookupErr("_id")
	if err != nil {
		return nil, &ProtocolError{Op: "next", Err: ErrMissingResumeToken}
	}
	token, ok := idVal.DocumentOK()
	if !ok {
		return nil, &ProtocolError{Op: "next", Err: fmt.Errorf("%w: _id is %s, not a document", ErrMissingResumeToken, idVal.Type)}
	}

	ev := &Event{
		ID:  cloneRaw(token),
		Raw: raw,
	}
	ev.OperationType, _ = raw.Lookup("operationType").StringValueOK()
	if ns, ok := raw.Lookup("ns").DocumentOK(); ok {
		ev.Namespace.Database, _ = ns.Lookup("db").StringValueOK()
		ev.Namespace.Collection, _ = ns.Lookup("coll").StringValueOK()
	}
	if key, ok := raw.Lookup("documentKey").DocumentOK(); ok {
		ev.DocumentKey = key
	}
	if doc, ok := raw.Lookup("fullDocument").DocumentOK(); ok {
		ev.FullDocument = doc
	}
	if t, i, ok := raw.Lookup("clusterTime").TimestampOK(); ok {
		ev.ClusterTime = primitive.Timestamp{T: t, I: i}
	}
	return ev, nil
}
