package changestreamtest

import (
	"context"
	"fmt"
	"sync"

	changestream "github.com/durable-streams/changestream-go"
	"go.mongodb.org/mongo-driver/bson"
)

// ScriptedDeployment replays queued replies in order, one per command.
type ScriptedDeployment struct {
	mu       sync.Mutex
	steps    []scriptedStep
	requests []*changestream.CommandRequest
}

type scriptedStep struct {
	reply bson.Raw
	err   error
}

// NewScriptedDeployment creates a deployment with an empty script.
func NewScriptedDeployment() *ScriptedDeployment {
	return &ScriptedDeployment{}
}

// AddReply queues a reply document. It panics if doc cannot be encoded.
func (d *ScriptedDeployment) AddReply(doc bson.D) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("changestreamtest: encode reply: %v", err))
	}
	d.AddRawReply(raw)
}

// AddRawReply queues a reply as raw bytes, which may be malformed.
func (d *ScriptedDeployment) AddRawReply(raw bson.Raw) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, scriptedStep{reply: raw})
}

// AddError queues an error to be returned from RunCommand.
func (d *ScriptedDeployment) AddError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, scriptedStep{err: err})
}

// Requests returns every request received, in order.
func (d *ScriptedDeployment) Requests() []*changestream.CommandRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*changestream.CommandRequest, len(d.requests))
	copy(out, d.requests)
	return out
}

// Remaining returns the number of queued steps not yet consumed.
func (d *ScriptedDeployment) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.steps)
}

// Reset clears the script and the recorded requests.
func (d *ScriptedDeployment) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = nil
	d.requests = nil
}

// RunCommand implements changestream.Deployment. It fails once the script
// is exhausted.
func (d *ScriptedDeployment) RunCommand(_ context.Context, req *changestream.CommandRequest) (bson.Raw, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, req)
	if len(d.steps) == 0 {
		return nil, fmt.Errorf("changestreamtest: unexpected %s command: script exhausted", req.Name())
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	return step.reply, step.err
}

var _ changestream.Deployment = (*ScriptedDeployment)(nil)

// CursorReply builds an aggregate or getMore reply. batchField is
// "firstBatch" or "nextBatch".
func CursorReply(id int64, ns, batchField string, docs ...bson.D) bson.D {
	batch := bson.A{}
	for _, doc := range docs {
		batch = append(batch, doc)
	}
	return bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "id", Value: id},
			{Key: "ns", Value: ns},
			{Key: batchField, Value: batch},
		}},
		{Key: "ok", Value: 1.0},
	}
}

// ErrorReply builds an ok: 0 reply.
func ErrorReply(code int32, codeName, msg string, labels ...string) bson.D {
	doc := bson.D{
		{Key: "ok", Value: 0.0},
		{Key: "errmsg", Value: msg},
		{Key: "code", Value: code},
		{Key: "codeName", Value: codeName},
	}
	if len(labels) > 0 {
		doc = append(doc, bson.E{Key: "errorLabels", Value: labels})
	}
	return doc
}
