// Package mongodeploy runs change stream commands through the official
// MongoDB Go driver.
//
//	deployment, err := mongodeploy.Connect(ctx, "mongodb://localhost:27017/?replicaSet=rs0")
//	if err != nil {
//	    return err
//	}
//	defer deployment.Close(ctx)
//
//	client := changestream.NewClient(deployment)
package mongodeploy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	changestream "github.com/durable-streams/changestream-go"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Deployment is a changestream.Deployment backed by a *mongo.Client.
//
// Each changestream.Session is mapped to one driver session, so every
// command of a stream, including getMore and killCursors, runs in the
// session that created its cursor.
type Deployment struct {
	client *mongo.Client
	logger *zap.Logger
	owned  bool

	mu       sync.Mutex
	sessions map[uuid.UUID]mongo.Session
}

// Option configures a Deployment.
type Option func(*Deployment)

// WithLogger sets the logger for session bookkeeping.
func WithLogger(l *zap.Logger) Option {
	return func(d *Deployment) {
		d.logger = l
	}
}

// New wraps an existing driver client. Close does not disconnect it.
func New(client *mongo.Client, opts ...Option) *Deployment {
	d := &Deployment{
		client:   client,
		logger:   zap.NewNop(),
		sessions: make(map[uuid.UUID]mongo.Session),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect creates a driver client for uri. Close disconnects it.
func Connect(ctx context.Context, uri string, opts ...Option) (*Deployment, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodeploy: connect: %w", err)
	}
	d := New(client, opts...)
	d.owned = true
	return d, nil
}

// Client returns the underlying driver client.
func (d *Deployment) Client() *mongo.Client {
	return d.client
}

// RunCommand implements changestream.Deployment.
func (d *Deployment) RunCommand(ctx context.Context, req *changestream.CommandRequest) (bson.Raw, error) {
	runOpts := options.RunCmd()
	if req.ReadPreference != nil {
		runOpts.SetReadPreference(req.ReadPreference)
	}

	if req.Session != nil {
		sess, err := d.session(req.Session)
		if err != nil {
			return nil, err
		}
		ctx = mongo.NewSessionContext(ctx, sess)
	}

	reply, err := d.client.Database(req.Database).RunCommand(ctx, commandDocument(req), runOpts).Raw()
	if err != nil {
		return nil, translateError(req.Name(), err)
	}
	return reply, nil
}

// EndSession implements changestream.SessionEnder.
func (d *Deployment) EndSession(ctx context.Context, s *changestream.Session) error {
	d.mu.Lock()
	sess, ok := d.sessions[s.ID()]
	delete(d.sessions, s.ID())
	d.mu.Unlock()

	if ok {
		sess.EndSession(ctx)
		d.logger.Debug("ended session", zap.Stringer("session", s.ID()))
	}
	return nil
}

// Close ends every remaining session and, for deployments created with
// Connect, disconnects the client.
func (d *Deployment) Close(ctx context.Context) error {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[uuid.UUID]mongo.Session)
	d.mu.Unlock()

	for _, sess := range sessions {
		sess.EndSession(ctx)
	}
	if d.owned {
		return d.client.Disconnect(ctx)
	}
	return nil
}

// session returns the driver session for s, starting one on first use.
func (d *Deployment) session(s *changestream.Session) (mongo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sess, ok := d.sessions[s.ID()]; ok {
		return sess, nil
	}
	sess, err := d.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongodeploy: start session: %w", err)
	}
	d.sessions[s.ID()] = sess
	d.logger.Debug("started session", zap.Stringer("session", s.ID()))
	return sess, nil
}

// commandDocument adds the read concern to aggregate commands. The driver
// attaches lsid and $readPreference itself.
func commandDocument(req *changestream.CommandRequest) bson.D {
	if req.ReadConcern == nil || req.ReadConcern.Level == "" || req.Name() != "aggregate" {
		return req.Command
	}
	cmd := make(bson.D, len(req.Command), len(req.Command)+1)
	copy(cmd, req.Command)
	return append(cmd, bson.E{Key: "readConcern", Value: bson.D{{Key: "level", Value: req.ReadConcern.Level}}})
}

// translateError maps driver errors onto the changestream taxonomy.
// Network failures and client-side timeouts become
// *changestream.TransportError even though the driver reports them as a
// mongo.CommandError with code 0.
// Other server errors become *changestream.CommandError; anything else is
// returned unchanged and treated as a transport failure.
func translateError(op string, err error) error {
	var ce mongo.CommandError
	isCommand := errors.As(err, &ce)
	if mongo.IsNetworkError(err) || (mongo.IsTimeout(err) && (!isCommand || ce.Code == 0)) {
		return &changestream.TransportError{Op: op, Err: err}
	}
	if isCommand {
		return &changestream.CommandError{
			Code:     ce.Code,
			CodeName: ce.Name,
			Message:  ce.Message,
			Labels:   ce.Labels,
		}
	}
	return err
}

var _ changestream.Deployment = (*Deployment)(nil)
var _ changestream.SessionEnder = (*Deployment)(nil)
