package changestream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// CommandRequest is one database command together with the context it runs in.
// A Deployment applies the session, read preference and read concern; the
// client passes them through without interpreting them.
type CommandRequest struct {
	// Database is the database the command runs against.
	Database string

	// Command is the command document. Its first key is the command name.
	Command bson.D

	// Session is the session the command belongs to, if any.
	Session *Session

	// ReadPreference selects the server. Nil means primary.
	ReadPreference *readpref.ReadPref

	// ReadConcern is the read concern of an aggregate command, if any.
	ReadConcern *readconcern.ReadConcern
}

// Name returns the command name.
func (r *CommandRequest) Name() string {
	if len(r.Command) == 0 {
		return ""
	}
	return r.Command[0].Key
}

// Deployment runs commands against a MongoDB deployment. It owns transport,
// connection pooling and server selection.
//
// RunCommand returns the raw reply. Replies with ok: 0 may be returned as-is
// or as a *CommandError; any other error is treated as a transport failure.
type Deployment interface {
	RunCommand(ctx context.Context, req *CommandRequest) (bson.Raw, error)
}

// SessionEnder is implemented by deployments that keep per-session state.
type SessionEnder interface {
	EndSession(ctx context.Context, s *Session) error
}

// Client opens change streams against a Deployment.
// It is safe for concurrent use; the streams it returns are not.
type Client struct {
	deployment     Deployment
	logger         *zap.Logger
	monitor        CommandMonitor
	readPreference *readpref.ReadPref
	readConcern    *readconcern.ReadConcern

	requestID   atomic.Int64
	operationID atomic.Int64
}

// NewClient creates a client that runs its commands on d.
//
// Example:
//
//	client := changestream.NewClient(deployment,
//	    changestream.WithLogger(logger),
//	)
//	cs, err := client.Database("shop").Collection("orders").Watch(nil)
func NewClient(d Deployment, opts ...ClientOption) *Client {
	cfg := &clientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var monitor CommandMonitor = nopMonitor{}
	if cfg.monitor != nil {
		monitor = cfg.monitor
	}
	rp := cfg.readPreference
	if rp == nil {
		rp = readpref.Primary()
	}

	return &Client{
		deployment:     d,
		logger:         logger,
		monitor:        monitor,
		readPreference: rp,
		readConcern:    cfg.readConcern,
	}
}

// StartSession creates a session for use with WithSession.
// No command is sent; the caller must call EndSession when done.
func (c *Client) StartSession() *Session {
	return &Session{id: uuid.New(), client: c}
}

// Database returns a handle to the named database.
// The name is validated when a stream is opened.
func (c *Client) Database(name string) *Database {
	return &Database{client: c, name: name}
}

// Watch returns a change stream over every database in the deployment.
func (c *Client) Watch(pipeline []bson.D, opts ...WatchOption) (*ChangeStream, error) {
	return newChangeStream(c, DeploymentScope{}, pipeline, opts...)
}

// Database is a handle to a database.
type Database struct {
	client *Client
	name   string
}

// Name returns the database name.
func (d *Database) Name() string {
	return d.name
}

// Collection returns a handle to the named collection.
func (d *Database) Collection(name string) *Collection {
	return &Collection{db: d, name: name}
}

// Watch returns a change stream over every collection in the database.
func (d *Database) Watch(pipeline []bson.D, opts ...WatchOption) (*ChangeStream, error) {
	return newChangeStream(d.client, DatabaseScope{Database: d.name}, pipeline, opts...)
}

// Collection is a handle to a collection.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Watch returns a change stream over the collection.
//
// Example:
//
//	cs, err := coll.Watch(nil, changestream.WithFullDocument(changestream.FullDocumentUpdateLookup))
//	if err != nil {
//	    return err
//	}
//	defer cs.Close(ctx)
func (c *Collection) Watch(pipeline []bson.D, opts ...WatchOption) (*ChangeStream, error) {
	scope := CollectionScope{Database: c.db.name, Collection: c.name}
	return newChangeStream(c.db.client, scope, pipeline, opts...)
}

// nextOperationID returns an id shared by all commands of one stream.
func (c *Client) nextOperationID() int64 {
	return c.operationID.Add(1)
}

// commandReply holds the fields common to every reply.
type commandReply struct {
	OK       *float64 `bson:"ok"`
	Code     int32    `bson:"code"`
	CodeName string   `bson:"codeName"`
	ErrMsg   string   `bson:"errmsg"`
	Labels   []string `bson:"errorLabels"`
}

// runCommand sends req through the deployment, reports it to the monitor and
// maps the outcome onto the error taxonomy.
func (c *Client) runCommand(ctx context.Context, req *CommandRequest, operationID int64) (bson.Raw, error) {
	name := req.Name()
	requestID := c.requestID.Add(1)

	body, err := bson.Marshal(req.Command)
	if err != nil {
		return nil, fmt.Errorf("changestream: encode %s: %w", name, err)
	}

	c.monitor.Started(ctx, &CommandStartedEvent{
		CommandName:  name,
		DatabaseName: req.Database,
		Command:      body,
		RequestID:    requestID,
		OperationID:  operationID,
	})
	start := time.Now()

	reply, err := c.deployment.RunCommand(ctx, req)
	if err == nil {
		err = checkReply(name, reply)
	}
	if err != nil {
		err = classifyFailure(ctx, name, err)
		c.monitor.Failed(ctx, &CommandFailedEvent{
			CommandName:  name,
			DatabaseName: req.Database,
			RequestID:    requestID,
			OperationID:  operationID,
			Duration:     time.Since(start),
			Failure:      err,
		})
		return nil, err
	}

	c.monitor.Succeeded(ctx, &CommandSucceededEvent{
		CommandName:  name,
		DatabaseName: req.Database,
		RequestID:    requestID,
		OperationID:  operationID,
		Duration:     time.Since(start),
		Reply:        reply,
	})
	return reply, nil
}

// checkReply converts an ok: 0 reply into a *CommandError.
func checkReply(op string, reply bson.Raw) error {
	var r commandReply
	if err := bson.Unmarshal(reply, &r); err != nil {
		return &ProtocolError{Op: op, Err: fmt.Errorf("%w: %v", ErrMalformedReply, err)}
	}
	if r.OK == nil {
		return &ProtocolError{Op: op, Err: fmt.Errorf("%w: missing ok field", ErrMalformedReply)}
	}
	if *r.OK != 1 {
		return newCommandError(r.Code, r.CodeName, r.ErrMsg, r.Labels)
	}
	return nil
}
