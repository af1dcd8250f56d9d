package changestream

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Session is a logical session that groups the commands of one or more streams.
// Sessions are created with Client.StartSession and must be ended with
// EndSession by whoever created them.
type Session struct {
	id     uuid.UUID
	client *Client

	mu    sync.Mutex
	ended bool
}

// ID returns the session's logical session id.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// LSID returns the session id in the form servers expect in the lsid field.
func (s *Session) LSID() bson.D {
	return bson.D{{Key: "id", Value: primitive.Binary{Subtype: 0x04, Data: s.id[:]}}}
}

// Ended reports whether EndSession has been called.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// EndSession ends the session. If the deployment implements SessionEnder it
// is told so it can release server-side state. Ending twice is a no-op.
func (s *Session) EndSession(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()

	if ender, ok := s.client.deployment.(SessionEnder); ok {
		return ender.EndSession(ctx, s)
	}
	return nil
}

// sessionOwnership records whether a stream created its session.
type sessionOwnership uint8

const (
	// sessionBorrowed sessions belong to the caller; the stream only uses them.
	sessionBorrowed sessionOwnership = iota + 1

	// sessionOwned sessions were created implicitly and end with the stream.
	sessionOwned
)

// streamSession is a session together with the stream's ownership of it.
type streamSession struct {
	*Session
	ownership sessionOwnership
}

// release ends the session if the stream owns it.
func (s streamSession) release(ctx context.Context) error {
	if s.Session == nil || s.ownership != sessionOwned {
		return nil
	}
	return s.EndSession(ctx)
}
