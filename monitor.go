package changestream

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// CommandStartedEvent describes a command about to be sent.
type CommandStartedEvent struct {
	CommandName  string
	DatabaseName string
	Command      bson.Raw

	// RequestID is unique per command.
	RequestID int64

	// OperationID is shared by all commands issued on behalf of one stream.
	OperationID int64
}

// CommandSucceededEvent describes a command that completed with ok: 1.
type CommandSucceededEvent struct {
	CommandName  string
	DatabaseName string
	RequestID    int64
	OperationID  int64
	Duration     time.Duration
	Reply        bson.Raw
}

// CommandFailedEvent describes a command that failed in transport or on the server.
type CommandFailedEvent struct {
	CommandName  string
	DatabaseName string
	RequestID    int64
	OperationID  int64
	Duration     time.Duration
	Failure      error
}

// CommandMonitor receives an event for every command a Client runs.
// Implementations must be safe for concurrent use and must not block.
type CommandMonitor interface {
	Started(ctx context.Context, e *CommandStartedEvent)
	Succeeded(ctx context.Context, e *CommandSucceededEvent)
	Failed(ctx context.Context, e *CommandFailedEvent)
}

// LogMonitor is a CommandMonitor that writes command events to a zap logger
// at debug level, and failures at warn level.
type LogMonitor struct {
	logger *zap.Logger
}

// NewLogMonitor returns a LogMonitor writing to l.
func NewLogMonitor(l *zap.Logger) *LogMonitor {
	return &LogMonitor{logger: l.Named("command")}
}

func (m *LogMonitor) Started(_ context.Context, e *CommandStartedEvent) {
	m.logger.Debug("command started",
		zap.String("command", e.CommandName),
		zap.String("database", e.DatabaseName),
		zap.Int64("request_id", e.RequestID),
		zap.Int64("operation_id", e.OperationID),
		zap.Stringer("body", e.Command))
}

func (m *LogMonitor) Succeeded(_ context.Context, e *CommandSucceededEvent) {
	m.logger.Debug("command succeeded",
		zap.String("command", e.CommandName),
		zap.String("database", e.DatabaseName),
		zap.Int64("request_id", e.RequestID),
		zap.Int64("operation_id", e.OperationID),
		zap.Duration("duration", e.Duration))
}

func (m *LogMonitor) Failed(_ context.Context, e *CommandFailedEvent) {
	m.logger.Warn("command failed",
		zap.String("command", e.CommandName),
		zap.String("database", e.DatabaseName),
		zap.Int64("request_id", e.RequestID),
		zap.Int64("operation_id", e.OperationID),
		zap.Duration("duration", e.Duration),
		zap.Error(e.Failure))
}

var _ CommandMonitor = (*LogMonitor)(nil)

// nopMonitor discards all events.
type nopMonitor struct{}

func (nopMonitor) Started(context.Context, *CommandStartedEvent)     {}
func (nopMonitor) Succeeded(context.Context, *CommandSucceededEvent) {}
func (nopMonitor) Failed(context.Context, *CommandFailedEvent)       {}
