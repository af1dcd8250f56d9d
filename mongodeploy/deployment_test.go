package mongodeploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	changestream "github.com/durable-streams/changestream-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
)

func TestTranslateError(t *testing.T) {
	driverErr := mongo.CommandError{
		Code:    43,
		Name:    "CursorNotFound",
		Message: "cursor id 12 not found",
		Labels:  []string{"ResumableChangeStreamError"},
	}

	err := translateError("getMore", fmt.Errorf("run: %w", driverErr))
	var ce *changestream.CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int32(43), ce.Code)
	assert.Equal(t, "CursorNotFound", ce.CodeName)
	assert.Equal(t, "cursor id 12 not found", ce.Message)
	assert.True(t, changestream.IsResumable(err))

	plain := errors.New("connection reset")
	assert.Same(t, plain, translateError("getMore", plain))
}

func TestTranslateNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "connection closed",
			err: mongo.CommandError{
				Message: "connection(localhost:27017[-3]) incomplete read of message header: EOF",
				Labels:  []string{"TransientTransactionError", "NetworkError"},
				Wrapped: io.EOF,
			},
		},
		{
			name: "driver timeout",
			err: mongo.CommandError{
				Message: "operation timed out",
				Wrapped: context.DeadlineExceeded,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateError("getMore", tt.err)

			var te *changestream.TransportError
			require.True(t, errors.As(err, &te), "got %T, want *changestream.TransportError", err)
			assert.Equal(t, "getMore", te.Op)
			assert.True(t, changestream.IsResumable(err))

			var ce *changestream.CommandError
			assert.False(t, errors.As(err, &ce))
		})
	}

	// A server-side time limit stays a server error.
	err := translateError("aggregate", mongo.CommandError{Code: 50, Name: "MaxTimeMSExpired", Message: "operation exceeded time limit"})
	var ce *changestream.CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int32(50), ce.Code)
	assert.False(t, changestream.IsResumable(err))
}

func TestCommandDocument(t *testing.T) {
	aggregate := &changestream.CommandRequest{
		Database:    "shop",
		Command:     bson.D{{Key: "aggregate", Value: "orders"}, {Key: "pipeline", Value: bson.A{}}},
		ReadConcern: readconcern.Majority(),
	}
	cmd := commandDocument(aggregate)
	require.Len(t, cmd, 3)
	assert.Equal(t, "readConcern", cmd[2].Key)
	assert.Equal(t, bson.D{{Key: "level", Value: "majority"}}, cmd[2].Value)
	assert.Len(t, aggregate.Command, 2, "request command is not modified")

	getMore := &changestream.CommandRequest{
		Database:    "shop",
		Command:     bson.D{{Key: "getMore", Value: int64(12)}, {Key: "collection", Value: "orders"}},
		ReadConcern: readconcern.Majority(),
	}
	assert.Equal(t, getMore.Command, commandDocument(getMore))
}

// TestDeploymentIntegration runs against a replica set named by
// CHANGESTREAM_TEST_URI, e.g. mongodb://localhost:27017/?replicaSet=rs0.
func TestDeploymentIntegration(t *testing.T) {
	uri := os.Getenv("CHANGESTREAM_TEST_URI")
	if uri == "" {
		t.Skip("CHANGESTREAM_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := Connect(ctx, uri)
	require.NoError(t, err)
	defer d.Close(ctx)

	coll := d.Client().Database("changestream_test").Collection("orders")
	require.NoError(t, coll.Drop(ctx))

	cs, err := changestream.NewClient(d).Database("changestream_test").Collection("orders").Watch(nil,
		changestream.WithMaxAwaitTime(time.Second))
	require.NoError(t, err)
	defer cs.Close(ctx)

	// Open the cursor before writing.
	_, err = cs.Next(ctx)
	require.NoError(t, err)

	_, err = coll.InsertOne(ctx, bson.D{{Key: "_id", Value: int32(1)}})
	require.NoError(t, err)

	var event *changestream.Event
	for event == nil {
		event, err = cs.Next(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, "insert", event.OperationType)
	assert.Equal(t, "changestream_test.orders", event.Namespace.String())
	assert.NotEmpty(t, cs.ResumeToken())
}
