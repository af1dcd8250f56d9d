// Package changestream provides resumable MongoDB change streams.
//
// A change stream is an aggregation cursor with a leading $changeStream stage
// that reports every data-modifying operation in a collection, a database or
// the whole deployment. This package builds that pipeline, opens and re-opens
// the cursor, and hides transient failures from the caller: after a network
// error or a resumable server error the stream re-opens itself once, starting
// after the last event it returned.
//
// # Basic Usage
//
// Wrap a Deployment (see the mongodeploy package for one backed by the
// official driver) in a Client and watch a collection:
//
//	client := changestream.NewClient(deployment)
//	cs, err := client.Database("shop").Collection("orders").Watch(nil,
//	    changestream.WithFullDocument(changestream.FullDocumentUpdateLookup),
//	    changestream.WithMaxAwaitTime(time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	defer cs.Close(ctx)
//
//	for event, err := range cs.Events(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(event.OperationType, event.DocumentKey)
//	}
//
// # Resuming
//
// Every event carries a resume token. The stream keeps the token of the last
// event it returned and uses it when it has to re-open the cursor. To resume
// in a later process, save ResumeToken and pass it back with WithResumeAfter,
// or let WithCheckpoint do both.
//
// # Error Handling
//
// Failures are values, classified by type:
//
//	var ce *changestream.CommandError
//	if errors.As(err, &ce) {
//	    fmt.Println("server error", ce.Code)
//	}
//	if errors.Is(err, changestream.Done) {
//	    // stream closed
//	}
//
// ValidationError is returned by Watch for bad arguments. TransportError and
// CommandError come from the deployment; IsResumable reports which of them
// the stream recovers from. ProtocolError reports a malformed reply and
// ResumeExhaustedError a failed resume attempt. Once Next returns one of
// these the stream is terminal and keeps returning it. Context errors are
// not terminal.
package changestream
