// Package changestreamtest provides testing utilities for change stream clients.
//
// # FakeDeployment
//
// FakeDeployment is an in-memory implementation of the commands a change
// stream uses (aggregate, getMore, killCursors) over an in-memory event log.
// Use it for unit testing without a database:
//
//	func TestOrders(t *testing.T) {
//	    deployment := changestreamtest.NewFakeDeployment()
//	    client := changestream.NewClient(deployment)
//
//	    cs, err := client.Database("shop").Collection("orders").Watch(nil)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer cs.Close(context.Background())
//
//	    deployment.Insert("shop", "orders", bson.D{{Key: "_id", Value: 1}})
//
//	    event, err := cs.Next(context.Background())
//	    // ...
//	}
//
// Failures can be injected per command name:
//
//	deployment.FailCommand("getMore", errors.New("connection reset"))
//	deployment.FailCommand("getMore", &changestream.CommandError{Code: 43})
//
// # ScriptedDeployment
//
// ScriptedDeployment returns pre-recorded replies in order and records every
// request, for testing exact command sequences or malformed replies:
//
//	d := changestreamtest.NewScriptedDeployment()
//	d.AddReply(bson.D{{Key: "ok", Value: 1}, {Key: "cursor", Value: ...}})
//	d.AddError(errors.New("connection reset"))
package changestreamtest
