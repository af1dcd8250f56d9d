package changestream

import (
	"go.mongodb.org/mongo-driver/bson"
)

// BuildPipeline returns the full aggregation pipeline for a change stream:
// a $changeStream stage followed by the caller's stages in order.
//
// The $changeStream stage carries the resume directive held by pos, if any,
// and fullDocument only when mode is not the server default. Deployment-wide
// streams also set allChangesForCluster.
//
// BuildPipeline does no I/O and does not inspect the caller's stages; a stage
// that cannot be encoded fails when the command is sent.
func BuildPipeline(scope Scope, stages []bson.D, pos ResumePosition, mode FullDocumentMode) bson.A {
	stage := bson.D{}
	if !mode.isDefault() {
		stage = append(stage, bson.E{Key: "fullDocument", Value: string(mode)})
	}
	stage = pos.appendTo(stage)
	if _, ok := scope.(DeploymentScope); ok {
		stage = append(stage, bson.E{Key: "allChangesForCluster", Value: true})
	}

	pipeline := make(bson.A, 0, len(stages)+1)
	pipeline = append(pipeline, bson.D{{Key: "$changeStream", Value: stage}})
	for _, s := range stages {
		pipeline = append(pipeline, s)
	}
	return pipeline
}
