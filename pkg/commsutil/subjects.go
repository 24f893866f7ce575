package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	// SubjectPipeline is the request/reply subject for pipeline methods.
	SubjectPipeline = "catalog.pipeline.v1"
	// SubjectChangeEvent is the global change event subject.
	SubjectChangeEvent = "catalog.changed"
	// SubjectWorkflow is the subject workflow orchestration messages go to.
	SubjectWorkflow = "catalog.workflow.v1"
	// SubjectFeed is the subject activity-feed threads are published to.
	SubjectFeed = "catalog.feed.v1"
)

// BuildChangeSubject builds a granular change event subject for an entity.
func BuildChangeSubject(entityType, fqn string) string {
	return fmt.Sprintf("catalog.changed.%s.%s", SafeToken(entityType), SafeToken(fqn))
}

// SafeToken makes a value usable as a COMMS subject token: dots become
// underscores, wildcards and spaces are stripped to underscores.
func SafeToken(v string) string {
	if v == "" {
		return "unknown"
	}
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(v)
}
