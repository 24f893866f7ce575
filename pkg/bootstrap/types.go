// Package bootstrap loads the startup catalog configuration: the per-entity-type
// version classification table, the feed-visible entity types, and the seed
// users and teams used by owner-rule resolution.
package bootstrap

import (
	"github.com/morezero/catalog-events/pkg/version"
)

// SeedSubject is a user or team seeded into the subject tables at startup.
type SeedSubject struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// BootstrapConfig is the root bootstrap configuration.
type BootstrapConfig struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	// Classification maps entity type -> field -> "major" | "minor".
	// Fields absent from the table classify as minor.
	Classification map[string]map[string]string `json:"classification"`
	// FeedVisibleTypes lists entity types whose changes render activity-feed
	// threads.
	FeedVisibleTypes []string `json:"feedVisibleTypes"`
	// WorkflowName names the governance workflow triggered on lifecycle
	// events. Empty disables triggering.
	WorkflowName string        `json:"workflowName,omitempty"`
	Users        []SeedSubject `json:"users,omitempty"`
	Teams        []SeedSubject `json:"teams,omitempty"`
}

// ResolvedBootstrap is the validated form of a BootstrapConfig.
type ResolvedBootstrap struct {
	name         string
	version      string
	classifier   *version.Classifier
	feedVisible  map[string]bool
	workflowName string
	users        []SeedSubject
	teams        []SeedSubject
}

// Name returns the bootstrap config name.
func (rb *ResolvedBootstrap) Name() string {
	return rb.name
}

// Version returns the bootstrap config version.
func (rb *ResolvedBootstrap) Version() string {
	return rb.version
}

// Classifier returns the validated field classification table.
func (rb *ResolvedBootstrap) Classifier() *version.Classifier {
	return rb.classifier
}

// FeedVisibleTypes returns the feed-visible entity type set.
func (rb *ResolvedBootstrap) FeedVisibleTypes() map[string]bool {
	return rb.feedVisible
}

// WorkflowName returns the lifecycle workflow name, empty when disabled.
func (rb *ResolvedBootstrap) WorkflowName() string {
	return rb.workflowName
}

// Users returns the seed users.
func (rb *ResolvedBootstrap) Users() []SeedSubject {
	return rb.users
}

// Teams returns the seed teams.
func (rb *ResolvedBootstrap) Teams() []SeedSubject {
	return rb.teams
}
