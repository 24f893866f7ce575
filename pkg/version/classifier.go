package version

import (
	"fmt"
	"strings"

	"github.com/morezero/catalog-events/pkg/changeset"
)

const classifierLogPrefix = "version:classifier"

// Classification says how a changed field affects the version number.
type Classification string

const (
	// Minor marks additive or descriptive fields (tags, description, followers).
	Minor Classification = "minor"
	// Major marks backward-incompatible fields (name, owner, type changes).
	Major Classification = "major"
)

// Classifier holds the static per-entity-type field classification table.
// The table is fixed at configuration time; it is never computed from
// content. Fields absent from the table classify as Minor so that additive
// custom fields never force a major bump.
type Classifier struct {
	byType map[string]map[string]Classification
}

// NewClassifier validates the raw table (entity type -> field -> "major" or
// "minor") and returns a Classifier. Invalid classification values are a
// fatal configuration error surfaced here, at startup, not at request time.
func NewClassifier(table map[string]map[string]string) (*Classifier, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("%s - classification table is empty", classifierLogPrefix)
	}
	byType := make(map[string]map[string]Classification, len(table))
	for entityType, fields := range table {
		if entityType == "" {
			return nil, fmt.Errorf("%s - classification table has an empty entity type", classifierLogPrefix)
		}
		m := make(map[string]Classification, len(fields))
		for field, raw := range fields {
			switch Classification(strings.ToLower(raw)) {
			case Minor:
				m[field] = Minor
			case Major:
				m[field] = Major
			default:
				return nil, fmt.Errorf("%s - entity type %q field %q has unknown classification %q",
					classifierLogPrefix, entityType, field, raw)
			}
		}
		byType[entityType] = m
	}
	return &Classifier{byType: byType}, nil
}

// Classify returns the classification of a (possibly dotted) field path for
// an entity type. Nested paths classify by their top-level field.
func (c *Classifier) Classify(entityType, field string) Classification {
	if i := strings.Index(field, "."); i > 0 {
		field = field[:i]
	}
	if fields, ok := c.byType[entityType]; ok {
		if cl, ok := fields[field]; ok {
			return cl
		}
	}
	return Minor
}

// KnownType reports whether the table has an entry for the entity type.
func (c *Classifier) KnownType(entityType string) bool {
	_, ok := c.byType[entityType]
	return ok
}

// Bump applies the version policy to a change set. An empty change set
// returns the old version unchanged with bumped=false; callers use that to
// skip event emission entirely.
func (c *Classifier) Bump(entityType string, old EntityVersion, cs *changeset.ChangeSet) (EntityVersion, bool) {
	if cs == nil || cs.Empty() {
		return old, false
	}
	for _, field := range cs.FieldNames() {
		if c.Classify(entityType, field) == Major {
			return old.NextMajor(), true
		}
	}
	return old.NextMinor(), true
}
