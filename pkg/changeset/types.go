// Package changeset computes field-level diffs between two snapshots of the
// same catalog entity and can re-apply a diff to a snapshot.
package changeset

// Snapshot is a structured entity snapshot, keyed by field name. Values are
// scalars, nested Snapshots (child entities), or []interface{} collections.
type Snapshot = map[string]interface{}

// FieldChange records a single field-level change.
type FieldChange struct {
	Name     string      `json:"name"`
	OldValue interface{} `json:"oldValue,omitempty"`
	NewValue interface{} `json:"newValue,omitempty"`
}

// ChangeSet holds the ordered field changes between two entity versions.
// Scalar fields appear in exactly one of the three lists. Collection fields
// may appear in both FieldsAdded and FieldsDeleted (a replaced element is one
// deleted plus one added entry), never in FieldsUpdated.
type ChangeSet struct {
	FieldsAdded     []FieldChange `json:"fieldsAdded"`
	FieldsUpdated   []FieldChange `json:"fieldsUpdated"`
	FieldsDeleted   []FieldChange `json:"fieldsDeleted"`
	PreviousVersion string        `json:"previousVersion,omitempty"`
}

// Empty reports whether the change set records no changes.
func (cs *ChangeSet) Empty() bool {
	return len(cs.FieldsAdded) == 0 && len(cs.FieldsUpdated) == 0 && len(cs.FieldsDeleted) == 0
}

// FieldNames returns the sorted, de-duplicated names of all changed fields.
func (cs *ChangeSet) FieldNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, list := range [][]FieldChange{cs.FieldsAdded, cs.FieldsUpdated, cs.FieldsDeleted} {
		for _, fc := range list {
			if !seen[fc.Name] {
				seen[fc.Name] = true
				names = append(names, fc.Name)
			}
		}
	}
	sortStrings(names)
	return names
}

// MatchFunc reports whether two collection elements refer to the same item.
type MatchFunc func(a, b interface{}) bool

// Options configures a diff run.
type Options struct {
	// Excluded lists field names skipped during diffing. Nil means
	// DefaultExcluded; pass an empty map to exclude nothing.
	Excluded map[string]bool
	// Matchers maps a (dotted) collection field name to the equality
	// function used for set difference. Missing entries use MatchIdentity.
	Matchers map[string]MatchFunc
}

// DefaultExcluded holds the read-only and system fields never diffed.
var DefaultExcluded = map[string]bool{
	"id":                true,
	"href":              true,
	"version":           true,
	"updatedAt":         true,
	"updatedBy":         true,
	"changeDescription": true,
}
