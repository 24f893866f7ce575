package changeset

import (
	"reflect"
	"sort"
)

// MatchIdentity matches collection elements by deep value equality.
func MatchIdentity(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// MatchByID matches reference elements by their "id" field.
func MatchByID(a, b interface{}) bool {
	return refFieldEqual(a, b, "id")
}

// MatchByFQN matches reference elements by their "fullyQualifiedName" field,
// falling back to "tagFQN" for tag labels.
func MatchByFQN(a, b interface{}) bool {
	if refFieldEqual(a, b, "fullyQualifiedName") {
		return true
	}
	return refFieldEqual(a, b, "tagFQN")
}

// MatchByName matches reference elements by their "name" field.
func MatchByName(a, b interface{}) bool {
	return refFieldEqual(a, b, "name")
}

func refFieldEqual(a, b interface{}, field string) bool {
	am, aok := a.(map[string]interface{})
	bm, bok := b.(map[string]interface{})
	if !aok || !bok {
		return false
	}
	av, aok := am[field]
	bv, bok := bm[field]
	return aok && bok && reflect.DeepEqual(av, bv)
}

// Diff computes the ChangeSet between two snapshots of the same entity.
// Given the same inputs it always produces the same ChangeSet: fields are
// visited in sorted order and collection differences preserve the element
// order of the input lists.
func Diff(original, updated Snapshot, opts Options) ChangeSet {
	excluded := opts.Excluded
	if excluded == nil {
		excluded = DefaultExcluded
	}
	var cs ChangeSet
	diffInto(&cs, "", original, updated, excluded, opts.Matchers)
	sortChanges(cs.FieldsAdded)
	sortChanges(cs.FieldsUpdated)
	sortChanges(cs.FieldsDeleted)
	return cs
}

func diffInto(cs *ChangeSet, prefix string, original, updated Snapshot, excluded map[string]bool, matchers map[string]MatchFunc) {
	for _, name := range unionKeys(original, updated) {
		if excluded[name] {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		oldVal, hasOld := lookup(original, name)
		newVal, hasNew := lookup(updated, name)

		switch {
		case !hasOld && !hasNew:
			continue
		case !hasOld:
			cs.FieldsAdded = append(cs.FieldsAdded, FieldChange{Name: path, NewValue: newVal})
		case !hasNew:
			cs.FieldsDeleted = append(cs.FieldsDeleted, FieldChange{Name: path, OldValue: oldVal})
		default:
			oldList, oldIsList := oldVal.([]interface{})
			newList, newIsList := newVal.([]interface{})
			if oldIsList || newIsList {
				diffList(cs, path, oldList, newList, matcherFor(matchers, path))
				// A scalar replaced by a list (or the reverse) still
				// carries the scalar side in the change record.
				if !oldIsList && oldVal != nil {
					cs.FieldsDeleted = append(cs.FieldsDeleted, FieldChange{Name: path, OldValue: oldVal})
				}
				if !newIsList && newVal != nil {
					cs.FieldsAdded = append(cs.FieldsAdded, FieldChange{Name: path, NewValue: newVal})
				}
				continue
			}
			oldChild, oldIsMap := oldVal.(map[string]interface{})
			newChild, newIsMap := newVal.(map[string]interface{})
			if oldIsMap && newIsMap {
				diffInto(cs, path, oldChild, newChild, excluded, matchers)
				continue
			}
			if !reflect.DeepEqual(oldVal, newVal) {
				cs.FieldsUpdated = append(cs.FieldsUpdated, FieldChange{Name: path, OldValue: oldVal, NewValue: newVal})
			}
		}
	}
}

// diffList computes a set difference between two collections. Elements only
// in updated are reported as added, elements only in original as deleted;
// there is no "updated" entry for collections.
func diffList(cs *ChangeSet, path string, original, updated []interface{}, match MatchFunc) {
	var added, deleted []interface{}
	for _, o := range original {
		if !containsMatch(updated, o, match) {
			deleted = append(deleted, o)
		}
	}
	for _, u := range updated {
		if !containsMatch(original, u, match) {
			added = append(added, u)
		}
	}
	if len(added) > 0 {
		cs.FieldsAdded = append(cs.FieldsAdded, FieldChange{Name: path, NewValue: added})
	}
	if len(deleted) > 0 {
		cs.FieldsDeleted = append(cs.FieldsDeleted, FieldChange{Name: path, OldValue: deleted})
	}
}

func containsMatch(list []interface{}, elem interface{}, match MatchFunc) bool {
	for _, e := range list {
		if match(e, elem) {
			return true
		}
	}
	return false
}

func matcherFor(matchers map[string]MatchFunc, path string) MatchFunc {
	if m, ok := matchers[path]; ok && m != nil {
		return m
	}
	return MatchIdentity
}

// lookup treats an explicit nil value the same as an absent field so that
// JSON null round-trips as a delete rather than a spurious update.
func lookup(s Snapshot, name string) (interface{}, bool) {
	v, ok := s[name]
	if !ok || v == nil {
		return nil, false
	}
	if l, isList := v.([]interface{}); isList && len(l) == 0 {
		return nil, false
	}
	return v, true
}

func unionKeys(a, b Snapshot) []string {
	seen := map[string]bool{}
	var keys []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func sortChanges(list []FieldChange) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Name < list[j].Name })
}

func sortStrings(list []string) {
	sort.Strings(list)
}
