package changeset

import "strings"

// Apply replays a ChangeSet on top of a snapshot and returns the result.
// Applying Diff(a, b, opts) to a yields a snapshot equal to b on all
// non-excluded fields. The input snapshot is not modified.
func Apply(original Snapshot, cs ChangeSet, opts Options) Snapshot {
	out := deepCopy(original)
	for _, fc := range cs.FieldsDeleted {
		if items, ok := fc.OldValue.([]interface{}); ok {
			removeElements(out, fc.Name, items, matcherFor(opts.Matchers, fc.Name))
			continue
		}
		deleteField(out, fc.Name)
	}
	for _, fc := range cs.FieldsUpdated {
		setField(out, fc.Name, fc.NewValue)
	}
	for _, fc := range cs.FieldsAdded {
		if items, ok := fc.NewValue.([]interface{}); ok {
			if _, exists := lookupPath(out, fc.Name); exists {
				appendElements(out, fc.Name, items)
				continue
			}
		}
		setField(out, fc.Name, fc.NewValue)
	}
	return out
}

func deepCopy(s Snapshot) Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopy(t)
	case []interface{}:
		l := make([]interface{}, len(t))
		for i, e := range t {
			l[i] = copyValue(e)
		}
		return l
	default:
		return v
	}
}

// navigate walks the dotted path down to the snapshot owning the leaf field,
// creating intermediate child snapshots as needed.
func navigate(s Snapshot, path string, create bool) (Snapshot, string, bool) {
	parts := strings.Split(path, ".")
	cur := s
	for i := 0; i < len(parts)-1; i++ {
		child, ok := cur[parts[i]].(map[string]interface{})
		if !ok {
			if !create {
				return nil, "", false
			}
			child = Snapshot{}
			cur[parts[i]] = child
		}
		cur = child
	}
	return cur, parts[len(parts)-1], true
}

func setField(s Snapshot, path string, value interface{}) {
	owner, leaf, _ := navigate(s, path, true)
	owner[leaf] = copyValue(value)
}

func deleteField(s Snapshot, path string) {
	if owner, leaf, ok := navigate(s, path, false); ok {
		delete(owner, leaf)
	}
}

func lookupPath(s Snapshot, path string) (interface{}, bool) {
	owner, leaf, ok := navigate(s, path, false)
	if !ok {
		return nil, false
	}
	return lookup(owner, leaf)
}

func appendElements(s Snapshot, path string, items []interface{}) {
	owner, leaf, ok := navigate(s, path, false)
	if !ok {
		return
	}
	list, _ := owner[leaf].([]interface{})
	for _, it := range items {
		list = append(list, copyValue(it))
	}
	owner[leaf] = list
}

func removeElements(s Snapshot, path string, items []interface{}, match MatchFunc) {
	owner, leaf, ok := navigate(s, path, false)
	if !ok {
		return
	}
	list, isList := owner[leaf].([]interface{})
	if !isList {
		return
	}
	var kept []interface{}
	for _, e := range list {
		if !containsMatch(items, e, match) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(owner, leaf)
		return
	}
	owner[leaf] = kept
}
