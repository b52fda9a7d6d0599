package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// The backends store the tree as flat leaves: every JSON scalar or array lives under its
// full path, and objects exist only through their descendants.

type writeOp struct {
	Path   string
	Leaves map[string]json.RawMessage
}

// planWrites validates and flattens updates before anything is touched, so a bad value
// leaves the store unchanged.
func planWrites(updates Updates) ([]writeOp, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no updates", ErrInvalidInput)
	}
	ops := make([]writeOp, 0, len(updates))
	seen := map[string]struct{}{}
	for _, raw := range updates.Paths() {
		path := NormalizePath(raw)
		if err := ValidatePath(path); err != nil {
			return nil, err
		}
		if _, dup := seen[path]; dup {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrInvalidInput, path)
		}
		seen[path] = struct{}{}
		op := writeOp{Path: path}
		value := updates[raw]
		if !isNull(value) {
			leaves := map[string]json.RawMessage{}
			if err := flatten(path, value, leaves); err != nil {
				return nil, fmt.Errorf("%w: value for %q: %v", ErrInvalidInput, path, err)
			}
			op.Leaves = leaves
		}
		ops = append(ops, op)
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })
	return ops, nil
}

func isNull(value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func flatten(path string, value json.RawMessage, out map[string]json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return err
	}
	return flattenValue(path, decoded, out)
}

func flattenValue(path string, value any, out map[string]json.RawMessage) error {
	switch typed := value.(type) {
	case nil:
		return nil
	case map[string]any:
		for key, child := range typed {
			if key == "" || strings.Contains(key, "/") {
				return fmt.Errorf("invalid key %q", key)
			}
			if err := flattenValue(path+"/"+key, child, out); err != nil {
				return err
			}
		}
		return nil
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return err
		}
		out[path] = data
		return nil
	}
}

// clearedBy returns the leaf paths a write to path replaces: the path itself, its
// subtree, and any scalar ancestor that would otherwise shadow it.
func clearedBy(leafPaths []string, path string) []string {
	ancestors := map[string]struct{}{}
	for _, a := range ancestorPaths(path) {
		ancestors[a] = struct{}{}
	}
	var out []string
	for _, leaf := range leafPaths {
		if IsWithin(path, leaf) {
			out = append(out, leaf)
			continue
		}
		if _, ok := ancestors[leaf]; ok {
			out = append(out, leaf)
		}
	}
	return out
}

// applyWrites mutates leaves in place and returns the touched paths.
func applyWrites(leaves map[string]json.RawMessage, ops []writeOp) []string {
	touched := make([]string, 0, len(ops))
	for _, op := range ops {
		existing := make([]string, 0, len(leaves))
		for leaf := range leaves {
			existing = append(existing, leaf)
		}
		for _, leaf := range clearedBy(existing, op.Path) {
			delete(leaves, leaf)
		}
		for leaf, value := range op.Leaves {
			leaves[leaf] = value
		}
		touched = append(touched, op.Path)
	}
	return touched
}

// childrenOf materializes the direct children of path from a flat leaf set.
func childrenOf(leaves map[string]json.RawMessage, path string) map[string]json.RawMessage {
	path = NormalizePath(path)
	prefix := ""
	if path != "" {
		prefix = path + "/"
	}
	grouped := map[string]map[string]json.RawMessage{}
	for leaf, value := range leaves {
		if !strings.HasPrefix(leaf, prefix) {
			continue
		}
		rest := leaf[len(prefix):]
		if rest == "" {
			continue
		}
		key := rest
		sub := ""
		if idx := strings.Index(rest, "/"); idx >= 0 {
			key = rest[:idx]
			sub = rest[idx+1:]
		}
		group, ok := grouped[key]
		if !ok {
			group = map[string]json.RawMessage{}
			grouped[key] = group
		}
		group[sub] = value
	}
	out := make(map[string]json.RawMessage, len(grouped))
	for key, group := range grouped {
		out[key] = materialize(group)
	}
	return out
}

// materialize rebuilds a JSON value from leaves keyed by their path relative to the node.
// The empty key holds the node's own scalar value.
func materialize(group map[string]json.RawMessage) json.RawMessage {
	if value, ok := group[""]; ok && len(group) == 1 {
		return value
	}
	root := map[string]any{}
	for rel, value := range group {
		if rel == "" {
			continue
		}
		segments := strings.Split(rel, "/")
		node := root
		for i, segment := range segments {
			if i == len(segments)-1 {
				node[segment] = value
				break
			}
			next, ok := node[segment].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[segment] = next
			}
			node = next
		}
	}
	data, err := json.Marshal(root)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// snapshotEvents is the first batch a subscription delivers: every child as added,
// then the synced marker.
func snapshotEvents(path string, children map[string]json.RawMessage, seq uint64) []Event {
	events := diffChildren(path, nil, children, seq)
	return append(events, Event{Path: path, Kind: Synced, Seq: seq})
}

// diffChildren compares two child snapshots and returns events in key order.
func diffChildren(path string, before, after map[string]json.RawMessage, seq uint64) []Event {
	keys := make([]string, 0, len(before)+len(after))
	for key := range before {
		keys = append(keys, key)
	}
	for key := range after {
		if _, ok := before[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	events := make([]Event, 0, len(keys))
	for _, key := range keys {
		old, had := before[key]
		cur, has := after[key]
		switch {
		case !had && has:
			events = append(events, Event{Path: path, Key: key, Kind: Added, Payload: cur, Seq: seq})
		case had && !has:
			events = append(events, Event{Path: path, Key: key, Kind: Removed, Seq: seq})
		case had && has && !bytes.Equal(old, cur):
			events = append(events, Event{Path: path, Key: key, Kind: Changed, Payload: cur, Seq: seq})
		}
	}
	return events
}
