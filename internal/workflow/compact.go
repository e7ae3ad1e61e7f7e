package workflow

import (
	"encoding/json"
	"sort"
)

// Compaction limits applied to a run's result context before storage.
const (
	maxListItems  = 5
	maxDictKeys   = 50
	maxStringLen  = 2000
	maxDepth      = 4
	truncatedMark = "...[truncated]"
)

// CompactContext trims a run context to bounded size and returns it as JSON.
func CompactContext(ctx map[string]any) (string, error) {
	compacted := compactValue(ctx, 0)
	raw, err := json.Marshal(compacted)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func compactValue(v any, depth int) any {
	switch t := v.(type) {
	case string:
		if len(t) > maxStringLen {
			return t[:maxStringLen] + truncatedMark
		}
		return t
	case map[string]any:
		if depth >= maxDepth {
			return truncatedMark
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > maxDictKeys {
			keys = keys[:maxDictKeys]
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = compactValue(t[k], depth+1)
		}
		return out
	case []any:
		if depth >= maxDepth {
			return truncatedMark
		}
		items := t
		if len(items) > maxListItems {
			items = items[:maxListItems]
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = compactValue(item, depth+1)
		}
		return out
	case []map[string]any:
		anys := make([]any, len(t))
		for i, m := range t {
			anys[i] = m
		}
		return compactValue(anys, depth)
	default:
		return v
	}
}
