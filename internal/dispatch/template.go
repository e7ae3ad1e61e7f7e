package dispatch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var exprRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_][a-zA-Z0-9_.]*)\s*\}\}`)

// ResolveParams expands {{path.to.value}} templates in every string param
// against the accumulated context. A value that is exactly one expression
// resolves to the typed value; mixed strings get stringified interpolation.
// Unresolvable paths are left verbatim.
func ResolveParams(params map[string]any, ctx map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, ctx)
	}
	return out
}

func resolveValue(v any, ctx map[string]any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}

	trimmed := strings.TrimSpace(s)
	if m := exprRe.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		if resolved, found := lookupPath(ctx, m[1]); found {
			return resolved
		}
		return s
	}

	return exprRe.ReplaceAllStringFunc(s, func(match string) string {
		path := exprRe.FindStringSubmatch(match)[1]
		resolved, found := lookupPath(ctx, path)
		if !found {
			return match
		}
		return stringify(resolved)
	})
}

// lookupPath walks dot-separated segments through nested maps and slices.
// Numeric segments index into slices.
func lookupPath(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		case []map[string]any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
