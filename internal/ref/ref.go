// Package ref implements the `{{ path }}` reference-resolution grammar of
// spec §4.2: a typed, small-grammar substitution over a scoped context
// (params, targets, state), deliberately narrower than a general template
// or expression language (spec §9 design note).
package ref

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// pathPattern matches one {{ path }} reference. path is an identifier
// optionally followed by dot segments or bracketed indices.
var pathPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]-]+)\s*\}\}`)

// Context is the scope a reference is resolved against.
type Context struct {
	Params  map[string]any
	Targets map[string]any
	State   map[string]any
}

func (c Context) root() map[string]any {
	return map[string]any{
		"params":  c.Params,
		"targets": c.Targets,
		"state":   c.State,
	}
}

// Resolve walks value recursively (maps and slices included) substituting
// every {{ path }} occurrence found inside strings. A string that is
// *exactly* one reference (e.g. `"{{ state.A.count }}"`) resolves to the
// referenced value's native type; a reference embedded in a larger string
// is stringified. A missing path renders as the empty string, per spec
// §4.2 "Missing paths render as empty strings."
func Resolve(value any, ctx Context) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, ctx)
		}
		return out
	default:
		return value
	}
}

func resolveString(s string, ctx Context) any {
	matches := pathPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// A string that is exactly one whole-match reference preserves type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		val, ok := get(ctx.root(), path)
		if !ok {
			return ""
		}
		return val
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		path := s[m[2]:m[3]]
		val, ok := get(ctx.root(), path)
		if !ok {
			val = ""
		}
		sb.WriteString(stringify(val))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String()
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// get navigates a dot/bracket path like "state.A.rows[0].name" over nested
// maps and slices, returning (value, found).
func get(root map[string]any, path string) (any, bool) {
	segments := splitPath(path)
	var cur any = root
	for _, seg := range segments {
		if idx, isIndex := seg.index(); isIndex {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		val, present := m[seg.key]
		if !present {
			return nil, false
		}
		cur = val
	}
	return cur, true
}

type pathSegment struct {
	key    string
	idxStr string
}

func (p pathSegment) index() (int, bool) {
	if p.idxStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(p.idxStr)
	if err != nil {
		return 0, false
	}
	return n, true
}

// splitPath turns "state.A.rows[0].name" into
// [{key:state} {key:A} {key:rows} {idxStr:0} {key:name}].
func splitPath(path string) []pathSegment {
	var segments []pathSegment
	for _, dotPart := range strings.Split(path, ".") {
		rest := dotPart
		for {
			open := strings.IndexByte(rest, '[')
			if open < 0 {
				if rest != "" {
					segments = append(segments, pathSegment{key: rest})
				}
				break
			}
			if open > 0 {
				segments = append(segments, pathSegment{key: rest[:open]})
			}
			close := strings.IndexByte(rest[open:], ']')
			if close < 0 {
				break
			}
			segments = append(segments, pathSegment{idxStr: rest[open+1 : open+close]})
			rest = rest[open+close+1:]
		}
	}
	return segments
}

// ContainsReference reports whether s contains at least one {{ path }}
// occurrence, used by callers deciding whether a string needs resolution.
func ContainsReference(s string) bool {
	return pathPattern.MatchString(s)
}
