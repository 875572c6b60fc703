package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"gopkg.in/yaml.v3"
)

// CanonicalHash recomputes the deterministic hash over the normalized plan
// body (spec §4.1 "Canonical hash"): the YAML-decoded plan is rebuilt as a
// recursively key-sorted structure and marshaled to JSON, mirroring
// Python's `json.dumps(..., sort_keys=True)` (SPEC_FULL.md §4.1), then
// hashed with SHA-256.
func CanonicalHash(p *Plan) (string, error) {
	// Round-trip through YAML marshal -> generic decode so map key order
	// from struct field order is irrelevant; canonicalize walks the
	// resulting map[string]any tree.
	raw, err := yaml.Marshal(p)
	if err != nil {
		return "", err
	}
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	canon := canonicalize(generic)
	body, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize rebuilds a decoded YAML tree with map keys sorted and
// map[any]any/map[string]any normalized to map[string]any so json.Marshal
// sees a deterministic key order.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return canonicalizeStringMap(t)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[toString(k)] = val
		}
		return canonicalizeStringMap(m)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return t
	}
}

func canonicalizeStringMap(m map[string]any) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for _, k := range keys {
		out[k] = canonicalize(m[k])
	}
	return out
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
