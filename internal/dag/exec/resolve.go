package exec

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// refRe matches ${node_id} references inside parameter strings.
var refRe = regexp.MustCompile(`\$\{(\w+)\}`)

// exactRefRe matches a string that is exactly one reference.
var exactRefRe = regexp.MustCompile(`^\$\{(\w+)\}$`)

// resolveParams substitutes node references in params against the
// results map. A value that is exactly "${id}" becomes the referenced
// result object; references embedded in larger strings substitute the
// result's string form, JSON-encoding collections. Unknown references
// are an error, which the scheduler records as a node-level failure.
func resolveParams(params map[string]any, results map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		str, ok := value.(string)
		if !ok {
			resolved[key] = value
			continue
		}

		if m := exactRefRe.FindStringSubmatch(str); m != nil {
			result, ok := results[m[1]]
			if !ok {
				return nil, fmt.Errorf("parameter %q references unknown node %q", key, m[1])
			}
			resolved[key] = result
			continue
		}

		var refErr error
		out := refRe.ReplaceAllStringFunc(str, func(match string) string {
			id := refRe.FindStringSubmatch(match)[1]
			result, ok := results[id]
			if !ok {
				refErr = fmt.Errorf("parameter %q references unknown node %q", key, id)
				return match
			}
			return stringify(result)
		})
		if refErr != nil {
			return nil, refErr
		}
		resolved[key] = out
	}
	return resolved, nil
}

// stringify renders a result for textual substitution. Collections are
// JSON-encoded; scalars use their natural string form.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	switch v.(type) {
	case map[string]any, []any, []string, []map[string]any, []float64, []int:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}
