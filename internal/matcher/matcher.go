// Package matcher implements the partial-object filter matching used to
// join waiting steps against emitted events (spec.md §4.5).
package matcher

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Match reports whether input satisfies filter. filter is a partial-object
// tree: container nodes (nested objects/arrays) are checked only for type,
// scalar leaves are checked for equality. An empty filter ({} or null)
// matches everything.
func Match(filter, input json.RawMessage) (bool, error) {
	if len(filter) == 0 || string(filter) == "null" {
		return true, nil
	}

	var filterVal interface{}
	if err := json.Unmarshal(filter, &filterVal); err != nil {
		return false, fmt.Errorf("matcher: invalid filter: %w", err)
	}

	var inputVal interface{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &inputVal); err != nil {
			return false, fmt.Errorf("matcher: invalid input: %w", err)
		}
	}

	return matchNode(filterVal, inputVal), nil
}

func matchNode(filterNode, inputNode interface{}) bool {
	switch f := filterNode.(type) {
	case map[string]interface{}:
		if len(f) == 0 {
			return true
		}
		in, ok := inputNode.(map[string]interface{})
		if !ok {
			return false
		}
		for key, subFilter := range f {
			subInput, present := in[key]
			if !present {
				return false
			}
			if !matchNode(subFilter, subInput) {
				return false
			}
		}
		return true
	case []interface{}:
		_, ok := inputNode.([]interface{})
		return ok
	default:
		return reflect.DeepEqual(filterNode, inputNode)
	}
}

// Leaves walks filter and returns its JSON-pointer leaf paths, mainly
// useful for diagnostics and admin-facing introspection of a waiting step.
func Leaves(filter json.RawMessage) ([]string, error) {
	if len(filter) == 0 || string(filter) == "null" {
		return nil, nil
	}
	var filterVal interface{}
	if err := json.Unmarshal(filter, &filterVal); err != nil {
		return nil, fmt.Errorf("matcher: invalid filter: %w", err)
	}
	var paths []string
	collectLeaves("", filterVal, &paths)
	return paths, nil
}

func collectLeaves(prefix string, node interface{}, out *[]string) {
	m, ok := node.(map[string]interface{})
	if !ok || len(m) == 0 {
		if prefix != "" {
			*out = append(*out, prefix)
		}
		return
	}
	for key, val := range m {
		collectLeaves(prefix+"/"+key, val, out)
	}
}
