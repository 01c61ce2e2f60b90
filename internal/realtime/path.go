package realtime

import (
	"encoding/json"
	"fmt"
)

// setPath writes value at path inside a JSON object document. Every element
// of path except the last must already name an object.
func setPath(doc json.RawMessage, path []string, value any) (json.RawMessage, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	var root map[string]any
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("realtime: decode document: %w", err)
	}
	leaf, err := normalize(value)
	if err != nil {
		return nil, err
	}

	parent := root
	for i, key := range path[:len(path)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %v does not exist", ErrNotFound, path[:i+1])
		}
		parent = child
	}
	parent[path[len(path)-1]] = leaf

	return json.Marshal(root)
}

// normalize turns any value into the generic shape encoding/json decodes to.
func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode value: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("realtime: encode value: %w", err)
	}
	return v, nil
}
