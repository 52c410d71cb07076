package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

// plain converts an automerge value into the values encoding/json produces:
// numbers become float64, text becomes string.
func plain(value *automerge.Value) any {
	switch value.Kind() {
	case automerge.KindVoid, automerge.KindNull:
		return nil
	case automerge.KindText:
		text, err := value.Text().Get()
		if err != nil {
			return nil
		}
		return text
	case automerge.KindList:
		return listValues(value.List())
	case automerge.KindMap:
		return mapValues(value.Map())
	}
	switch typed := value.Interface().(type) {
	case int64:
		return float64(typed)
	case uint64:
		return float64(typed)
	default:
		return typed
	}
}

func listValues(list *automerge.List) []any {
	values := make([]any, 0, list.Len())
	for index := 0; index < list.Len(); index++ {
		value, err := list.Get(index)
		if err != nil {
			continue
		}
		values = append(values, plain(value))
	}
	return values
}

func mapValues(m *automerge.Map) map[string]any {
	values := make(map[string]any)
	keys, err := m.Keys()
	if err != nil {
		return values
	}
	for _, key := range keys {
		value, err := m.Get(key)
		if err != nil || value.Kind() == automerge.KindVoid {
			continue
		}
		values[key] = plain(value)
	}
	return values
}

// normalizeValues round-trips values through JSON so only nil, bool,
// float64, string, []any and map[string]any reach automerge.
func normalizeValues(values []any) ([]any, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	normalized := make([]any, 0, len(values))
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return normalized, nil
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func canonicalJSON(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(raw)
}
