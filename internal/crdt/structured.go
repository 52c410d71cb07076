package crdt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// ErrUnsupportedValue indicates a structured value that maps to no root type.
var ErrUnsupportedValue = errors.New("crdt: unsupported structured value")

// ToStructured decodes every root into plain values: text roots become
// strings, array roots []any and map roots map[string]any.
func (d *Doc) ToStructured() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return mapValues(d.doc.RootMap())
}

// FromStructured rewrites roots so they read as value, expressed as new
// changes merged into the document. It returns the produced update, which is
// nil when the document already matched. A rejected value changes nothing.
func (d *Doc) FromStructured(value map[string]any) ([]byte, error) {
	normalized, err := normalizeStructured(value)
	if err != nil {
		return nil, err
	}
	return d.edit(func() (bool, error) {
		if err := d.checkStructuredLocked(normalized); err != nil {
			return false, err
		}
		if err := d.ensureStructuredRootsLocked(normalized); err != nil {
			return false, err
		}
		changed := false
		for _, name := range sortedKeys(normalized) {
			var rootChanged bool
			var err error
			switch typed := normalized[name].(type) {
			case nil:
				continue
			case string:
				rootChanged, err = d.replaceTextLocked(name, []rune(typed))
			case []any:
				rootChanged, err = d.replaceArrayLocked(name, typed)
			case map[string]any:
				rootChanged, err = d.replaceMapLocked(name, typed)
			}
			changed = changed || rootChanged
			if err != nil {
				return changed, err
			}
		}
		return changed, nil
	})
}

func normalizeStructured(value map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	normalized := make(map[string]any)
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return normalized, nil
}

// checkStructuredLocked rejects the whole value before any root is touched.
func (d *Doc) checkStructuredLocked(value map[string]any) error {
	for _, name := range sortedKeys(value) {
		if name == "" {
			return fmt.Errorf("%w: empty root name", ErrUnsupportedValue)
		}
		var kind automerge.Kind
		switch typed := value[name].(type) {
		case nil:
			continue
		case string:
			kind = automerge.KindText
		case []any:
			kind = automerge.KindList
		case map[string]any:
			kind = automerge.KindMap
			for key := range typed {
				if key == "" {
					return fmt.Errorf("%w: map %q has an empty key", ErrUnsupportedValue, name)
				}
			}
		default:
			return fmt.Errorf("%w: root %q holds %T", ErrUnsupportedValue, name, typed)
		}
		if err := d.checkRootKindLocked(name, kind); err != nil {
			return fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
		}
	}
	return nil
}

// ensureStructuredRootsLocked creates missing roots before any edit so the
// genesis loads never interleave with uncommitted operations.
func (d *Doc) ensureStructuredRootsLocked(value map[string]any) error {
	for _, name := range sortedKeys(value) {
		var kind automerge.Kind
		switch value[name].(type) {
		case string:
			kind = automerge.KindText
		case []any:
			kind = automerge.KindList
		case map[string]any:
			kind = automerge.KindMap
		default:
			continue
		}
		if _, err := d.ensureRootLocked(name, kind); err != nil {
			return err
		}
	}
	return nil
}

func (d *Doc) replaceTextLocked(name string, target []rune) (bool, error) {
	current := d.textLocked(name)
	prefix, suffix := commonAffixes(len(current), len(target), func(i, j int) bool { return current[i] == target[j] })
	changed := false
	if removed := len(current) - prefix - suffix; removed > 0 {
		if _, err := d.deleteTextLocked(name, prefix, removed); err != nil {
			return false, err
		}
		changed = true
	}
	if inserted := target[prefix : len(target)-suffix]; len(inserted) > 0 {
		insertedAny, err := d.insertTextLocked(name, prefix, string(inserted))
		return changed || insertedAny, err
	}
	return changed, nil
}

func (d *Doc) replaceArrayLocked(name string, target []any) (bool, error) {
	current := d.arrayLocked(name)
	prefix, suffix := commonAffixes(len(current), len(target), func(i, j int) bool {
		return canonicalJSON(current[i]) == canonicalJSON(target[j])
	})
	changed := false
	if removed := len(current) - prefix - suffix; removed > 0 {
		if _, err := d.deleteArrayLocked(name, prefix, removed); err != nil {
			return false, err
		}
		changed = true
	}
	if inserted := target[prefix : len(target)-suffix]; len(inserted) > 0 {
		insertedAny, err := d.insertArrayLocked(name, prefix, inserted)
		return changed || insertedAny, err
	}
	return changed, nil
}

func (d *Doc) replaceMapLocked(name string, target map[string]any) (bool, error) {
	current := d.mapLocked(name)
	changed := false
	for _, key := range sortedKeys(target) {
		if existing, ok := current[key]; ok && canonicalJSON(existing) == canonicalJSON(target[key]) {
			continue
		}
		if _, err := d.setMapLocked(name, key, target[key]); err != nil {
			return changed, err
		}
		changed = true
	}
	for _, key := range sortedKeys(current) {
		if _, keep := target[key]; keep {
			continue
		}
		if _, err := d.deleteMapLocked(name, key); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// commonAffixes returns the lengths of the shared prefix and the shared
// suffix of two sequences, never letting them overlap.
func commonAffixes(currentLen, targetLen int, equal func(i, j int) bool) (int, int) {
	prefix := 0
	for prefix < currentLen && prefix < targetLen && equal(prefix, prefix) {
		prefix++
	}
	suffix := 0
	for suffix < currentLen-prefix && suffix < targetLen-prefix &&
		equal(currentLen-1-suffix, targetLen-1-suffix) {
		suffix++
	}
	return prefix, suffix
}
