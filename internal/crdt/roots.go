package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

var (
	// ErrIndexOutOfRange indicates an edit addressed a position outside the sequence.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	// ErrRootType indicates a root name already holds another kind of value.
	ErrRootType = errors.New("crdt: root holds another type")
)

var (
	genesisTime  = time.Unix(0, 0).UTC()
	genesisCache sync.Map
)

func kindName(kind automerge.Kind) string {
	switch kind {
	case automerge.KindText:
		return "text"
	case automerge.KindList:
		return "array"
	case automerge.KindMap:
		return "map"
	default:
		return "scalar"
	}
}

// rootGenesis returns the change that creates an empty root of kind under
// name. Actor, timestamp and content are fixed, so every replica produces the
// same change hash and concurrent creators converge on one object.
func rootGenesis(name string, kind automerge.Kind) ([]byte, error) {
	cacheKey := kindName(kind) + "\x00" + name
	if cached, ok := genesisCache.Load(cacheKey); ok {
		return cached.([]byte), nil
	}
	seed := automerge.New()
	sum := sha256.Sum256([]byte("manuscript/root\x00" + cacheKey))
	if err := seed.SetActorID(hex.EncodeToString(sum[:16])); err != nil {
		return nil, fmt.Errorf("crdt: genesis actor: %w", err)
	}
	var empty any
	switch kind {
	case automerge.KindText:
		empty = automerge.NewText("")
	case automerge.KindList:
		empty = automerge.NewList()
	default:
		empty = automerge.NewMap()
	}
	if err := seed.RootMap().Set(name, empty); err != nil {
		return nil, fmt.Errorf("crdt: genesis %s %q: %w", kindName(kind), name, err)
	}
	if _, err := seed.Commit("", automerge.CommitOptions{Time: &genesisTime}); err != nil {
		return nil, fmt.Errorf("crdt: genesis commit: %w", err)
	}
	changes, err := seed.Changes()
	if err != nil {
		return nil, fmt.Errorf("crdt: genesis changes: %w", err)
	}
	genesis := encodeChanges(changes)
	genesisCache.Store(cacheKey, genesis)
	return genesis, nil
}

// rootLocked returns the value stored under name; a missing root reads as void.
func (d *Doc) rootLocked(name string) *automerge.Value {
	value, err := d.doc.Path(name).Get()
	if err != nil {
		return nil
	}
	return value
}

func (d *Doc) rootKindLocked(name string) automerge.Kind {
	value := d.rootLocked(name)
	if value == nil {
		return automerge.KindVoid
	}
	return value.Kind()
}

// ensureRootLocked creates the root through its genesis change when missing.
func (d *Doc) ensureRootLocked(name string, kind automerge.Kind) (*automerge.Value, error) {
	switch current := d.rootKindLocked(name); current {
	case kind:
		return d.rootLocked(name), nil
	case automerge.KindVoid:
	default:
		return nil, fmt.Errorf("%w: %q is a %s, not a %s", ErrRootType, name, kindName(current), kindName(kind))
	}
	genesis, err := rootGenesis(name, kind)
	if err != nil {
		return nil, err
	}
	if _, err := d.loadLocked(genesis); err != nil {
		return nil, err
	}
	value := d.rootLocked(name)
	if value == nil || value.Kind() != kind {
		// a concurrent root of another type won the key
		return nil, fmt.Errorf("%w: %q", ErrRootType, name)
	}
	return value, nil
}

func (d *Doc) checkRootKindLocked(name string, kind automerge.Kind) error {
	current := d.rootKindLocked(name)
	if current != kind && current != automerge.KindVoid {
		return fmt.Errorf("%w: %q is a %s, not a %s", ErrRootType, name, kindName(current), kindName(kind))
	}
	return nil
}

// Text is a collaborative string rooted at a name. Indexes count runes.
type Text struct {
	doc  *Doc
	name string
}

// Text returns the text root with the given name.
func (d *Doc) Text(name string) *Text {
	return &Text{doc: d, name: name}
}

func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return string(t.doc.textLocked(t.name))
}

func (d *Doc) textLocked(name string) []rune {
	value := d.rootLocked(name)
	if value == nil || value.Kind() != automerge.KindText {
		return nil
	}
	text, err := value.Text().Get()
	if err != nil {
		return nil
	}
	return []rune(text)
}

// Len returns the number of runes in the text.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return len(t.doc.textLocked(t.name))
}

// Insert inserts value so that its first rune ends up at rune index.
func (t *Text) Insert(index int, value string) error {
	if value == "" {
		return nil
	}
	_, err := t.doc.edit(func() (bool, error) {
		return t.doc.insertTextLocked(t.name, index, value)
	})
	return err
}

func (d *Doc) insertTextLocked(name string, index int, value string) (bool, error) {
	if err := d.checkRootKindLocked(name, automerge.KindText); err != nil {
		return false, err
	}
	if length := len(d.textLocked(name)); index < 0 || index > length {
		return false, fmt.Errorf("%w: text %q index %d length %d", ErrIndexOutOfRange, name, index, length)
	}
	root, err := d.ensureRootLocked(name, automerge.KindText)
	if err != nil {
		return false, err
	}
	if err := root.Text().Insert(index, value); err != nil {
		return false, fmt.Errorf("crdt: text %q insert: %w", name, err)
	}
	return true, nil
}

// Delete removes length runes starting at index.
func (t *Text) Delete(index, length int) error {
	if length <= 0 {
		return nil
	}
	_, err := t.doc.edit(func() (bool, error) {
		return t.doc.deleteTextLocked(t.name, index, length)
	})
	return err
}

func (d *Doc) deleteTextLocked(name string, index, length int) (bool, error) {
	current := len(d.textLocked(name))
	if index < 0 || index+length > current {
		return false, fmt.Errorf("%w: text %q delete %d+%d length %d", ErrIndexOutOfRange, name, index, length, current)
	}
	if err := d.rootLocked(name).Text().Delete(index, length); err != nil {
		return false, fmt.Errorf("crdt: text %q delete: %w", name, err)
	}
	return true, nil
}

// Array is a collaborative list of JSON values rooted at a name.
type Array struct {
	doc  *Doc
	name string
}

// Array returns the array root with the given name.
func (d *Doc) Array(name string) *Array {
	return &Array{doc: d, name: name}
}

// Values decodes the elements.
func (a *Array) Values() []any {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	return a.doc.arrayLocked(a.name)
}

func (d *Doc) arrayLocked(name string) []any {
	value := d.rootLocked(name)
	if value == nil || value.Kind() != automerge.KindList {
		return []any{}
	}
	return listValues(value.List())
}

// Len returns the number of elements.
func (a *Array) Len() int {
	return len(a.Values())
}

// Insert inserts values starting at index.
func (a *Array) Insert(index int, values ...any) error {
	if len(values) == 0 {
		return nil
	}
	normalized, err := normalizeValues(values)
	if err != nil {
		return err
	}
	_, err = a.doc.edit(func() (bool, error) {
		return a.doc.insertArrayLocked(a.name, index, normalized)
	})
	return err
}

// Push appends values at the end of the array.
func (a *Array) Push(values ...any) error {
	if len(values) == 0 {
		return nil
	}
	normalized, err := normalizeValues(values)
	if err != nil {
		return err
	}
	_, err = a.doc.edit(func() (bool, error) {
		return a.doc.insertArrayLocked(a.name, len(a.doc.arrayLocked(a.name)), normalized)
	})
	return err
}

func (d *Doc) insertArrayLocked(name string, index int, values []any) (bool, error) {
	if err := d.checkRootKindLocked(name, automerge.KindList); err != nil {
		return false, err
	}
	if length := len(d.arrayLocked(name)); index < 0 || index > length {
		return false, fmt.Errorf("%w: array %q index %d length %d", ErrIndexOutOfRange, name, index, length)
	}
	root, err := d.ensureRootLocked(name, automerge.KindList)
	if err != nil {
		return false, err
	}
	if err := root.List().Insert(index, values...); err != nil {
		return false, fmt.Errorf("crdt: array %q insert: %w", name, err)
	}
	return true, nil
}

// Delete removes length elements starting at index.
func (a *Array) Delete(index, length int) error {
	if length <= 0 {
		return nil
	}
	_, err := a.doc.edit(func() (bool, error) {
		return a.doc.deleteArrayLocked(a.name, index, length)
	})
	return err
}

func (d *Doc) deleteArrayLocked(name string, index, length int) (bool, error) {
	current := len(d.arrayLocked(name))
	if index < 0 || index+length > current {
		return false, fmt.Errorf("%w: array %q delete %d+%d length %d", ErrIndexOutOfRange, name, index, length, current)
	}
	list := d.rootLocked(name).List()
	for removed := 0; removed < length; removed++ {
		if err := list.Delete(index); err != nil {
			return removed > 0, fmt.Errorf("crdt: array %q delete: %w", name, err)
		}
	}
	return true, nil
}

// Map is a collaborative string-keyed map of JSON values. Concurrent writes to
// one key resolve deterministically on every replica.
type Map struct {
	doc  *Doc
	name string
}

// Map returns the map root with the given name.
func (d *Doc) Map(name string) *Map {
	return &Map{doc: d, name: name}
}

// Get returns the decoded value stored under key.
func (m *Map) Get(key string) (any, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	value, ok := m.doc.mapLocked(m.name)[key]
	return value, ok
}

// Entries decodes every key.
func (m *Map) Entries() map[string]any {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.doc.mapLocked(m.name)
}

func (d *Doc) mapLocked(name string) map[string]any {
	value := d.rootLocked(name)
	if value == nil || value.Kind() != automerge.KindMap {
		return map[string]any{}
	}
	return mapValues(value.Map())
}

// Keys returns the keys in sorted order.
func (m *Map) Keys() []string {
	return sortedKeys(m.Entries())
}

// Set stores value under key.
func (m *Map) Set(key string, value any) error {
	if key == "" {
		return fmt.Errorf("crdt: map %q requires a non-empty key", m.name)
	}
	normalized, err := normalizeValues([]any{value})
	if err != nil {
		return err
	}
	_, err = m.doc.edit(func() (bool, error) {
		return m.doc.setMapLocked(m.name, key, normalized[0])
	})
	return err
}

func (d *Doc) setMapLocked(name, key string, value any) (bool, error) {
	root, err := d.ensureRootLocked(name, automerge.KindMap)
	if err != nil {
		return false, err
	}
	if err := root.Map().Set(key, value); err != nil {
		return false, fmt.Errorf("crdt: map %q set %q: %w", name, key, err)
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (m *Map) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("crdt: map %q requires a non-empty key", m.name)
	}
	_, err := m.doc.edit(func() (bool, error) {
		return m.doc.deleteMapLocked(m.name, key)
	})
	return err
}

func (d *Doc) deleteMapLocked(name, key string) (bool, error) {
	if _, ok := d.mapLocked(name)[key]; !ok {
		return false, nil
	}
	if err := d.rootLocked(name).Map().Delete(key); err != nil {
		return false, fmt.Errorf("crdt: map %q delete %q: %w", name, key, err)
	}
	return true, nil
}
