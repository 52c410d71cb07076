// Package crdt adapts automerge documents to the narrow surface rooms,
// persistence and replicas depend on.
//
// Updates are raw automerge chunks: a saved document or a run of changes.
// Applying them is commutative, associative and idempotent. Every named root
// (text, array or map) is created by a deterministic genesis change, so
// replicas that create the same root concurrently share one object.
package crdt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// Origin tells observers where an applied update came from.
type Origin int

const (
	// OriginLocal marks updates produced by edits on this document.
	OriginLocal Origin = iota
	// OriginRemote marks updates received through ApplyUpdate.
	OriginRemote
)

var (
	// ErrMalformedUpdate indicates that update bytes are not automerge chunks.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrMalformedSummary indicates that state summary bytes are not a list of change hashes.
	ErrMalformedSummary = errors.New("crdt: malformed state summary")
)

// Document is the narrow surface the relay and the persistence adapter depend on.
type Document interface {
	ApplyUpdate(update []byte) error
	EncodeUpdate() []byte
	EncodeStateSummary() []byte
	DiffUpdate(remoteSummary []byte) ([]byte, error)
	ToStructured() map[string]any
	FromStructured(value map[string]any) ([]byte, error)
}

// Engine creates documents.
type Engine interface {
	CreateDocument() Document
}

type engine struct{}

// NewEngine returns the engine backed by automerge.
func NewEngine() Engine {
	return engine{}
}

func (engine) CreateDocument() Document {
	return NewDoc()
}

// UpdateObserver receives the encoded changes that reached a document.
type UpdateObserver func(update []byte, origin Origin)

// Doc is a replica of one shared document. It is safe for concurrent use.
type Doc struct {
	mu    sync.Mutex
	doc   *automerge.Doc
	actor string

	observerMu   sync.Mutex
	observers    map[int]UpdateObserver
	nextObserver int
}

// NewDoc creates an empty document with a random actor.
func NewDoc() *Doc {
	return wrap(automerge.New())
}

// NewDocWithClient creates an empty document whose actor is derived from client.
func NewDocWithClient(client uint64) *Doc {
	doc := automerge.New()
	if client != 0 {
		// sixteen hex digits always form a valid actor id
		_ = doc.SetActorID(fmt.Sprintf("%016x", client))
	}
	return wrap(doc)
}

func wrap(doc *automerge.Doc) *Doc {
	return &Doc{
		doc:       doc,
		actor:     doc.ActorID(),
		observers: make(map[int]UpdateObserver),
	}
}

// ActorID returns the hex actor id used for local changes.
func (d *Doc) ActorID() string {
	return d.actor
}

// OnUpdate registers an observer and returns a function that removes it.
func (d *Doc) OnUpdate(observer UpdateObserver) func() {
	d.observerMu.Lock()
	defer d.observerMu.Unlock()
	d.nextObserver++
	id := d.nextObserver
	d.observers[id] = observer
	return func() {
		d.observerMu.Lock()
		delete(d.observers, id)
		d.observerMu.Unlock()
	}
}

func (d *Doc) notify(update []byte, origin Origin) {
	d.observerMu.Lock()
	observers := make([]UpdateObserver, 0, len(d.observers))
	for _, observer := range d.observers {
		observers = append(observers, observer)
	}
	d.observerMu.Unlock()
	for _, observer := range observers {
		observer(update, origin)
	}
}

// ApplyUpdate merges remote update bytes. Malformed input leaves the document untouched.
func (d *Doc) ApplyUpdate(update []byte) error {
	_, err := d.Apply(update, OriginRemote)
	return err
}

// Apply merges update bytes and reports how many changes were new.
func (d *Doc) Apply(update []byte, origin Origin) (int, error) {
	if len(update) == 0 {
		return 0, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	if err := validateChunks(update); err != nil {
		return 0, err
	}
	d.mu.Lock()
	added, err := d.loadLocked(update)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(added) > 0 {
		d.notify(encodeChanges(added), origin)
	}
	return len(added), nil
}

// loadLocked merges chunks and returns the changes that were new.
func (d *Doc) loadLocked(update []byte) ([]*automerge.Change, error) {
	before := d.doc.Heads()
	if err := d.doc.LoadIncremental(update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	// loading into an empty document replaces it wholesale
	if d.doc.ActorID() != d.actor {
		if err := d.doc.SetActorID(d.actor); err != nil {
			return nil, fmt.Errorf("crdt: restore actor: %w", err)
		}
	}
	added, err := d.doc.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("crdt: list changes: %w", err)
	}
	return added, nil
}

// EncodeUpdate encodes the whole document.
func (d *Doc) EncodeUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// EncodeStateSummary encodes the document heads.
func (d *Doc) EncodeStateSummary() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeHeads(d.doc.Heads())
}

// DiffUpdate encodes the changes a replica with remoteSummary has not seen.
// Heads this document does not know are ignored, so the diff may repeat
// changes the remote already holds.
func (d *Doc) DiffUpdate(remoteSummary []byte) ([]byte, error) {
	remote, err := decodeHeads(remoteSummary)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	known := make([]automerge.ChangeHash, 0, len(remote))
	for _, head := range remote {
		if _, err := d.doc.Change(head); err == nil {
			known = append(known, head)
		}
	}
	changes, err := d.doc.Changes(known...)
	if err != nil {
		return nil, fmt.Errorf("crdt: list changes: %w", err)
	}
	return encodeChanges(changes), nil
}

// edit runs apply under the document lock, commits what it changed and
// notifies observers with the resulting changes. Genesis changes loaded by
// apply are part of the update.
func (d *Doc) edit(apply func() (bool, error)) ([]byte, error) {
	d.mu.Lock()
	before := d.doc.Heads()
	changed, editErr := apply()
	if changed {
		if _, err := d.doc.Commit(""); err != nil && editErr == nil {
			editErr = fmt.Errorf("crdt: commit: %w", err)
		}
	}
	changes, err := d.doc.Changes(before...)
	d.mu.Unlock()
	if err != nil {
		return nil, errors.Join(editErr, fmt.Errorf("crdt: list changes: %w", err))
	}
	if len(changes) == 0 {
		return nil, editErr
	}
	update := encodeChanges(changes)
	d.notify(update, OriginLocal)
	return update, editErr
}

// EmptyUpdate is the update that carries no changes.
func EmptyUpdate() []byte {
	return []byte{}
}

// MergeUpdates merges encoded updates into one saved document.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	doc := NewDoc()
	for _, update := range updates {
		if _, err := doc.Apply(update, OriginRemote); err != nil {
			return nil, err
		}
	}
	return doc.EncodeUpdate(), nil
}
