// Package replica implements the replicated-document engine behind the
// coordinator: per-field last-writer-wins registers with an actor-id
// tiebreak over a Lamport clock. Merging the same set of changes in any
// order, any number of times, yields the same document on every peer.
package replica

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownReplica is returned by Find for a document id this store has
// never seen.
var ErrUnknownReplica = errors.New("replica: unknown document id")

// Field names addressable by changes.
const (
	FieldName    = "name"
	FieldAddress = "address"
	FieldMemo    = "memo"
)

// Fields is the mutable document payload. Absent values are empty strings.
type Fields struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Memo    string `json:"memo,omitempty"`
}

// Get returns a field's value by name; unknown fields read as empty.
func (f Fields) Get(field string) string {
	switch field {
	case FieldName:
		return f.Name
	case FieldAddress:
		return f.Address
	case FieldMemo:
		return f.Memo
	}
	return ""
}

// Set writes a field by name; unknown fields are ignored.
func (f *Fields) Set(field, value string) {
	switch field {
	case FieldName:
		f.Name = value
	case FieldAddress:
		f.Address = value
	case FieldMemo:
		f.Memo = value
	}
}

var fieldNames = []string{FieldName, FieldAddress, FieldMemo}

// Change is one field write in a document's history. (Actor, Seq) uniquely
// identifies a change; applying it twice is a no-op.
type Change struct {
	Doc   string `json:"doc"`
	Actor string `json:"actor"`
	Seq   uint64 `json:"seq"`
	Clock uint64 `json:"clock"`
	Field string `json:"field"`
	Value string `json:"value"`
}

func (c Change) key() string {
	return fmt.Sprintf("%s@%d", c.Actor, c.Seq)
}

// register holds the winning write for one field.
type register struct {
	value string
	clock uint64
	actor string
}

// wins reports whether the incoming change beats the current register.
// Higher clock wins; on a clock tie the higher actor id wins, so every
// peer settles the same way regardless of arrival order.
func (r register) wins(c Change) bool {
	if c.Clock != r.clock {
		return c.Clock > r.clock
	}
	return c.Actor > r.actor
}

type docState struct {
	mu        sync.Mutex
	id        string
	regs      map[string]register
	clock     uint64
	seq       uint64
	log       []Change
	seen      map[string]bool
	listeners []func(Fields)
}

func newDocState(id string) *docState {
	return &docState{
		id:   id,
		regs: make(map[string]register),
		seen: make(map[string]bool),
	}
}

func (d *docState) fieldsLocked() Fields {
	var f Fields
	for name, reg := range d.regs {
		f.Set(name, reg.value)
	}
	return f
}

// Store owns a set of replicated documents for one actor. A nil Storage
// keeps everything in memory.
type Store struct {
	mu      sync.Mutex
	actor   string
	docs    map[string]*docState
	storage Storage
}

// Open creates a store for the given actor id and replays any change logs
// the storage holds.
func Open(actor string, storage Storage) (*Store, error) {
	s := &Store{
		actor:   actor,
		docs:    make(map[string]*docState),
		storage: storage,
	}
	if storage == nil {
		return s, nil
	}
	logs, err := storage.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("replica: load persisted changes: %w", err)
	}
	for id, changes := range logs {
		h := s.Ensure(id)
		h.apply(changes, false)
	}
	return s, nil
}

// Actor returns the writer id this store stamps on local changes.
func (s *Store) Actor() string { return s.actor }

// Create mints a new document initialized with the given fields. The
// initial values are recorded as ordinary changes so late joiners receive
// them through history sync. If persistence fails the document is not
// registered and the id must not be handed out.
func (s *Store) Create(initial Fields) (string, error) {
	id := uuid.NewString()
	d := newDocState(id)

	var changes []Change
	for _, name := range fieldNames {
		if v := initial.Get(name); v != "" {
			d.clock++
			d.seq++
			c := Change{Doc: id, Actor: s.actor, Seq: d.seq, Clock: d.clock, Field: name, Value: v}
			d.regs[name] = register{value: v, clock: c.Clock, actor: c.Actor}
			d.log = append(d.log, c)
			d.seen[c.key()] = true
			changes = append(changes, c)
		}
	}

	if s.storage != nil {
		if err := s.storage.SaveChanges(id, changes); err != nil {
			return "", fmt.Errorf("replica: persist initial changes: %w", err)
		}
	}

	s.mu.Lock()
	s.docs[id] = d
	s.mu.Unlock()
	return id, nil
}

// Find returns a handle for an existing document.
func (s *Store) Find(id string) (*Handle, error) {
	s.mu.Lock()
	d, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	return &Handle{store: s, doc: d}, nil
}

// Ensure returns a handle for the document, creating an empty replica under
// the given id if none exists yet. Attaching peers use this before history
// arrives.
func (s *Store) Ensure(id string) *Handle {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok {
		d = newDocState(id)
		s.docs[id] = d
	}
	s.mu.Unlock()
	return &Handle{store: s, doc: d}
}

// Handle is a view onto one replicated document.
type Handle struct {
	store *Store
	doc   *docState
}

// ID returns the document id.
func (h *Handle) ID() string { return h.doc.id }

// Fields returns the current merged field values.
func (h *Handle) Fields() Fields {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	return h.doc.fieldsLocked()
}

// History returns a copy of the full change log, suitable for syncing a
// late joiner.
func (h *Handle) History() []Change {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	out := make([]Change, len(h.doc.log))
	copy(out, h.doc.log)
	return out
}

// OnChange registers a listener invoked with the merged fields after every
// locally or remotely applied change.
func (h *Handle) OnChange(fn func(Fields)) {
	h.doc.mu.Lock()
	h.doc.listeners = append(h.doc.listeners, fn)
	h.doc.mu.Unlock()
}

// Change applies a local mutation and returns the changes it produced, for
// broadcast to peers. The mutation function receives the current fields
// and edits them in place; one change is emitted per modified field.
func (h *Handle) Change(fn func(*Fields)) []Change {
	d := h.doc
	d.mu.Lock()

	before := d.fieldsLocked()
	after := before
	fn(&after)

	var changes []Change
	for _, name := range fieldNames {
		if after.Get(name) == before.Get(name) {
			continue
		}
		d.clock++
		d.seq++
		c := Change{Doc: d.id, Actor: h.store.actor, Seq: d.seq, Clock: d.clock, Field: name, Value: after.Get(name)}
		d.regs[name] = register{value: c.Value, clock: c.Clock, actor: c.Actor}
		d.log = append(d.log, c)
		d.seen[c.key()] = true
		changes = append(changes, c)
	}

	fields := d.fieldsLocked()
	listeners := append([]func(Fields){}, d.listeners...)
	d.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	if h.store.storage != nil {
		if err := h.store.storage.SaveChanges(d.id, changes); err != nil {
			slog.Warn("Failed to persist changes", "doc", d.id, "error", err)
		}
	}
	for _, fn := range listeners {
		fn(fields)
	}
	return changes
}

// Apply merges remote changes into the document. Duplicates are ignored,
// losing writes leave the registers untouched, and the local clock advances
// past every remote clock so later local writes win over what they have
// seen.
func (h *Handle) Apply(changes []Change) {
	h.apply(changes, true)
}

func (h *Handle) apply(changes []Change, persist bool) {
	d := h.doc
	d.mu.Lock()

	var fresh []Change
	visible := false
	for _, c := range changes {
		if c.Field == "" || d.seen[c.key()] {
			continue
		}
		d.seen[c.key()] = true
		d.log = append(d.log, c)
		fresh = append(fresh, c)
		if c.Clock > d.clock {
			d.clock = c.Clock
		}
		if reg, ok := d.regs[c.Field]; !ok || reg.wins(c) {
			d.regs[c.Field] = register{value: c.Value, clock: c.Clock, actor: c.Actor}
			visible = true
		}
	}

	fields := d.fieldsLocked()
	listeners := append([]func(Fields){}, d.listeners...)
	d.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	if persist && h.store.storage != nil {
		if err := h.store.storage.SaveChanges(d.id, fresh); err != nil {
			slog.Warn("Failed to persist remote changes", "doc", d.id, "error", err)
		}
	}
	if visible {
		for _, fn := range listeners {
			fn(fields)
		}
	}
}
