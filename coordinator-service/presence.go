package main

import (
	"sort"
	"sync"
)

// binding ties a physical connection to the record and editor it announced.
type binding struct {
	recordID string
	editorID string
}

// Presence tracks which editors are working on which records, keyed by
// physical connection so departures are attributable. Editor identities are
// labels, not unique ids: two tabs announcing the same name count as one
// visible editor but two tracked connections, and the editor disappears
// only when the last of those connections goes.
type Presence struct {
	mu      sync.RWMutex
	conns   map[string]binding        // connId → announced binding
	records map[string]map[string]int // recordId → editorId → live connection count
}

func newPresence() *Presence {
	return &Presence{
		conns:   make(map[string]binding),
		records: make(map[string]map[string]int),
	}
}

// Join records that a connection declared (recordID, editorID). A
// connection carries at most one binding; re-announcing replaces the
// previous one. Returns true when the editor newly became visible on the
// record.
func (p *Presence) Join(recordID, editorID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.conns[connID]; ok {
		p.dropLocked(prev)
	}
	p.conns[connID] = binding{recordID: recordID, editorID: editorID}

	if p.records[recordID] == nil {
		p.records[recordID] = make(map[string]int)
	}
	p.records[recordID][editorID]++
	return p.records[recordID][editorID] == 1
}

// Leave discards whatever binding the connection declared. The editor
// leaves the record's presence set only when no other live connection still
// declares the same identity for that record. Returns the binding and
// whether the editor fully departed; ok is false for connections that never
// announced.
func (p *Presence) Leave(connID string) (b binding, departed, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok = p.conns[connID]
	if !ok {
		return binding{}, false, false
	}
	delete(p.conns, connID)
	departed = p.dropLocked(b)
	return b, departed, true
}

func (p *Presence) dropLocked(b binding) bool {
	editors, ok := p.records[b.recordID]
	if !ok {
		return false
	}
	editors[b.editorID]--
	if editors[b.editorID] > 0 {
		return false
	}
	delete(editors, b.editorID)
	if len(editors) == 0 {
		delete(p.records, b.recordID)
	}
	return true
}

// Editors returns the identities currently present on a record, sorted.
func (p *Presence) Editors(recordID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.records[recordID])
}

// Snapshot returns a read-only copy of the full presence table.
func (p *Presence) Snapshot() map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]string, len(p.records))
	for recordID, editors := range p.records {
		out[recordID] = sortedKeys(editors)
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
