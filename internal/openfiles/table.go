// Package openfiles implements the Open-File Table: allocation and
// lookup of numeric handles for opened paths. The cache, not the
// handle, is authoritative for bytes; this table only maps a handle
// id back to the path and mode it was opened with.
package openfiles

import "sync"

// Mode is the mode a path was opened with.
type Mode uint8

// The three POSIX-style open modes the filesystem bridge can request.
const (
	ReadOnly Mode = iota
	WriteOnly
	ReadWrite
)

// firstHandleID is the smallest handle id ever issued, kept clear of
// the low fd range.
const firstHandleID = 1024

// Handle is a snapshot of one OpenHandle record.
type Handle struct {
	ID     int64
	Path   string
	Offset int64
	Mode   Mode
}

// Table is the Open-File Table. The zero value is not usable; use
// New.
type Table struct {
	mu      sync.Mutex
	next    int64
	entries map[int64]*Handle
}

// New returns an empty Open-File Table.
func New() *Table {
	return &Table{next: firstHandleID, entries: make(map[int64]*Handle)}
}

// Open allocates a new handle for path and returns its id, a
// strictly increasing integer >= 1024.
func (t *Table) Open(path string, mode Mode) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.entries[id] = &Handle{ID: id, Path: path, Mode: mode}
	return id
}

// Get returns a copy of the handle record for id, or false if it is
// not open. A copy, not a pointer into the table, is returned so
// callers can never retain a reference into the table's internal
// map.
func (t *Table) Get(id int64) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// SetOffset updates the stored offset for an open handle, returning
// false if it is not open.
func (t *Table) SetOffset(id int64, offset int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	if !ok {
		return false
	}
	h.Offset = offset
	return true
}

// Close removes id from the table, returning false if it was not
// open.
func (t *Table) Close(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}
