// Package awareness tracks the ephemeral presence state (cursors, selections, typing) of
// the clients in a room.
//
// Each client owns exactly one entry keyed by its client id. Entries carry a clock that the
// client increments on every change; an update only wins when its clock is newer than the
// stored one, so there is never a merge across clients.
package awareness

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedUpdate = errors.New("malformed awareness update")

var null = []byte("null")

// Entry is one client's state at a given clock. A nil State means the client is absent.
type Entry struct {
	ClientID uint64
	Clock    uint64
	State    []byte
}

func (e Entry) Absent() bool {
	return e.State == nil
}

// EncodeUpdate writes entries as a varint count followed by clientID, clock and a
// length-prefixed JSON state for each entry.
func EncodeUpdate(entries []Entry) []byte {
	out := protowire.AppendVarint(nil, uint64(len(entries)))
	for _, e := range entries {
		out = protowire.AppendVarint(out, e.ClientID)
		out = protowire.AppendVarint(out, e.Clock)
		if e.Absent() {
			out = protowire.AppendBytes(out, null)
		} else {
			out = protowire.AppendBytes(out, e.State)
		}
	}
	return out
}

func DecodeUpdate(raw []byte) ([]Entry, error) {
	count, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return nil, fmt.Errorf("%w: bad entry count", ErrMalformedUpdate)
	}
	raw = raw[n:]
	// each entry takes at least one byte
	if count > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformedUpdate, count, len(raw))
	}
	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e Entry
		if e.ClientID, n = protowire.ConsumeVarint(raw); n < 0 {
			return nil, fmt.Errorf("%w: bad client id", ErrMalformedUpdate)
		}
		raw = raw[n:]
		if e.Clock, n = protowire.ConsumeVarint(raw); n < 0 {
			return nil, fmt.Errorf("%w: bad clock for client %d", ErrMalformedUpdate, e.ClientID)
		}
		raw = raw[n:]
		state, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad state for client %d", ErrMalformedUpdate, e.ClientID)
		}
		raw = raw[n:]
		if !bytes.Equal(state, null) {
			e.State = bytes.Clone(state)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Table holds the awareness states of one room. It is not safe for concurrent use; the
// owning room serializes access.
type Table struct {
	states map[uint64][]byte
	// clocks outlive removed states so that late updates for a departed client stay stale
	clocks  map[uint64]uint64
	owners  map[any]map[uint64]struct{}
	ownerOf map[uint64]any
}

func NewTable() *Table {
	return &Table{
		states:  make(map[uint64][]byte),
		clocks:  make(map[uint64]uint64),
		owners:  make(map[any]map[uint64]struct{}),
		ownerOf: make(map[uint64]any),
	}
}

// Apply merges entries announced by owner and returns the ones that won. An entry wins when
// its client has never been seen or its clock is strictly greater than the stored clock.
func (t *Table) Apply(owner any, entries []Entry) []Entry {
	applied := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if current, seen := t.clocks[e.ClientID]; seen && e.Clock <= current {
			continue
		}
		t.clocks[e.ClientID] = e.Clock
		if e.Absent() {
			delete(t.states, e.ClientID)
			t.disown(e.ClientID)
		} else {
			t.states[e.ClientID] = e.State
			t.own(owner, e.ClientID)
		}
		applied = append(applied, e)
	}
	return applied
}

// RemoveOwner drops every client announced by owner and returns the removal entries that
// should be broadcast to the remaining members.
func (t *Table) RemoveOwner(owner any) []Entry {
	ids := t.owners[owner]
	removed := make([]Entry, 0, len(ids))
	for id := range ids {
		delete(t.ownerOf, id)
		if _, ok := t.states[id]; !ok {
			continue
		}
		delete(t.states, id)
		t.clocks[id]++
		removed = append(removed, Entry{ClientID: id, Clock: t.clocks[id]})
	}
	delete(t.owners, owner)
	sortEntries(removed)
	return removed
}

// ClientIDs returns the clients owner has announced that are still present.
func (t *Table) ClientIDs(owner any) []uint64 {
	out := make([]uint64, 0, len(t.owners[owner]))
	for id := range t.owners[owner] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Table) Get(clientID uint64) (Entry, bool) {
	state, ok := t.states[clientID]
	if !ok {
		return Entry{}, false
	}
	return Entry{ClientID: clientID, Clock: t.clocks[clientID], State: state}, true
}

// Snapshot returns every present state ordered by client id.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.states))
	for id, state := range t.states {
		out = append(out, Entry{ClientID: id, Clock: t.clocks[id], State: state})
	}
	sortEntries(out)
	return out
}

func (t *Table) Len() int {
	return len(t.states)
}

func (t *Table) own(owner any, id uint64) {
	if owner == nil {
		return
	}
	if prev, ok := t.ownerOf[id]; ok && prev != owner {
		t.disown(id)
	}
	set, ok := t.owners[owner]
	if !ok {
		set = make(map[uint64]struct{})
		t.owners[owner] = set
	}
	set[id] = struct{}{}
	t.ownerOf[id] = owner
}

func (t *Table) disown(id uint64) {
	owner, ok := t.ownerOf[id]
	if !ok {
		return
	}
	delete(t.ownerOf, id)
	if set := t.owners[owner]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(t.owners, owner)
		}
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
}
