package replica

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
	"google.golang.org/protobuf/encoding/protowire"
)

// TextField is the root key holding the shared text of a document.
const TextField = "content"

type localOrigin struct{}

// Local marks edits made directly on the replica through Edit.
var Local Origin = localOrigin{}

var ErrMalformedSummary = errors.New("malformed state summary")

// Automerge is a Replica backed by an automerge document.
type Automerge struct {
	mu     sync.Mutex
	doc    *automerge.Doc
	events emitter
}

func NewAutomerge() *Automerge {
	return &Automerge{doc: automerge.New()}
}

// NewAutomergeReplica is the Factory for automerge replicas.
func NewAutomergeReplica() (Replica, error) {
	return NewAutomerge(), nil
}

// LoadAutomerge builds a replica from a saved document.
func LoadAutomerge(raw []byte) (*Automerge, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return &Automerge{doc: doc}, nil
}

func (a *Automerge) EncodeFullState() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc.Save()
}

func (a *Automerge) EncodeStateSummary() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return encodeHeads(a.doc.Heads())
}

func (a *Automerge) Diff(summary []byte) ([]byte, error) {
	heads, err := decodeHeads(summary)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	changes, err := a.doc.Changes(heads...)
	if err != nil {
		// the peer knows heads we have never seen, so send everything and let the merge dedupe
		if changes, err = a.doc.Changes(); err != nil {
			return nil, fmt.Errorf("failed to generate changes: %w", err)
		}
	}
	return encodeChanges(changes), nil
}

func (a *Automerge) ApplyUpdate(update []byte, origin Origin) (bool, error) {
	if len(update) == 0 {
		return false, nil
	}
	a.mu.Lock()
	before := a.doc.Heads()
	unseen := a.carriesUnseen(update)
	if err := a.doc.LoadIncremental(update); err != nil {
		a.mu.Unlock()
		return false, fmt.Errorf("failed to load update: %w", err)
	}
	// changes waiting on a missing dependency leave the heads alone; they still count as news
	// for peers, but nothing is emitted until the dependency arrives and moves the heads
	if sameHeads(before, a.doc.Heads()) {
		a.mu.Unlock()
		return unseen, nil
	}
	delta, err := a.changesSince(before)
	a.mu.Unlock()
	if err != nil {
		return true, err
	}
	a.events.emit(Update{Bytes: delta, Origin: origin})
	return true, nil
}

func (a *Automerge) Subscribe(fn UpdateHandler) func() {
	return a.events.subscribe(fn)
}

// Edit runs fn against the underlying document, commits the result and returns the
// encoded update it produced. Subscribers see the update with the Local origin.
func (a *Automerge) Edit(msg string, fn func(doc *automerge.Doc) error) ([]byte, error) {
	a.mu.Lock()
	before := a.doc.Heads()
	if err := fn(a.doc); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if _, err := a.doc.Commit(msg); err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("failed to commit doc: %w", err)
	}
	delta, err := a.changesSince(before)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	a.events.emit(Update{Bytes: delta, Origin: Local})
	return delta, nil
}

// Seed creates the empty shared text object. It is only called on replicas that have no
// stored state, so that every client edits the same object instead of racing to create one.
func (a *Automerge) Seed() error {
	_, err := a.Edit("seed", func(doc *automerge.Doc) error {
		return doc.Path(TextField).Set(automerge.NewText(""))
	})
	return err
}

// InsertText inserts s into the shared text at pos.
func (a *Automerge) InsertText(pos int, s string) ([]byte, error) {
	return a.Edit("insert", func(doc *automerge.Doc) error {
		return doc.Path(TextField).Text().Insert(pos, s)
	})
}

// AppendText appends s to the end of the shared text.
func (a *Automerge) AppendText(s string) ([]byte, error) {
	return a.Edit("append", func(doc *automerge.Doc) error {
		return doc.Path(TextField).Text().Append(s)
	})
}

// Text returns the current value of the shared text.
func (a *Automerge) Text() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc.Path(TextField).Text().Get()
}

func (a *Automerge) Heads() []automerge.ChangeHash {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc.Heads()
}

// Fork returns an independent copy of the document, safe to inspect without holding the replica.
func (a *Automerge) Fork() (*automerge.Doc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc.Fork()
}

// carriesUnseen reports whether update holds a change missing from the document history.
// Bytes that do not parse as changes are left for LoadIncremental to judge.
func (a *Automerge) carriesUnseen(update []byte) bool {
	changes, err := automerge.LoadChanges(update)
	if err != nil {
		return false
	}
	for _, c := range changes {
		if _, err := a.doc.Change(c.Hash()); err != nil {
			return true
		}
	}
	return false
}

func (a *Automerge) changesSince(heads []automerge.ChangeHash) ([]byte, error) {
	changes, err := a.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	return encodeChanges(changes), nil
}

func encodeChanges(changes []*automerge.Change) []byte {
	var buff bytes.Buffer
	for _, c := range changes {
		buff.Write(c.Save())
	}
	return buff.Bytes()
}

func encodeHeads(heads []automerge.ChangeHash) []byte {
	out := protowire.AppendVarint(nil, uint64(len(heads)))
	for _, h := range heads {
		out = protowire.AppendBytes(out, h[:])
	}
	return out
}

func decodeHeads(raw []byte) ([]automerge.ChangeHash, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	count, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return nil, ErrMalformedSummary
	}
	raw = raw[n:]
	if count > uint64(len(raw)) {
		return nil, ErrMalformedSummary
	}
	heads := make([]automerge.ChangeHash, 0, count)
	for i := uint64(0); i < count; i++ {
		b, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, ErrMalformedSummary
		}
		var h automerge.ChangeHash
		if len(b) != len(h) {
			return nil, fmt.Errorf("%w: head of %d bytes", ErrMalformedSummary, len(b))
		}
		copy(h[:], b)
		heads = append(heads, h)
		raw = raw[n:]
	}
	return heads, nil
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}
