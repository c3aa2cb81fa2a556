// Package dag tracks the causal graph formed by receipt refs: gaps, heads,
// forks, and commitment trees that summarize large histories.
package dag

import (
	"context"
	"errors"
	"sort"
	"sync"

	"xdao.co/receipts/receipt"
)

var (
	ErrForked   = errors.New("dag: author has forked; no single head")
	ErrNoHead   = errors.New("dag: no receipts observed for author")
	ErrDiverged = errors.New("dag: author has more than one head")
	ErrUnknown  = errors.New("dag: receipt not observed")
)

// Fork is the evidence that two or more differing receipts from one author
// occupy the same declared position. Forks are never cleared.
type Fork struct {
	Author   receipt.Author
	Position Position
	IDs      []receipt.ID
}

// Observation describes what Observe learned from one receipt.
type Observation struct {
	ID  receipt.ID
	New bool
	// Missing lists refs of this receipt not yet observed.
	Missing []receipt.ID
	// Resolved lists observed receipts whose last gap this receipt closed.
	Resolved []receipt.ID
	// Fork is set when this receipt's position is forked.
	Fork *Fork
}

type posKey struct {
	author receipt.Author
	pos    Position
}

type node struct {
	r      *receipt.Receipt
	author receipt.Author
	pos    Position
	hasPos bool
}

// Tracker holds the observed receipt graph. Construct one with NewTracker and
// pass it to whoever needs it; there is no package-level state.
//
// All methods are safe for concurrent use. Fork discovery is serialized, so
// both receipts at a contested position are always recorded.
type Tracker struct {
	conv Convention

	mu        sync.RWMutex
	nodes     map[receipt.ID]*node
	byAuthor  map[receipt.Author][]receipt.ID
	children  map[receipt.ID][]receipt.ID
	missing   map[receipt.ID]struct{}
	gaps      map[receipt.ID]int
	positions map[posKey][]receipt.ID
	forks     map[posKey]struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithConvention sets the position convention used for fork detection.
// The default is PredecessorConvention.
func WithConvention(c Convention) Option {
	return func(t *Tracker) {
		if c != nil {
			t.conv = c
		}
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		conv:      PredecessorConvention,
		nodes:     make(map[receipt.ID]*node),
		byAuthor:  make(map[receipt.Author][]receipt.ID),
		children:  make(map[receipt.ID][]receipt.ID),
		missing:   make(map[receipt.ID]struct{}),
		gaps:      make(map[receipt.ID]int),
		positions: make(map[posKey][]receipt.ID),
		forks:     make(map[posKey]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Observe records r and its ref edges. Observing the same receipt again is a
// no-op that returns New == false.
//
// Observe does not verify signatures; callers pass receipts that passed
// receipt.Verify.
func (t *Tracker) Observe(r *receipt.Receipt) (Observation, error) {
	id, err := receipt.ComputeID(r)
	if err != nil {
		return Observation{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observeLocked(id, r), nil
}

func (t *Tracker) observeLocked(id receipt.ID, r *receipt.Receipt) Observation {
	obs := Observation{ID: id}
	if n, ok := t.nodes[id]; ok {
		for _, ref := range r.Refs {
			if _, seen := t.nodes[ref]; !seen {
				obs.Missing = append(obs.Missing, ref)
			}
		}
		if n.hasPos {
			obs.Fork = t.forkLocked(posKey{n.author, n.pos})
		}
		return obs
	}
	obs.New = true

	n := &node{r: r, author: r.AuthorKey()}
	n.pos, n.hasPos = t.conv.Position(r)
	t.nodes[id] = n
	t.byAuthor[n.author] = append(t.byAuthor[n.author], id)

	for _, ref := range r.Refs {
		t.children[ref] = append(t.children[ref], id)
		if _, seen := t.nodes[ref]; !seen {
			t.missing[ref] = struct{}{}
			t.gaps[id]++
			obs.Missing = append(obs.Missing, ref)
		}
	}

	if _, wasMissing := t.missing[id]; wasMissing {
		delete(t.missing, id)
		for _, child := range t.children[id] {
			t.gaps[child]--
			if t.gaps[child] == 0 {
				delete(t.gaps, child)
				obs.Resolved = append(obs.Resolved, child)
			}
		}
	}

	if n.hasPos {
		k := posKey{n.author, n.pos}
		t.positions[k] = append(t.positions[k], id)
		if len(t.positions[k]) > 1 {
			t.forks[k] = struct{}{}
		}
		obs.Fork = t.forkLocked(k)
	}
	return obs
}

func (t *Tracker) forkLocked(k posKey) *Fork {
	if _, ok := t.forks[k]; !ok {
		return nil
	}
	ids := append([]receipt.ID(nil), t.positions[k]...)
	receipt.SortIDs(ids)
	return &Fork{Author: k.author, Position: k.pos, IDs: ids}
}

// IsFork reports whether a and b are differing, validly signed receipts by
// author that declare the same position. The result does not depend on
// argument order. When it is true both receipts are recorded as fork
// evidence; a receipt that fails receipt.Verify is never recorded.
func (t *Tracker) IsFork(author receipt.Author, a, b *receipt.Receipt) bool {
	if a == nil || b == nil || a.AuthorKey() != author || b.AuthorKey() != author {
		return false
	}
	if receipt.Verify(a) != nil || receipt.Verify(b) != nil {
		return false
	}
	ida, err := receipt.ComputeID(a)
	if err != nil {
		return false
	}
	idb, err := receipt.ComputeID(b)
	if err != nil || ida == idb {
		return false
	}
	pa, okA := t.conv.Position(a)
	pb, okB := t.conv.Position(b)
	if !okA || !okB || pa != pb {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.observeLocked(ida, a)
	t.observeLocked(idb, b)
	return true
}

// Has reports whether id has been observed.
func (t *Tracker) Has(id receipt.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[id]
	return ok
}

// Get returns an observed receipt. It lets a Tracker serve as a Fetcher.
func (t *Tracker) Get(_ context.Context, id receipt.ID) (*receipt.Receipt, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, ErrUnknown
	}
	return n.r, nil
}

// Len returns the number of observed receipts.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Missing returns every referenced id that has not been observed, sorted.
func (t *Tracker) Missing() []receipt.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]receipt.ID, 0, len(t.missing))
	for id := range t.missing {
		out = append(out, id)
	}
	receipt.SortIDs(out)
	return out
}

// Referencing returns observed receipts whose refs contain id, sorted.
func (t *Tracker) Referencing(id receipt.ID) []receipt.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := append([]receipt.ID(nil), t.children[id]...)
	receipt.SortIDs(out)
	return out
}

// HappensBefore reports whether b transitively references a. It holds as soon
// as the path from b to a is observed, whichever order receipts arrived in.
func (t *Tracker) HappensBefore(a, b receipt.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start, ok := t.nodes[b]
	if !ok {
		return false
	}
	seen := make(map[receipt.ID]struct{})
	queue := append([]receipt.ID(nil), start.r.Refs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == a {
			return true
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if n, ok := t.nodes[id]; ok {
			queue = append(queue, n.r.Refs...)
		}
	}
	return false
}

// Forks returns the fork evidence recorded for author, ordered by position.
func (t *Tracker) Forks(author receipt.Author) []Fork {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.forksLocked(func(k posKey) bool { return k.author == author })
}

func (t *Tracker) forksLocked(match func(posKey) bool) []Fork {
	var out []Fork
	for k := range t.forks {
		if match(k) {
			out = append(out, *t.forkLocked(k))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position.Stream != out[j].Position.Stream {
			return out[i].Position.Stream < out[j].Position.Stream
		}
		return out[i].Position.Pred < out[j].Position.Pred
	})
	return out
}

// StreamState is a derived, read-side view over one author's receipts, or one
// stream of them. It is recomputed from observations and never stored.
type StreamState struct {
	Author receipt.Author
	// Stream is empty for the author-wide view.
	Stream string
	Count  int
	// Heads are the author's receipts in scope that no other receipt of the
	// author in scope references.
	Heads []receipt.ID
	// Missing are refs of in-scope receipts that have not been observed.
	Missing []receipt.ID
	Forks   []Fork
}

func (s StreamState) Forked() bool { return len(s.Forks) > 0 }

// State returns the author-wide view.
func (t *Tracker) State(author receipt.Author) StreamState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stateLocked(author, "", false)
}

// StreamState returns the view restricted to receipts whose declared position
// is in stream.
func (t *Tracker) StreamState(author receipt.Author, stream string) StreamState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stateLocked(author, stream, true)
}

func (t *Tracker) stateLocked(author receipt.Author, stream string, scoped bool) StreamState {
	st := StreamState{Author: author, Stream: stream}
	inScope := func(id receipt.ID) bool {
		n, ok := t.nodes[id]
		if !ok || n.author != author {
			return false
		}
		return !scoped || (n.hasPos && n.pos.Stream == stream)
	}

	missing := make(map[receipt.ID]struct{})
	for _, id := range t.byAuthor[author] {
		if !inScope(id) {
			continue
		}
		st.Count++
		head := true
		for _, child := range t.children[id] {
			if inScope(child) {
				head = false
				break
			}
		}
		if head {
			st.Heads = append(st.Heads, id)
		}
		for _, ref := range t.nodes[id].r.Refs {
			if _, ok := t.nodes[ref]; !ok {
				missing[ref] = struct{}{}
			}
		}
	}
	for id := range missing {
		st.Missing = append(st.Missing, id)
	}
	receipt.SortIDs(st.Heads)
	receipt.SortIDs(st.Missing)
	st.Forks = t.forksLocked(func(k posKey) bool {
		return k.author == author && (!scoped || k.pos.Stream == stream)
	})
	return st
}

// Head returns the single current receipt for author. It refuses to pick one
// once the author has forked. What counts as a fork is up to the Convention;
// under the default PredecessorConvention two genesis receipts in one schema
// already are one.
func (t *Tracker) Head(author receipt.Author) (receipt.ID, error) {
	return headOf(t.State(author))
}

// StreamHead is Head restricted to one stream.
func (t *Tracker) StreamHead(author receipt.Author, stream string) (receipt.ID, error) {
	return headOf(t.StreamState(author, stream))
}

func headOf(st StreamState) (receipt.ID, error) {
	switch {
	case st.Forked():
		return receipt.ID{}, ErrForked
	case len(st.Heads) == 0:
		return receipt.ID{}, ErrNoHead
	case len(st.Heads) > 1:
		return receipt.ID{}, ErrDiverged
	default:
		return st.Heads[0], nil
	}
}

// Authors returns every author with at least one observed receipt.
func (t *Tracker) Authors() []receipt.Author {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]receipt.Author, 0, len(t.byAuthor))
	for a := range t.byAuthor {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
