package dag

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"xdao.co/receipts/receipt"
)

// CommitmentSchema marks aggregation receipts built by Commit.
const CommitmentSchema = "receipt.commitment/v1"

// BatchSize is the fan-out of every commitment node.
const BatchSize = receipt.MaxRefs

const (
	kindNode  = "node"
	kindDelta = "delta"
)

var payloadMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	payloadMode = em
}

// commitmentPayload describes how to read a commitment node's refs: a level 0
// node refs leaves, a level k node refs level k-1 nodes, and a delta node refs
// a prior root plus a commitment over the added leaves.
type commitmentPayload struct {
	Kind  string `cbor:"kind"`
	Level uint64 `cbor:"level"`
	Count uint64 `cbor:"count"`
	Prev  []byte `cbor:"prev,omitempty"`
	Added []byte `cbor:"added,omitempty"`
}

// Commitment is a tree of aggregation receipts over a leaf set.
//
// A commitment proves only that its author was aware of the leaves. It says
// nothing about whether the leaves can be fetched from anyone.
type Commitment struct {
	Root *receipt.Receipt
	// Nodes holds every aggregation receipt, bottom-up; the root is last.
	Nodes []*receipt.Receipt
	// Leaves is the sorted, deduplicated leaf set this commitment adds.
	Leaves []receipt.ID
	Depth  int
}

// BuildCommitment groups leaves into batches of at most BatchSize and signs
// aggregation receipts bottom-up until a single root remains.
//
// Leaves are sorted and deduplicated first, so the result depends only on the
// leaf set.
func BuildCommitment(priv ed25519.PrivateKey, leaves []receipt.ID) (*Commitment, error) {
	set := dedupe(leaves)
	c := &Commitment{Leaves: set}

	counts := make(map[receipt.ID]uint64)
	level := set
	for depth := 0; ; depth++ {
		var next []receipt.ID
		for start := 0; start == 0 || start < len(level); start += BatchSize {
			end := start + BatchSize
			if end > len(level) {
				end = len(level)
			}
			batch := level[start:end]
			count := uint64(len(batch))
			if depth > 0 {
				count = 0
				for _, id := range batch {
					count += counts[id]
				}
			}
			n, err := signNode(priv, batch, commitmentPayload{Kind: kindNode, Level: uint64(depth), Count: count})
			if err != nil {
				return nil, err
			}
			id := n.ID()
			counts[id] = count
			c.Nodes = append(c.Nodes, n)
			next = append(next, id)
		}
		if len(next) == 1 {
			c.Root = c.Nodes[len(c.Nodes)-1]
			c.Depth = depth + 1
			return c, nil
		}
		level = next
	}
}

// BuildDelta commits to prevRoot plus only the added leaves, without
// re-summarizing the history under prevRoot.
func BuildDelta(priv ed25519.PrivateKey, prevRoot receipt.ID, added []receipt.ID) (*Commitment, error) {
	if len(added) == 0 {
		return nil, errors.New("dag: delta commitment needs at least one added leaf")
	}
	sub, err := BuildCommitment(priv, added)
	if err != nil {
		return nil, err
	}
	subID := sub.Root.ID()
	root, err := signNode(priv, []receipt.ID{prevRoot, subID}, commitmentPayload{
		Kind:  kindDelta,
		Level: uint64(sub.Depth),
		Prev:  prevRoot[:],
		Added: subID[:],
	})
	if err != nil {
		return nil, err
	}
	return &Commitment{
		Root:   root,
		Nodes:  append(sub.Nodes, root),
		Leaves: sub.Leaves,
		Depth:  sub.Depth + 1,
	}, nil
}

func signNode(priv ed25519.PrivateKey, refs []receipt.ID, p commitmentPayload) (*receipt.Receipt, error) {
	payload, err := payloadMode.Marshal(p)
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return receipt.Sign(priv, pub, CommitmentSchema, refs, payload)
}

func decodeCommitment(r *receipt.Receipt) (commitmentPayload, error) {
	var p commitmentPayload
	if r.Schema != CommitmentSchema {
		return p, fmt.Errorf("dag: %s is not a commitment (schema %q)", r.ID().Short(), r.Schema)
	}
	if err := cbor.Unmarshal(r.Payload, &p); err != nil {
		return p, fmt.Errorf("dag: %s: bad commitment payload: %w", r.ID().Short(), err)
	}
	switch p.Kind {
	case kindNode:
	case kindDelta:
		if len(r.Refs) != 2 || len(p.Prev) != receipt.IDSize || len(p.Added) != receipt.IDSize {
			return p, fmt.Errorf("dag: %s: malformed delta commitment", r.ID().Short())
		}
	default:
		return p, fmt.Errorf("dag: %s: unknown commitment kind %q", r.ID().Short(), p.Kind)
	}
	return p, nil
}

// IsCommitment reports whether r is an aggregation receipt built by Commit.
func IsCommitment(r *receipt.Receipt) bool {
	_, err := decodeCommitment(r)
	return err == nil
}

// Fetcher returns receipts by id. store.Store and *Tracker both satisfy it.
type Fetcher interface {
	Get(ctx context.Context, id receipt.ID) (*receipt.Receipt, error)
}

// Expand walks a commitment from root and returns the exact leaf set it
// summarizes, sorted. Every node must be by the root's author.
func Expand(ctx context.Context, f Fetcher, root receipt.ID) ([]receipt.ID, error) {
	top, err := f.Get(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("dag: fetch commitment root: %w", err)
	}
	author := top.AuthorKey()

	leaves := make(map[receipt.ID]struct{})
	visited := make(map[receipt.ID]struct{})
	stack := []receipt.ID{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}

		n, err := f.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dag: fetch commitment node %s: %w", id.Short(), err)
		}
		if n.AuthorKey() != author {
			return nil, fmt.Errorf("dag: commitment node %s has a different author", id.Short())
		}
		p, err := decodeCommitment(n)
		if err != nil {
			return nil, err
		}
		switch {
		case p.Kind == kindDelta:
			stack = append(stack, n.Refs...)
		case p.Level == 0:
			for _, leaf := range n.Refs {
				leaves[leaf] = struct{}{}
			}
		default:
			stack = append(stack, n.Refs...)
		}
	}

	out := make([]receipt.ID, 0, len(leaves))
	for id := range leaves {
		out = append(out, id)
	}
	receipt.SortIDs(out)
	return out, nil
}

// Commit builds a commitment over leaves and observes every node.
func (t *Tracker) Commit(priv ed25519.PrivateKey, leaves []receipt.ID) (*Commitment, error) {
	c, err := BuildCommitment(priv, leaves)
	if err != nil {
		return nil, err
	}
	return c, t.observeAll(c.Nodes)
}

// CommitDelta builds a delta commitment and observes every node.
func (t *Tracker) CommitDelta(priv ed25519.PrivateKey, prevRoot receipt.ID, added []receipt.ID) (*Commitment, error) {
	c, err := BuildDelta(priv, prevRoot, added)
	if err != nil {
		return nil, err
	}
	return c, t.observeAll(c.Nodes)
}

func (t *Tracker) observeAll(rs []*receipt.Receipt) error {
	for _, r := range rs {
		if _, err := t.Observe(r); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(ids []receipt.ID) []receipt.ID {
	out := append([]receipt.ID(nil), ids...)
	receipt.SortIDs(out)
	w := 0
	for i := range out {
		if i > 0 && out[i] == out[w-1] {
			continue
		}
		out[w] = out[i]
		w++
	}
	return out[:w]
}
