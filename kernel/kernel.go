// Package kernel is the ingestion pipeline: every receipt, local or remote,
// is verified, stored if absent, and observed by the DAG tracker.
package kernel

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"xdao.co/receipts/dag"
	"xdao.co/receipts/internal/log"
	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store"
)

// Kernel ties a Store to a Tracker. It is safe for concurrent use; sync
// sessions share one Kernel.
type Kernel struct {
	store   store.Store
	tracker *dag.Tracker
	logger  log.Logger
}

type Option func(*Kernel)

func WithLogger(l log.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithTracker supplies a pre-configured tracker, e.g. one using a different
// position convention.
func WithTracker(t *dag.Tracker) Option {
	return func(k *Kernel) { k.tracker = t }
}

// IngestResult reports the outcome of ingesting one receipt.
type IngestResult struct {
	ID          receipt.ID
	Insert      store.InsertResult
	Observation dag.Observation
}

// New builds a Kernel over s and replays every stored receipt into the
// tracker, since tracker state is derived and never persisted.
func New(ctx context.Context, s store.Store, opts ...Option) (*Kernel, error) {
	k := &Kernel{store: s, logger: log.NewNopLogger()}
	for _, o := range opts {
		o(k)
	}
	if k.tracker == nil {
		k.tracker = dag.NewTracker()
	}

	ids, err := s.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("kernel: list stored receipts: %w", err)
	}
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("kernel: replay %s: %w", id, err)
		}
		if _, err := k.tracker.Observe(r); err != nil {
			return nil, fmt.Errorf("kernel: replay %s: %w", id, err)
		}
	}
	k.logger.Debug("replayed store", "receipts", len(ids), "missing", len(k.tracker.Missing()))
	return k, nil
}

func (k *Kernel) Store() store.Store { return k.store }

func (k *Kernel) Tracker() *dag.Tracker { return k.tracker }

// Ingest verifies r, inserts it if absent and observes it.
//
// Validation failures are returned for r alone and are permanent. A receipt
// whose signature does not verify is logged as possible tampering.
func (k *Kernel) Ingest(ctx context.Context, r *receipt.Receipt) (IngestResult, error) {
	if err := receipt.Verify(r); err != nil {
		if receipt.IsKind(err, receipt.KindSignature) {
			k.logger.Error("rejected receipt with bad signature; possible tampering or forgery",
				"author", r.AuthorKey().Short(), "schema", r.Schema, "err", err)
		}
		return IngestResult{}, err
	}
	return k.ingestVerified(ctx, r)
}

// InsertIfAbsent ingests r and reports only the store outcome, so a Kernel
// can stand in for the write half of a store.
func (k *Kernel) InsertIfAbsent(ctx context.Context, r *receipt.Receipt) (store.InsertResult, error) {
	res, err := k.Ingest(ctx, r)
	return res.Insert, err
}

// IngestBytes parses wire bytes and ingests the result.
func (k *Kernel) IngestBytes(ctx context.Context, b []byte) (IngestResult, error) {
	r, err := receipt.Decode(b)
	if err != nil {
		return IngestResult{}, err
	}
	return k.Ingest(ctx, r)
}

func (k *Kernel) ingestVerified(ctx context.Context, r *receipt.Receipt) (IngestResult, error) {
	res, err := k.store.InsertIfAbsent(ctx, r)
	if err != nil {
		return IngestResult{}, fmt.Errorf("kernel: store: %w", err)
	}
	obs, err := k.tracker.Observe(r)
	if err != nil {
		return IngestResult{}, err
	}
	if obs.New && obs.Fork != nil {
		k.logger.Info("fork detected",
			"author", obs.Fork.Author.Short(), "stream", obs.Fork.Position.Stream, "receipts", len(obs.Fork.IDs))
	}
	if obs.New && len(obs.Missing) > 0 {
		k.logger.Debug("receipt references unseen receipts", "id", obs.ID.Short(), "missing", len(obs.Missing))
	}
	return IngestResult{ID: obs.ID, Insert: res, Observation: obs}, nil
}

// Append signs a new receipt with priv and ingests it.
func (k *Kernel) Append(ctx context.Context, priv ed25519.PrivateKey, schema string, refs []receipt.ID, payload []byte) (*receipt.Receipt, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("kernel: unsupported private key")
	}
	r, err := receipt.Sign(priv, pub, schema, refs, payload)
	if err != nil {
		return nil, err
	}
	if _, err := k.ingestVerified(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Commit builds a commitment over leaves and ingests every node.
func (k *Kernel) Commit(ctx context.Context, priv ed25519.PrivateKey, leaves []receipt.ID) (*dag.Commitment, error) {
	c, err := dag.BuildCommitment(priv, leaves)
	if err != nil {
		return nil, err
	}
	return c, k.ingestAll(ctx, c.Nodes)
}

// CommitDelta commits to prevRoot plus added leaves and ingests every node.
func (k *Kernel) CommitDelta(ctx context.Context, priv ed25519.PrivateKey, prevRoot receipt.ID, added []receipt.ID) (*dag.Commitment, error) {
	c, err := dag.BuildDelta(priv, prevRoot, added)
	if err != nil {
		return nil, err
	}
	return c, k.ingestAll(ctx, c.Nodes)
}

func (k *Kernel) ingestAll(ctx context.Context, rs []*receipt.Receipt) error {
	for _, r := range rs {
		if _, err := k.ingestVerified(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
