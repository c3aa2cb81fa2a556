package antientropy

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"xdao.co/receipts/receipt"
)

// State is a session's position in the round state machine.
type State int

const (
	StateIdle State = iota
	StateAdvertising
	StateDiffing
	StateRequesting
	StateTransferring
	StateIngesting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertising:
		return "advertising"
	case StateDiffing:
		return "diffing"
	case StateRequesting:
		return "requesting"
	case StateTransferring:
		return "transferring"
	case StateIngesting:
		return "ingesting"
	default:
		return "unknown"
	}
}

// Report summarizes a session.
type Report struct {
	Peer   string
	Scope  Scope
	Rounds int
	// Received counts receipts newly stored locally.
	Received   int
	Duplicates int
	Rejected   int
	Filtered   int
	// Sent counts receipts the peer accepted.
	Sent int
	// Converged is set when a round left nothing either side is willing to
	// exchange.
	Converged bool
	// Identical is set when both sides advertised the same digest.
	Identical bool
	// Deferred is set when the peer stayed unreachable; the session should be
	// retried later and loses nothing by stopping.
	Deferred bool
	LastErr  error
	Elapsed  time.Duration
}

func (r Report) outcome() string {
	switch {
	case r.Deferred:
		return "deferred"
	case r.Converged:
		return "converged"
	default:
		return "incomplete"
	}
}

// Session syncs one scope with one peer. A Session is single use.
type Session struct {
	local  *Engine
	remote Peer
	name   string
	scope  Scope

	mu     sync.Mutex
	state  State
	report Report

	// Digests seen at the start of the previous round.
	lastLocal, lastRemote Digest
	// settled is set when the previous round saw the peer's whole inventory
	// and holds or refused every id in it.
	settled bool
	// refused holds ids the accept policy turned down during this session.
	refused map[receipt.ID]struct{}
}

func (e *Engine) NewSession(name string, remote Peer, scope Scope) *Session {
	return &Session{
		local:   e,
		remote:  remote,
		name:    name,
		scope:   scope,
		report:  Report{Peer: name, Scope: scope},
		refused: make(map[receipt.ID]struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run repeats rounds until the sets converge, the round limit is reached, the
// peer becomes unreachable or ctx is done.
//
// Transport failures that outlast retries end the session with
// Report.Deferred and a nil error. Cancellation returns ctx.Err(). In every
// case receipts already ingested stay stored.
func (s *Session) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	logger := s.local.logger.With("peer", s.name, "scope", s.scope.String())
	logger.Debug("sync session starting")

	err := s.run(ctx)

	s.setState(StateIdle)
	s.report.Elapsed = time.Since(start)
	if err != nil && IsTransport(err) && ctx.Err() == nil {
		s.report.Deferred = true
		s.report.LastErr = err
		err = nil
	}
	s.local.metrics.Sessions.With("outcome", s.report.outcome()).Add(1)

	if err != nil {
		logger.Error("sync session failed", "rounds", s.report.Rounds, "err", err)
	} else {
		logger.Info("sync session finished",
			"outcome", s.report.outcome(),
			"rounds", s.report.Rounds,
			"received", s.report.Received,
			"sent", s.report.Sent,
			"rejected", s.report.Rejected,
			"elapsed", s.report.Elapsed)
	}
	return s.report, err
}

func (s *Session) run(ctx context.Context) error {
	for s.report.Rounds < s.local.cfg.MaxRounds {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.report.Rounds++
		s.local.metrics.Rounds.Add(1)

		done, err := s.round(ctx)
		if err != nil {
			return err
		}
		if done {
			s.report.Converged = true
			return nil
		}
	}
	return nil
}

// round runs one Advertise, Diff, Request, Transfer, Ingest cycle in both
// directions. It reports done when nothing is left to exchange: the digests
// match, or neither set changed since a round that saw the peer's whole
// inventory.
func (s *Session) round(ctx context.Context) (bool, error) {
	s.setState(StateAdvertising)
	local, err := s.local.Advertise(ctx, s.scope)
	if err != nil {
		return false, err
	}
	var remote *Advertise
	err = s.call(ctx, "advertise", func(ctx context.Context) error {
		var err error
		remote, err = s.remote.Advertise(ctx, s.scope)
		return err
	})
	if err != nil {
		return false, err
	}

	s.setState(StateDiffing)
	if local.Digest == remote.Digest {
		s.report.Identical = true
		return true, nil
	}
	if s.settled && local.Digest == s.lastLocal && remote.Digest == s.lastRemote {
		// Whatever still differs is held back by policy on one side.
		return true, nil
	}
	s.lastLocal, s.lastRemote = local.Digest, remote.Digest
	s.settled = false

	attempted := make(map[receipt.ID]struct{})
	wanted := append(append([]receipt.ID{}, remote.Heads...), s.local.kernel.Tracker().Missing()...)
	if err := s.pull(ctx, wanted, attempted); err != nil {
		return false, err
	}

	s.setState(StateDiffing)
	if local, err = s.local.Advertise(ctx, s.scope); err != nil {
		return false, err
	}
	if local.Digest == remote.Digest {
		return false, nil
	}
	theirs, err := s.inventory(ctx)
	if err != nil {
		return false, err
	}
	var rest []receipt.ID
	for id := range theirs {
		rest = append(rest, id)
	}
	receipt.SortIDs(rest)
	if err := s.pull(ctx, rest, attempted); err != nil {
		return false, err
	}
	if s.settled, err = s.covers(ctx, theirs, remote.Count); err != nil {
		return false, err
	}
	return false, s.push(ctx, theirs)
}

// covers reports whether theirs is the peer's whole advertised set and every
// id in it is stored locally or was refused by policy. A peer that drops or
// corrupts transfers leaves the round uncovered.
func (s *Session) covers(ctx context.Context, theirs map[receipt.ID]struct{}, count int) (bool, error) {
	if len(theirs) != count {
		return false, nil
	}
	st := s.local.kernel.Store()
	for id := range theirs {
		if _, ok := s.refused[id]; ok {
			continue
		}
		has, err := st.Has(ctx, id)
		if err != nil || !has {
			return false, err
		}
	}
	return true, nil
}

// pull requests wanted ids in batches and follows the refs of whatever
// arrives, so one head is enough to walk back through a missing history.
func (s *Session) pull(ctx context.Context, wanted []receipt.ID, attempted map[receipt.ID]struct{}) error {
	st := s.local.kernel.Store()
	queue := wanted
	for len(queue) > 0 {
		var batch []receipt.ID
		for len(queue) > 0 && len(batch) < s.local.cfg.BatchSize {
			id := queue[0]
			queue = queue[1:]
			if _, ok := attempted[id]; ok {
				continue
			}
			attempted[id] = struct{}{}
			has, err := st.Has(ctx, id)
			if err != nil {
				return err
			}
			if !has {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			continue
		}

		s.setState(StateRequesting)
		req := &Request{Scope: s.scope, Wanted: batch}
		var t *Transfer
		err := s.call(ctx, "request", func(ctx context.Context) error {
			var err error
			t, err = s.remote.Request(ctx, req)
			return err
		})
		if err != nil {
			return err
		}

		s.setState(StateIngesting)
		res, err := s.local.ingest(ctx, t.Receipts)
		if err != nil {
			return err
		}
		s.report.Received += res.inserted
		s.report.Duplicates += res.duplicates
		s.report.Rejected += res.rejected
		s.report.Filtered += res.filtered
		queue = append(queue, res.missing...)
		for _, id := range res.refused {
			s.refused[id] = struct{}{}
		}

		if len(res.received) > 0 {
			// Acks are informational; a lost one changes nothing.
			_ = s.call(ctx, "ack", func(ctx context.Context) error {
				return s.remote.Ack(ctx, &Ack{Received: res.received})
			})
		}
	}
	return nil
}

// push delivers the local receipts the peer's inventory lacks.
func (s *Session) push(ctx context.Context, theirs map[receipt.ID]struct{}) error {
	v, err := s.local.view(ctx, s.scope)
	if err != nil {
		return err
	}
	var lacking []receipt.ID
	for _, id := range v.ids {
		if _, ok := theirs[id]; !ok {
			lacking = append(lacking, id)
		}
	}

	st := s.local.kernel.Store()
	accepted := 0
	for start := 0; start < len(lacking); start += s.local.cfg.BatchSize {
		end := min(start+s.local.cfg.BatchSize, len(lacking))
		t := &Transfer{}
		for _, id := range lacking[start:end] {
			r, err := st.Get(ctx, id)
			if err != nil {
				return err
			}
			b, err := r.Bytes()
			if err != nil {
				return err
			}
			t.Receipts = append(t.Receipts, b)
		}

		s.setState(StateTransferring)
		var ack *Ack
		err := s.call(ctx, "deliver", func(ctx context.Context) error {
			var err error
			ack, err = s.remote.Deliver(ctx, t)
			return err
		})
		if err != nil {
			return err
		}
		sent := make(map[receipt.ID]struct{}, end-start)
		for _, id := range lacking[start:end] {
			sent[id] = struct{}{}
		}
		for _, id := range ack.Received {
			if _, ok := sent[id]; ok {
				accepted++
				delete(sent, id)
			}
		}
	}
	s.report.Sent += accepted
	s.local.metrics.ReceiptsSent.Add(float64(accepted))
	return nil
}

// inventory pages through the peer's ids for the scope.
func (s *Session) inventory(ctx context.Context) (map[receipt.ID]struct{}, error) {
	out := make(map[receipt.ID]struct{})
	var after receipt.ID
	for {
		s.setState(StateRequesting)
		req := &Request{Scope: s.scope, Inventory: true, After: after}
		var t *Transfer
		err := s.call(ctx, "inventory", func(ctx context.Context) error {
			var err error
			t, err = s.remote.Request(ctx, req)
			return err
		})
		if err != nil {
			return nil, err
		}
		advanced := false
		for _, id := range t.Inventory {
			out[id] = struct{}{}
			if id.Compare(after) > 0 {
				after = id
				advanced = true
			}
		}
		if !t.More || !advanced {
			return out, nil
		}
	}
}

// call runs one round trip with a per-attempt timeout, retrying with
// exponential backoff. Failures that outlast the retries become a
// *TransportError; a done ctx is returned as is.
func (s *Session) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := s.local.cfg
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.RetryInitial
	eb.MaxInterval = cfg.RetryMax
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			s.local.metrics.Retries.Add(1)
		}
		attempt++
		rctx, cancel := context.WithTimeout(ctx, cfg.RoundTripTimeout)
		defer cancel()
		start := time.Now()
		err := fn(rctx)
		s.local.metrics.RoundTripSeconds.With("op", op).Observe(time.Since(start).Seconds())
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, b)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TransportError{Peer: s.name, Op: op, Err: err}
}
