package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"xdao.co/receipts/antientropy"
	"xdao.co/receipts/antientropy/grpcsync"
	"xdao.co/receipts/internal/config"
	"xdao.co/receipts/internal/log"
	"xdao.co/receipts/store/registry"
)

const dialTimeout = 5 * time.Second

// peerSet is a set of dialed sync peers.
type peerSet struct {
	peers   []antientropy.NamedPeer
	clients []*grpcsync.Client
}

func dialPeers(peers []config.PeerConfig) (*peerSet, error) {
	ps := &peerSet{}
	for _, p := range peers {
		c, err := grpcsync.Dial(p.Address, grpcsync.DialOptions{Timeout: dialTimeout})
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("dial %s (%s): %w", p.Name, p.Address, err)
		}
		ps.clients = append(ps.clients, c)
		ps.peers = append(ps.peers, antientropy.NamedPeer{Name: p.Name, Peer: c})
	}
	return ps, nil
}

func (ps *peerSet) Close() {
	for _, c := range ps.clients {
		_ = c.Close()
	}
}

func newEngine(n *node, cfg config.Config, logger log.Logger, metrics *antientropy.Metrics) *antientropy.Engine {
	if metrics == nil {
		metrics = antientropy.NopMetrics()
	}
	return antientropy.NewEngine(n.kernel,
		antientropy.WithConfig(cfg.Engine()),
		antientropy.WithLogger(logger),
		antientropy.WithMetrics(metrics),
	)
}

type reportJSON struct {
	Peer       string `json:"peer"`
	Scope      string `json:"scope"`
	Rounds     int    `json:"rounds"`
	Received   int    `json:"received"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
	Filtered   int    `json:"filtered"`
	Sent       int    `json:"sent"`
	Converged  bool   `json:"converged"`
	Identical  bool   `json:"identical"`
	Deferred   bool   `json:"deferred"`
	Error      string `json:"error,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

func toReportJSON(r antientropy.Report) reportJSON {
	out := reportJSON{
		Peer:       r.Peer,
		Scope:      r.Scope.String(),
		Rounds:     r.Rounds,
		Received:   r.Received,
		Duplicates: r.Duplicates,
		Rejected:   r.Rejected,
		Filtered:   r.Filtered,
		Sent:       r.Sent,
		Converged:  r.Converged,
		Identical:  r.Identical,
		Deferred:   r.Deferred,
		ElapsedMS:  r.Elapsed.Milliseconds(),
	}
	if r.LastErr != nil {
		out.Error = r.LastErr.Error()
	}
	return out
}

func (r reportJSON) text() string {
	status := "incomplete"
	switch {
	case r.Deferred:
		status = "deferred"
	case r.Converged:
		status = "converged"
	}
	s := fmt.Sprintf("%s: %s rounds=%d received=%d sent=%d duplicates=%d rejected=%d filtered=%d identical=%t",
		r.Peer, status, r.Rounds, r.Received, r.Sent, r.Duplicates, r.Rejected, r.Filtered, r.Identical)
	if r.Error != "" {
		s += " error=" + r.Error
	}
	return s
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [address...]",
		Short: "Run one anti-entropy session against each peer",
		Long: `sync runs a single session per peer and prints a report for each.

Peers default to the configured peers list; addresses given as arguments
replace it. An unreachable peer is reported as deferred, not as a failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			scope, err := cfg.Scope()
			if err != nil {
				return err
			}

			peers := cfg.Peers
			if len(args) > 0 {
				peers = make([]config.PeerConfig, 0, len(args))
				for _, a := range args {
					peers = append(peers, config.PeerConfig{Name: a, Address: a})
				}
			}
			if len(peers) == 0 {
				return fmt.Errorf("no peers: pass addresses or configure peers")
			}

			n, err := openNode(cmd.Context(), cfg, registry.UsageCLI, logger)
			if err != nil {
				return err
			}
			defer n.close()

			ps, err := dialPeers(peers)
			if err != nil {
				return err
			}
			defer ps.Close()

			reports, err := newEngine(n, cfg, logger, nil).SyncAll(cmd.Context(), ps.peers, scope)
			if err != nil {
				return err
			}
			out := make([]reportJSON, 0, len(reports))
			lines := make([]string, 0, len(reports))
			for _, r := range reports {
				j := toReportJSON(r)
				out = append(out, j)
				lines = append(lines, j.text())
			}
			return emit(cmd, rootOpts, out, strings.Join(lines, "\n"))
		},
	}
	return cmd
}
