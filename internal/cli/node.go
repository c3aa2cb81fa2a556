package cli

import (
	"context"
	"fmt"

	"xdao.co/receipts/internal/config"
	"xdao.co/receipts/internal/log"
	"xdao.co/receipts/kernel"
	"xdao.co/receipts/store/registry"
)

// node is an opened store with its kernel.
type node struct {
	kernel *kernel.Kernel
	close  func() error
}

func openNode(ctx context.Context, cfg config.Config, usage registry.Usage, logger log.Logger) (*node, error) {
	s, closeFn, err := cfg.Store.Open(usage)
	if err != nil {
		return nil, err
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	k, err := kernel.New(ctx, s, kernel.WithLogger(logger))
	if err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("open node: %w", err)
	}
	return &node{kernel: k, close: closeFn}, nil
}
