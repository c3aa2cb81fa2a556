package sqlite

import (
	"fmt"

	"xdao.co/receipts/store"
	"xdao.co/receipts/store/registry"
)

func init() {
	registry.MustRegister(registry.Backend{
		Name:        "sqlite",
		Description: "SQLite database file",
		Usage:       registry.UsageCLI | registry.UsageDaemon,
		Keys:        []string{"path"},
		Open: func(cfg map[string]string) (store.Store, func() error, error) {
			path := cfg["path"]
			if path == "" {
				return nil, nil, fmt.Errorf("sqlite: missing config key %q", "path")
			}
			s, err := Open(path)
			if err != nil {
				return nil, nil, err
			}
			return s, s.Close, nil
		},
	})
}
