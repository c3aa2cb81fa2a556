package localfs

import (
	"fmt"

	"xdao.co/receipts/store"
	"xdao.co/receipts/store/registry"
)

func init() {
	registry.MustRegister(registry.Backend{
		Name:        "localfs",
		Description: "Local filesystem directory, one file per receipt",
		Usage:       registry.UsageCLI | registry.UsageDaemon,
		Keys:        []string{"dir"},
		Open: func(cfg map[string]string) (store.Store, func() error, error) {
			dir := cfg["dir"]
			if dir == "" {
				return nil, nil, fmt.Errorf("localfs: missing config key %q", "dir")
			}
			s, err := Open(dir)
			if err != nil {
				return nil, nil, err
			}
			return s, nil, nil
		},
	})
}
