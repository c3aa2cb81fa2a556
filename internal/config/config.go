// Package config is the receiptd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"xdao.co/receipts/antientropy"
	"xdao.co/receipts/internal/log"
	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store/storeconfig"
)

// Config is the receiptd configuration.
//
// Example:
//
//	listen: 0.0.0.0:7780
//	metrics_addr: 127.0.0.1:9780
//	log: {format: json, level: info}
//	key_file: /etc/receiptd/node.key
//	store:
//	  backends:
//	    - name: sqlite
//	      config: {path: /var/lib/receiptd/receipts.db}
//	peers:
//	  - {name: relay, address: relay.example.org:7780}
//	sync:
//	  interval: 30s
//	  round_trip_timeout: 10s
type Config struct {
	// Listen is the gRPC sync address.
	Listen string `yaml:"listen"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string             `yaml:"metrics_addr,omitempty"`
	Log         LogConfig          `yaml:"log"`
	KeyFile     string             `yaml:"key_file,omitempty"`
	Store       storeconfig.Config `yaml:"store"`
	Peers       []PeerConfig       `yaml:"peers,omitempty"`
	Sync        SyncConfig         `yaml:"sync"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type PeerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type SyncConfig struct {
	Interval         time.Duration `yaml:"interval"`
	RoundTripTimeout time.Duration `yaml:"round_trip_timeout,omitempty"`
	MaxRounds        int           `yaml:"max_rounds,omitempty"`
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	MaxSessions      int           `yaml:"max_sessions,omitempty"`
	// Author and Schema narrow the synced scope; empty means everything.
	Author string `yaml:"author,omitempty"`
	Schema string `yaml:"schema,omitempty"`
}

func Default() Config {
	return Config{
		Listen: "127.0.0.1:7780",
		Log:    LogConfig{Format: log.LogFormatPlain, Level: log.LogLevelInfo},
		Store: storeconfig.Config{
			Backends: []storeconfig.BackendConfig{{Name: "memory"}},
		},
		Sync: SyncConfig{Interval: 30 * time.Second},
	}
}

// Load reads path over Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Log.Format {
	case log.LogFormatPlain, log.LogFormatText, log.LogFormatJSON:
	default:
		return fmt.Errorf("config: unsupported log format %q", c.Log.Format)
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if p.Name == "" || p.Address == "" {
			return errors.New("config: peers need a name and an address")
		}
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("config: duplicate peer %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if c.Sync.Interval <= 0 {
		return errors.New("config: sync.interval must be positive")
	}
	if _, err := c.Scope(); err != nil {
		return err
	}
	return nil
}

// Scope is the sync scope named by Sync.Author and Sync.Schema.
func (c Config) Scope() (antientropy.Scope, error) {
	s := antientropy.Scope{Schema: c.Sync.Schema}
	if c.Sync.Author != "" {
		a, err := receipt.ParseAuthor(c.Sync.Author)
		if err != nil {
			return s, fmt.Errorf("config: sync.author: %w", err)
		}
		s.Author = a
	}
	return s, nil
}

func (c Config) Engine() antientropy.Config {
	return antientropy.Config{
		RoundTripTimeout: c.Sync.RoundTripTimeout,
		MaxRounds:        c.Sync.MaxRounds,
		MaxRetries:       c.Sync.MaxRetries,
		MaxSessions:      c.Sync.MaxSessions,
	}
}
