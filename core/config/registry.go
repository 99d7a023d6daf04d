package config

import (
	"fmt"
	"sort"
	"sync"
)

// Registry loads the configuration on first use and then serves it
// read-only. Components receive the Registry (or a *ChainConfig taken from
// it) at construction time.
type Registry struct {
	load func() (*Config, error)
	once sync.Once
	cfg  *Config
	err  error
}

func NewRegistry(path string) *Registry {
	return &Registry{load: func() (*Config, error) { return NewConfig(path) }}
}

// NewStaticRegistry wraps an already built Config.
func NewStaticRegistry(cfg *Config) *Registry {
	return &Registry{load: func() (*Config, error) { return cfg, nil }}
}

func (r *Registry) Config() (*Config, error) {
	r.once.Do(func() {
		r.cfg, r.err = r.load()
	})
	return r.cfg, r.err
}

func (r *Registry) Chain(network string) (*ChainConfig, error) {
	cfg, err := r.Config()
	if err != nil {
		return nil, err
	}
	chain, ok := cfg.Networks[network]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}
	return chain, nil
}

func (r *Registry) Networks() ([]string, error) {
	cfg, err := r.Config()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cfg.Networks))
	for name := range cfg.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
