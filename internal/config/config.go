// Package config loads the Blockwatch configuration from one or more
// TOML/JSON files, merged in argument order, with environment variables
// overlaid last using "__" as the nested-key separator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const (
	defaultLogsPageSize = uint64(2000)
	defaultHookTimeout  = 5 * time.Second
	defaultAdminAddr    = ":9190"
)

// Network describes one chain Blockwatch listens to.
type Network struct {
	ChainID      int32         `mapstructure:"chain_id"`
	RPCURL       string        `mapstructure:"rpc_url"`
	BlockTime    time.Duration `mapstructure:"-"`
	BlockTimeRaw uint64        `mapstructure:"block_time"`
	LogsPageSize uint64        `mapstructure:"logs_page_size"`
}

// Hook describes one webhook subscription.
type Hook struct {
	ChainID      int32             `mapstructure:"chain_id"`
	Contracts    []string          `mapstructure:"contracts"`
	URL          string            `mapstructure:"url"`
	Timeout      time.Duration     `mapstructure:"-"`
	TimeoutRaw   uint64            `mapstructure:"timeout"`
	ContractSet  map[string]bool   `mapstructure:"-"`
	ContractAddr []common.Address  `mapstructure:"-"`
}

// Config is the fully merged, validated Blockwatch configuration.
type Config struct {
	DatabaseURL string             `mapstructure:"database_url"`
	AdminAddr   string             `mapstructure:"admin_addr"`
	Networks    map[string]Network `mapstructure:"networks"`
	Hooks       map[string]Hook    `mapstructure:"hooks"`
}

// Load merges the given config files (TOML or JSON, by extension) in
// order, overlays "__"-separated environment variables, applies
// defaults, and validates the result.
//
// Zero files defaults to a single "blockwatch.toml" (falling back to
// "blockwatch.config.json" if that file doesn't exist), matching the
// CLI contract.
func Load(files []string) (*Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat("blockwatch.toml"); err == nil {
			files = []string{"blockwatch.toml"}
		} else {
			files = []string{"blockwatch.config.json"}
		}
	}

	v := viper.New()
	for i, f := range files {
		v.SetConfigFile(f)
		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", f, err)
		}
	}

	envTree := buildEnvOverlay(os.Environ())
	if len(envTree) > 0 {
		if err := v.MergeConfigMap(envTree); err != nil {
			return nil, fmt.Errorf("merging environment overrides: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// buildEnvOverlay turns "NETWORKS__MAINNET__RPC_URL=..." style
// environment entries into a nested map viper can merge on top of the
// file-sourced config, mirroring the Rust original's
// Env::raw().split("__") behavior.
func buildEnvOverlay(environ []string) map[string]interface{} {
	// A variable without "__" is taken only when it names a top-level
	// scalar option; the rest of the environment (PATH, ...) is ignored.
	topLevel := map[string]bool{"database_url": true, "admin_addr": true}
	tree := map[string]interface{}{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || (!strings.Contains(key, "__") && !topLevel[strings.ToLower(key)]) {
			continue
		}
		parts := strings.Split(strings.ToLower(key), "__")
		node := tree
		for i, part := range parts {
			if i == len(parts)-1 {
				node[part] = value
				continue
			}
			child, ok := node[part].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[part] = child
			}
			node = child
		}
	}
	return tree
}

func (c *Config) applyDefaultsAndValidate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if c.AdminAddr == "" {
		c.AdminAddr = defaultAdminAddr
	}

	for name, n := range c.Networks {
		if n.RPCURL == "" {
			return fmt.Errorf("config: network %q missing rpc_url", name)
		}
		if n.BlockTimeRaw == 0 {
			return fmt.Errorf("config: network %q missing block_time", name)
		}
		n.BlockTime = time.Duration(n.BlockTimeRaw) * time.Second
		if n.LogsPageSize == 0 {
			n.LogsPageSize = defaultLogsPageSize
		}
		c.Networks[name] = n
	}

	for id, h := range c.Hooks {
		if h.URL == "" {
			return fmt.Errorf("config: hook %q missing url", id)
		}
		if h.TimeoutRaw == 0 {
			h.Timeout = defaultHookTimeout
		} else {
			h.Timeout = time.Duration(h.TimeoutRaw) * time.Second
		}
		h.ContractSet = make(map[string]bool, len(h.Contracts))
		h.ContractAddr = make([]common.Address, 0, len(h.Contracts))
		for _, c := range h.Contracts {
			lower := strings.ToLower(c)
			h.ContractSet[lower] = true
			h.ContractAddr = append(h.ContractAddr, common.HexToAddress(c))
		}
		c.Hooks[id] = h
	}

	return nil
}

// NetworkByChainID finds the configured network for a chain ID.
func (c *Config) NetworkByChainID(chainID int32) (string, Network, bool) {
	for name, n := range c.Networks {
		if n.ChainID == chainID {
			return name, n, true
		}
	}
	return "", Network{}, false
}

// HooksForChain returns every hook subscribed to the given chain.
func (c *Config) HooksForChain(chainID int32) map[string]Hook {
	out := make(map[string]Hook)
	for id, h := range c.Hooks {
		if h.ChainID == chainID {
			out[id] = h
		}
	}
	return out
}

// ContractsForChain returns the union of every hook's contract
// addresses for a chain, used as the eth_getLogs address filter.
func (c *Config) ContractsForChain(chainID int32) []common.Address {
	seen := map[common.Address]bool{}
	var out []common.Address
	for _, h := range c.HooksForChain(chainID) {
		for _, addr := range h.ContractAddr {
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	return out
}

