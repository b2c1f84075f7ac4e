// Package config loads the bundler's process-wide and per-network
// configuration from a TOML file into a package-level singleton, reached
// through Get(). cmd/bundler installs it with Set at startup; the services
// themselves receive their settings as constructor arguments and do not
// call Get.
package config

import (
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// NetworkConfig carries everything the bundler core needs to operate
// against a single chain (§6.5 of the design).
type NetworkConfig struct {
	ChainID    int64    `toml:"chain_id"`
	RPCEndpoint string  `toml:"rpc_endpoint"`
	EntryPoints []string `toml:"entry_points"`
	Multicall   string   `toml:"multicall"`

	// RelayerKey is the hex-encoded private key of the wallet that signs
	// handleOps transactions.
	RelayerKey  string `toml:"relayer_key"`
	Beneficiary string `toml:"beneficiary"`

	MinInclusionDenominator uint64 `toml:"min_inclusion_denominator"`
	ThrottlingSlack         uint64 `toml:"throttling_slack"`
	BanSlack                uint64 `toml:"ban_slack"`

	MinStake          string `toml:"min_stake"`
	MinUnstakeDelaySec uint64 `toml:"min_unstake_delay_sec"`
	MinSignerBalance  string `toml:"min_signer_balance"`

	MaxMempoolSize int `toml:"max_mempool_size"`

	SimulateTimeout time.Duration `toml:"simulate_timeout"`
	SubmitTimeout   time.Duration `toml:"submit_timeout"`
}

// BundlerConfig is the process-wide section of the config file.
type BundlerConfig struct {
	TestingMode bool   `toml:"testing_mode"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	CORSOrigin  string `toml:"cors_origin"`

	BundlingMode         string        `toml:"bundling_mode"`
	AutoBundlingInterval time.Duration `toml:"auto_bundling_interval"`

	DBPath string `toml:"db_path"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

// Config is the root of the TOML document.
type Config struct {
	Bundler  BundlerConfig              `toml:"bundler"`
	Networks map[string]*NetworkConfig `toml:"networks"`
}

var (
	mu  sync.RWMutex
	cfg *Config
)

// Default returns a Config pre-filled with the process-wide defaults
// called out in §4.5 of the design (auto mode, 15s interval), with no
// networks configured. The per-network 10s/30s timeouts are applied by
// Load, not here.
func Default() *Config {
	return &Config{
		Bundler: BundlerConfig{
			Host:                 "0.0.0.0",
			Port:                 3000,
			BundlingMode:         "auto",
			AutoBundlingInterval: 15 * time.Second,
			DBPath:               "./bundler-db",
			LogLevel:             "info",
		},
		Networks: make(map[string]*NetworkConfig),
	}
}

// Load reads and decodes a TOML file at path, applying per-network
// defaults (timeouts, max mempool size) where the file is silent.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}

	for name, n := range c.Networks {
		if n.SimulateTimeout == 0 {
			n.SimulateTimeout = 10 * time.Second
		}
		if n.SubmitTimeout == 0 {
			n.SubmitTimeout = 30 * time.Second
		}
		if n.MaxMempoolSize == 0 {
			n.MaxMempoolSize = 200
		}
		if len(n.EntryPoints) == 0 {
			return nil, errors.Errorf("config: network %q has no entry_points configured", name)
		}
	}

	return c, nil
}

// Set installs c as the process-wide singleton returned by Get. Call once
// at startup, before any service reads configuration.
func Set(c *Config) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
}

// Get returns the process-wide configuration singleton. Panics if Set has
// not been called yet -- mirrors the teacher's config.Get() usage, which
// assumes config has been loaded before any service starts.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if cfg == nil {
		panic("config: Get called before Set")
	}
	return cfg
}
