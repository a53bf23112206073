package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config captures the node's persisted runtime settings.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	NetworkName string `toml:"NetworkName"`
	LogLevel    string `toml:"LogLevel"`
	// AdminTokenFile is where the admin capability lands on first boot. The
	// capability is minted exactly once; losing the file means losing
	// arbitration access for the ledger's lifetime.
	AdminTokenFile string `toml:"AdminTokenFile"`
	// DisputeAfterDeadlineOnly gates complaints on the offer deadline.
	DisputeAfterDeadlineOnly bool `toml:"DisputeAfterDeadlineOnly"`
	// BidMaxPerMinute bounds bids per bidder per minute; zero disables it.
	BidMaxPerMinute uint32 `toml:"BidMaxPerMinute"`
	// MarketPaused administratively halts all market mutations.
	MarketPaused bool `toml:"MarketPaused"`
}

// Default returns the baseline configuration written on first boot.
func Default() Config {
	return Config{
		RPCAddress:     "127.0.0.1:8645",
		DataDir:        "./gridmarket-data",
		NetworkName:    "gridmarket-local",
		LogLevel:       "info",
		AdminTokenFile: "./admin-token",
	}
}

// Load reads the TOML config at path. A missing file is created with the
// default settings so a fresh node boots without manual setup.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Save(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration as TOML, creating parent directories as
// needed.
func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the node cannot start with.
func (c Config) Validate() error {
	if c.RPCAddress == "" {
		return fmt.Errorf("config: RPCAddress must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if c.AdminTokenFile == "" {
		return fmt.Errorf("config: AdminTokenFile must not be empty")
	}
	return nil
}
