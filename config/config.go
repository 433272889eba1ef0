// Package config loads the indexer's recognized configuration options from
// a YAML file, with CLI-flag overrides layered on top.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/nodesentinel/beacon-indexer/beacontime"
)

// Config is the full set of recognized options (§6).
type Config struct {
	DatabaseURL string `yaml:"databaseUrl"`
	Chain       string `yaml:"chain"`

	Consensus ConsensusConfig `yaml:"consensus"`
	Execution ExecutionConfig `yaml:"execution"`

	MaxUnprocessedEpochs uint64 `yaml:"maxUnprocessedEpochs"`
	MaxAttestationDelay  uint32 `yaml:"maxAttestationDelay"`
}

// ConsensusConfig is the consensus (beacon) node connectivity block.
type ConsensusConfig struct {
	ArchiveURL         string `yaml:"archiveUrl"`
	FullURL            string `yaml:"fullUrl"`
	ArchiveConcurrency int    `yaml:"archiveConcurrency"`
	FullConcurrency    int    `yaml:"fullConcurrency"`
	ArchiveRetries     int    `yaml:"archiveRetries"`
	FullRetries        int    `yaml:"fullRetries"`
	BaseDelayMs        uint64 `yaml:"baseDelayMs"`
	RequestsPerSecond  int    `yaml:"requestsPerSecond"`
	LookbackSlot       uint64 `yaml:"lookbackSlot"`
	DelaySlotsToHead   uint64 `yaml:"delaySlotsToHead"`
}

// ExecutionConfig is the execution-layer node connectivity block.
type ExecutionConfig struct {
	URL               string `yaml:"url"`
	BackupURL         string `yaml:"backupUrl"`
	RequestsPerSecond int    `yaml:"requestsPerSecond"`
}

// Default returns the documented defaults (§6), with no upstream URLs set --
// those have no sane default and must come from the config file or flags.
func Default() Config {
	return Config{
		Chain: string(beacontime.ChainEthereum),
		Consensus: ConsensusConfig{
			ArchiveConcurrency: 4,
			FullConcurrency:    8,
			ArchiveRetries:     5,
			FullRetries:        3,
			BaseDelayMs:        500,
			RequestsPerSecond:  20,
			DelaySlotsToHead:   1,
		},
		Execution: ExecutionConfig{
			RequestsPerSecond: 20,
		},
		MaxUnprocessedEpochs: 5,
		MaxAttestationDelay:  64,
	}
}

// Load reads path as YAML over Default(). An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return cfg, nil
}

// ChainParams resolves the chain preset and overlays the configured
// lookback slot, which has no universal default.
func (c Config) ChainParams() beacontime.Params {
	p := beacontime.PresetParams(beacontime.ChainPreset(c.Chain))
	p.LookbackSlot = c.Consensus.LookbackSlot
	return p
}

// Validate checks the options the indexer cannot run without.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("databaseUrl is required")
	}
	if c.Consensus.ArchiveURL == "" || c.Consensus.FullURL == "" {
		return fmt.Errorf("consensus.archiveUrl and consensus.fullUrl are required")
	}
	if c.Consensus.DelaySlotsToHead == 0 {
		return fmt.Errorf("consensus.delaySlotsToHead must be >= 1 (attestations for slot n land in block n+1)")
	}
	return nil
}
