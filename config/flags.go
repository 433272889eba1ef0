package config

import (
	"flag"
	"fmt"
	"strconv"
)

// flagSet wraps flag.FlagSet to add support for uint64 flags, which the
// standard library does not provide.
type flagSet struct {
	*flag.FlagSet
}

func newFlagSet(name string) *flagSet {
	return &flagSet{FlagSet: flag.NewFlagSet(name, flag.ContinueOnError)}
}

func (fs *flagSet) Uint64Var(p *uint64, name string, value uint64, usage string) {
	fs.FlagSet.Var(&uint64Value{p: p}, name, usage)
	*p = value
}

type uint64Value struct{ p *uint64 }

func (v *uint64Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatUint(*v.p, 10)
}

func (v *uint64Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 value %q", s)
	}
	*v.p = n
	return nil
}

// ParseFlags parses args, returning the config file path (empty if unset),
// an overlay func that applies the parsed flag values to a Config, and the
// parsed flag set's error, if any.
func ParseFlags(args []string) (configPath string, overlay func(*Config), err error) {
	fs := newFlagSet("beacon-indexer")
	fs.StringVar(&configPath, "config", "", "path to YAML configuration file")

	var databaseURL, archiveURL, fullURL, executionURL, executionBackupURL string
	var maxUnprocessedEpochs uint64
	var maxAttestationDelay uint64

	fs.StringVar(&databaseURL, "database-url", "", "relational connection string")
	fs.StringVar(&archiveURL, "consensus-archive-url", "", "archive beacon node base URL")
	fs.StringVar(&fullURL, "consensus-full-url", "", "full beacon node base URL")
	fs.StringVar(&executionURL, "execution-url", "", "execution node base URL")
	fs.StringVar(&executionBackupURL, "execution-backup-url", "", "execution node backup base URL")
	fs.Uint64Var(&maxUnprocessedEpochs, "max-unprocessed-epochs", 0, "target unprocessed-epoch window")
	fs.Uint64Var(&maxAttestationDelay, "max-attestation-delay", 0, "attestation-delay cleanup threshold")

	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}

	return configPath, func(cfg *Config) {
		if databaseURL != "" {
			cfg.DatabaseURL = databaseURL
		}
		if archiveURL != "" {
			cfg.Consensus.ArchiveURL = archiveURL
		}
		if fullURL != "" {
			cfg.Consensus.FullURL = fullURL
		}
		if executionURL != "" {
			cfg.Execution.URL = executionURL
		}
		if executionBackupURL != "" {
			cfg.Execution.BackupURL = executionBackupURL
		}
		if maxUnprocessedEpochs != 0 {
			cfg.MaxUnprocessedEpochs = maxUnprocessedEpochs
		}
		if maxAttestationDelay != 0 {
			cfg.MaxAttestationDelay = uint32(maxAttestationDelay)
		}
	}, nil
}
