package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but the file is missing or invalid, loading fails.
	ConfigPath string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
// Nil pointers mean "flag not given".
type FlagOverrides struct {
	Port             *int
	CertDir          *string
	StapCommand      *string
	Servers          *[]string
	TrustBootstrap   *string
	CacheDir         *string
	CacheDisabled    *bool
	DiscoveryEnabled *bool
	BrowseTimeoutMS  *int
	LoggingLevel     *string
}

// Load loads configuration with the following precedence:
//  1. Compiled-in defaults
//  2. TOML config file values
//  3. CLI flags
//  4. Enum validation
//
// If ConfigPath is provided but the file is missing, unreadable, or invalid
// TOML, Load returns an error (fail fast). Unknown TOML keys produce a
// warning but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := Default()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
	}

	overlayFlags(cfg, opts.FlagOverrides)

	if err := validateEnums(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func overlayFlags(cfg *Config, f FlagOverrides) {
	if f.Port != nil {
		cfg.Server.Port = *f.Port
	}
	if f.CertDir != nil && *f.CertDir != "" {
		cfg.Server.CertDir = *f.CertDir
	}
	if f.StapCommand != nil && *f.StapCommand != "" {
		cfg.Server.StapCommand = *f.StapCommand
	}
	if f.Servers != nil && len(*f.Servers) > 0 {
		cfg.Client.Servers = *f.Servers
	}
	if f.TrustBootstrap != nil && *f.TrustBootstrap != "" {
		cfg.Client.TrustBootstrap = *f.TrustBootstrap
	}
	if f.CacheDir != nil && *f.CacheDir != "" {
		cfg.Cache.Dir = *f.CacheDir
	}
	if f.CacheDisabled != nil {
		cfg.Cache.Disabled = *f.CacheDisabled
	}
	if f.DiscoveryEnabled != nil {
		cfg.Discovery.Enabled = f.DiscoveryEnabled
	}
	if f.BrowseTimeoutMS != nil {
		cfg.Discovery.BrowseTimeoutMS = *f.BrowseTimeoutMS
	}
	if f.LoggingLevel != nil && *f.LoggingLevel != "" {
		cfg.Logging.Level = *f.LoggingLevel
	}
}
