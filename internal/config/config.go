// Package config provides configuration loading and validation for the
// stapserve daemon and client.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds the combined daemon and client configuration.
type Config struct {
	// Server holds compile-server daemon settings.
	Server ServerConfig `toml:"server"`

	// Client holds client driver settings.
	Client ClientConfig `toml:"client"`

	// Cache holds artifact cache settings.
	Cache CacheConfig `toml:"cache"`

	// Discovery holds zero-configuration discovery settings.
	Discovery DiscoveryConfig `toml:"discovery"`

	// Trust holds trust store locations.
	Trust TrustConfig `toml:"trust"`

	// Logging holds logging settings.
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds compile-server daemon settings.
type ServerConfig struct {
	// Port to listen on. 0 selects an ephemeral port. A busy configured
	// port also falls back to an ephemeral one.
	Port int `toml:"port"`

	// CertDir holds the server certificate and key.
	// Default: $HOME/.systemtap/ssl/server
	CertDir string `toml:"cert_dir"`

	// StapCommand is the compiler executable spawned per request.
	StapCommand string `toml:"stap_command"`

	// StapOptions are extra options prepended to every spawned compile.
	StapOptions []string `toml:"stap_options"`

	// ServiceUser is the account name under which reduced resource limits
	// are applied to compile subprocesses.
	ServiceUser string `toml:"service_user"`

	// KeepScratch retains per-request scratch directories for debugging.
	KeepScratch bool `toml:"keep_scratch"`

	// RArgs, BArgs, IArgs, DArgs are advertised in the optinfo discovery
	// attribute so clients can match servers built for a specific runtime.
	RArgs []string `toml:"r_args"`
	BArgs []string `toml:"b_args"`
	IArgs []string `toml:"i_args"`
	DArgs []string `toml:"d_args"`
}

// ClientConfig holds client driver settings.
type ClientConfig struct {
	// Servers are explicit server specs ("host", "host:port", "addr:port").
	// Empty means use discovery.
	Servers []string `toml:"servers"`

	// TrustBootstrap chooses what to do with an untrusted server
	// certificate: "none" (reject), "session", or "always".
	TrustBootstrap string `toml:"trust_bootstrap"`

	// SaveArtifacts copies response artifacts into the current directory.
	SaveArtifacts bool `toml:"save_artifacts"`
}

// CacheConfig holds artifact cache settings.
type CacheConfig struct {
	// Dir is the cache root. Default: $HOME/.systemtap/cache
	Dir string `toml:"dir"`

	// Disabled turns off fingerprint caching entirely.
	Disabled bool `toml:"disabled"`
}

// DiscoveryConfig holds zero-configuration discovery settings.
type DiscoveryConfig struct {
	// Enabled controls both announcement and browsing.
	// Pointer for presence detection; nil = enabled.
	Enabled *bool `toml:"enabled"`

	// BrowseTimeoutMS bounds a client browse window. Default: 2000.
	BrowseTimeoutMS int `toml:"browse_timeout_ms"`
}

// TrustConfig holds trust store locations.
type TrustConfig struct {
	// SSLGlobalDir is the machine-wide SSL peer store.
	// Default: /etc/systemtap/ssl/client
	SSLGlobalDir string `toml:"ssl_global_dir"`

	// SSLPrivateDir is the per-user SSL peer store.
	// Default: $HOME/.systemtap/ssl/client
	SSLPrivateDir string `toml:"ssl_private_dir"`

	// SignerDir is the machine-wide module-signer store.
	// Default: /etc/systemtap/staprun
	SignerDir string `toml:"signer_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `toml:"level"`
}

// DiscoveryEnabled resolves the tri-state Enabled pointer.
func (c *Config) DiscoveryEnabled() bool {
	if c.Discovery.Enabled == nil {
		return true
	}
	return *c.Discovery.Enabled
}

// Redacted returns a one-line representation of the effective config for
// startup logging. Nothing in the current schema is secret, but the method
// is the single place a future secret would be scrubbed.
func (c *Config) Redacted() string {
	return fmt.Sprintf(
		"server{port=%d cert_dir=%s stap=%s} client{servers=%v bootstrap=%s} cache{dir=%s disabled=%v} discovery{enabled=%v timeout_ms=%d} logging{level=%s}",
		c.Server.Port, c.Server.CertDir, c.Server.StapCommand,
		c.Client.Servers, c.Client.TrustBootstrap,
		c.Cache.Dir, c.Cache.Disabled,
		c.DiscoveryEnabled(), c.Discovery.BrowseTimeoutMS,
		c.Logging.Level,
	)
}

// Default returns the compiled-in defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dot := filepath.Join(home, ".systemtap")
	return &Config{
		Server: ServerConfig{
			Port:        0,
			CertDir:     filepath.Join(dot, "ssl", "server"),
			StapCommand: "stap",
			ServiceUser: "stap-server",
		},
		Client: ClientConfig{
			TrustBootstrap: "none",
		},
		Cache: CacheConfig{
			Dir: filepath.Join(dot, "cache"),
		},
		Discovery: DiscoveryConfig{
			BrowseTimeoutMS: 2000,
		},
		Trust: TrustConfig{
			SSLGlobalDir:  "/etc/systemtap/ssl/client",
			SSLPrivateDir: filepath.Join(dot, "ssl", "client"),
			SignerDir:     "/etc/systemtap/staprun",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// validTrustBootstrap are the accepted trust_bootstrap values.
var validTrustBootstrap = []string{"none", "session", "always"}

func validateEnums(cfg *Config) error {
	ok := false
	for _, v := range validTrustBootstrap {
		if cfg.Client.TrustBootstrap == v {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid client.trust_bootstrap %q: must be one of %s",
			cfg.Client.TrustBootstrap, strings.Join(validTrustBootstrap, ", "))
	}
	switch cfg.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if cfg.Discovery.BrowseTimeoutMS < 0 {
		return fmt.Errorf("discovery.browse_timeout_ms must be non-negative")
	}
	return nil
}
