// Package command wires the stapserve CLI: thin cobra commands over the
// internal client, server, trust and resolver packages.
package command

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jav/stapserve/internal/config"
	"github.com/jav/stapserve/internal/logutil"
)

// rootState carries what every subcommand needs: the loaded config and the
// logger, resolved once in the persistent pre-run.
type rootState struct {
	cfg    *config.Config
	logger *slog.Logger

	// flag storage
	configPath     string
	logLevel       string
	port           int
	certDir        string
	stapCommand    string
	servers        []string
	trustBootstrap string
	cacheDir       string
	cacheDisabled  bool
	noDiscovery    bool
	browseTimeout  int
}

// NewRoot builds the stapserve command tree.
func NewRoot() *cobra.Command {
	st := &rootState{}

	root := &cobra.Command{
		Use:           "stapserve",
		Short:         "Distributed compile server and client for tracing scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&st.configPath, "config", "", "path to TOML config file")
	pf.StringVar(&st.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringSliceVar(&st.servers, "use-server", nil, "explicit server specification (host, host:port, addr:port)")
	pf.StringVar(&st.trustBootstrap, "trust-bootstrap", "", "untrusted certificate policy: none, session, always")
	pf.StringVar(&st.cacheDir, "cache-dir", "", "artifact cache directory")
	pf.BoolVar(&st.cacheDisabled, "no-cache", false, "disable the artifact cache")
	pf.BoolVar(&st.noDiscovery, "no-discovery", false, "disable zero-configuration discovery")
	pf.IntVar(&st.browseTimeout, "browse-timeout-ms", 0, "discovery browse window in milliseconds")

	root.AddCommand(
		newServeCommand(st),
		newCompileCommand(st),
		newServersCommand(st),
		newTrustCommand(st),
		newProbesCommand(st),
	)
	return root
}

func (st *rootState) load(cmd *cobra.Command) error {
	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	overrides := config.FlagOverrides{}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		overrides.LoggingLevel = &st.logLevel
	}
	if flags.Changed("use-server") {
		overrides.Servers = &st.servers
	}
	if flags.Changed("trust-bootstrap") {
		overrides.TrustBootstrap = &st.trustBootstrap
	}
	if flags.Changed("cache-dir") {
		overrides.CacheDir = &st.cacheDir
	}
	if flags.Changed("no-cache") {
		overrides.CacheDisabled = &st.cacheDisabled
	}
	if flags.Changed("no-discovery") {
		enabled := !st.noDiscovery
		overrides.DiscoveryEnabled = &enabled
	}
	if flags.Changed("browse-timeout-ms") {
		overrides.BrowseTimeoutMS = &st.browseTimeout
	}
	if flags.Changed("port") {
		overrides.Port = &st.port
	}
	if flags.Changed("cert-dir") {
		overrides.CertDir = &st.certDir
	}
	if flags.Changed("stap") {
		overrides.StapCommand = &st.stapCommand
	}

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath:    st.configPath,
		FlagOverrides: overrides,
		Logger:        bootstrapLogger,
	})
	if err != nil {
		return err
	}

	st.cfg = cfg
	st.logger = logutil.New(os.Stderr, cfg.Logging.Level)
	return nil
}
