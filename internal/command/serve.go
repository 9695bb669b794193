package command

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jav/stapserve/internal/server"
)

func newServeCommand(st *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the compile-server daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			daemon, err := server.New(st.cfg, st.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st.logger.Info("compile server starting",
				"config", st.cfg.Redacted())
			return daemon.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&st.port, "port", 0, "listen port (0 selects one)")
	cmd.Flags().StringVar(&st.certDir, "cert-dir", "", "server certificate directory")
	cmd.Flags().StringVar(&st.stapCommand, "stap", "", "compiler executable to spawn")
	return cmd
}
