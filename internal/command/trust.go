package command

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jav/stapserve/internal/client"
)

func newTrustCommand(st *rootState) *cobra.Command {
	var (
		revoke   bool
		signer   bool
		allUsers bool
	)

	cmd := &cobra.Command{
		Use:   "trust <server>...",
		Short: "Add or revoke trust for compile servers",
		Long: `Trust contacts each server over TLS and stores the certificate it
actually presented. With --revoke the matching certificate is removed
instead. --signer manages the machine-wide module-signer store; --all-users
uses the machine-wide SSL store rather than the per-user one.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := client.New(st.cfg, st.logger)
			if err != nil {
				return err
			}
			driver.Stdout = cmd.OutOrStdout()
			driver.Stderr = cmd.ErrOrStderr()
			return driver.Trust(context.Background(), client.TrustOptions{
				Servers:  args,
				Signer:   signer,
				AllUsers: allUsers,
				Revoke:   revoke,
			})
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "revoke trust instead of adding it")
	cmd.Flags().BoolVar(&signer, "signer", false, "manage module-signer trust (machine-wide)")
	cmd.Flags().BoolVar(&allUsers, "all-users", false, "use the machine-wide SSL store")
	return cmd
}
