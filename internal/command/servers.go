package command

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jav/stapserve/internal/client"
)

func newServersCommand(st *rootState) *cobra.Command {
	var properties []string

	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List compile servers",
		Long: `Servers enumerates compile servers by property. Properties filter in
sequence: online (discovered on the local network), trusted (in an SSL trust
store), compatible (matching this host's kernel and architecture), signer
(trusted module signers), specified (--use-server arguments), all.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := client.New(st.cfg, st.logger)
			if err != nil {
				return err
			}
			servers, err := driver.ListServers(context.Background(), properties)
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No servers found.")
				return nil
			}
			for _, s := range servers {
				fmt.Fprintln(cmd.OutOrStdout(), " ", s.String())
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&properties, "properties", nil,
		"filters: all, specified, online, trusted, compatible, signer")
	return cmd
}
