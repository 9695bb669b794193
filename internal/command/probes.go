package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/resolver"
	"github.com/jav/stapserve/internal/tapset"
)

func newProbesCommand(st *rootState) *cobra.Command {
	var privilege string

	cmd := &cobra.Command{
		Use:   "probes",
		Short: "Inspect the probe-point pattern trie",
	}
	cmd.PersistentFlags().StringVar(&privilege, "privilege", "stapdev",
		"session privilege: stapdev, stapsys, stapusr")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the probe points available at a privilege level",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess := resolver.NewSession(protocol.ParsePrivilege(privilege), st.logger)
			var listing []string
			tapset.NewRoot().Dump(sess, "", &listing)
			for _, line := range listing {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <probe-point>...",
		Short: "Resolve probe points against the built-in trie",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := tapset.NewRoot()
			sess := resolver.NewSession(protocol.ParsePrivilege(privilege), st.logger)

			probe := &resolver.Probe{}
			for _, arg := range args {
				pp, err := resolver.ParseProbePoint(arg)
				if err != nil {
					return err
				}
				probe.Locations = append(probe.Locations, pp)
			}

			var derived []*resolver.DerivedProbe
			if err := resolver.DeriveProbes(sess, root, probe, &derived, false); err != nil {
				return err
			}
			for _, dp := range derived {
				fmt.Fprintln(cmd.OutOrStdout(), dp.Point.String())
			}
			return nil
		},
	}

	cmd.AddCommand(list, resolve)
	return cmd
}
