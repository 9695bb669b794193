package command

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jav/stapserve/internal/client"
)

// exitCodeError smuggles a specific process exit status out through cobra.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return "compile failed"
}

// ExitCode extracts the process exit status for a command error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if ec, ok := err.(*exitCodeError); ok {
		return ec.code
	}
	return 1
}

func newCompileCommand(st *rootState) *cobra.Command {
	var (
		saveTo      string
		includeDirs []string
	)

	cmd := &cobra.Command{
		Use:   "compile [flags] <script> [-- compiler args...]",
		Short: "Compile a script on a remote server",
		Long: `Compile packages the script and its arguments, selects a trusted
compatible server (discovered or given with --use-server), ships the request
over TLS and applies the response locally. A previously compiled identical
request is served from the artifact cache without contacting any server.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := client.New(st.cfg, st.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if saveTo == "" && st.cfg.Client.SaveArtifacts {
				saveTo, _ = os.Getwd()
			}

			rc, err := driver.Compile(ctx, client.CompileOptions{
				ScriptPath:   args[0],
				Args:         args[1:],
				IncludeDirs:  includeDirs,
				SaveModuleTo: saveTo,
			})
			if err != nil {
				return &exitCodeError{code: rc, err: err}
			}
			if rc != 0 {
				return &exitCodeError{code: rc}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&saveTo, "save-to", "", "directory to copy the compiled module into")
	cmd.Flags().StringSliceVarP(&includeDirs, "include", "I", nil,
		"extra script search paths, packaged with the request")
	return cmd
}
