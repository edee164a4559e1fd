// Package cli wires the espctl commands to the ESP client, the scanners and the optional sinks.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"espctl/pkg/telemetry"
)

// skipCredentials marks commands that never talk to the ESP server.
const skipCredentials = "espctl/skip-credentials"

// Execute runs espctl with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil {
		a.log().WithError(cerr).Warn("shutdown")
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "espctl",
		Short:         "Admin tooling for the ESP endpoint security platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		Annotations:   map[string]string{skipCredentials: "true"},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			a.settings = loadSettings(v)

			shutdown, logger, err := telemetry.Init(cmd.Context(), telemetry.Options{
				Service: "espctl",
				Level:   a.settings.LogLevel,
				Format:  a.settings.LogFormat,
				Out:     a.stderr,
			})
			if err != nil {
				return err
			}
			a.shutdown, a.logger = shutdown, logger
			a.metrics = telemetry.NewMetrics()

			if _, ok := cmd.Annotations[skipCredentials]; ok {
				return nil
			}
			return a.settings.checkCredentials()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	addPersistentFlags(cmd.PersistentFlags())

	cmd.AddCommand(newPrefetchCommand(a))
	cmd.AddCommand(newProgramsCommand(a))
	cmd.AddCommand(newCVECommand(a))
	cmd.AddCommand(newQueryCommand(a))
	cmd.AddCommand(newCarvesCommand(a))
	cmd.AddCommand(newRunsCommand(a))
	return cmd
}
