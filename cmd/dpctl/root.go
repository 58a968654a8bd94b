package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// usageError marks errors caused by bad input; everything else is a system
// error.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUserError
	}
	return exitSysError
}

// runFunc is a subcommand body. It gets a fully built app.
type runFunc func(cmd *cobra.Command, a *app, args []string) error

// withApp builds the app from the merged configuration, runs fn and tears
// the app down whether or not fn succeeded.
func withApp(fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() {
			// teardown runs even after SIGINT cancelled the command
			ctx := context.WithoutCancel(cmd.Context())
			if cerr := a.close(ctx, cmd.OutOrStdout()); err == nil {
				err = cerr
			}
		}()
		return fn(cmd, a, args)
	}
}

// newRootCmd builds the command tree with output going to out.
func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "dpctl",
		Short: "Read and write admin resources through a cached DataProvider",
		Long: `dpctl reads resources through the caching proxy and writes them through
the mutation pipeline.

Configuration comes from flags, DPCTL_* environment variables and an
optional dpctl.yaml, in that order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	addConfigFlags(root.PersistentFlags())

	root.AddCommand(
		newVersionCmd(),
		newListCmd(),
		newGetCmd(),
		newManyCmd(),
		newRefsCmd(),
		newCreateCmd(),
		newUpdateCmd(),
		newDeleteCmd(),
	)
	return root
}

const version = "0.1.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "dpctl", version)
		},
	}
}
