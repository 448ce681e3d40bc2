package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/careforge/healthlink/internal/healthctl"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "healthctl",
		Short:         "Sign in to the healthlink platform and inspect the connection state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		runCmd("auth", "Authenticate, provisioning the application on first use",
			(*healthctl.App).Authenticate),
		runCmd("person", "Show the authenticated person and authorized records",
			(*healthctl.App).ShowPerson),
		runCmd("signout", "Delete the cached session credential and person profile",
			(*healthctl.App).SignOut),
	)
	return root
}

func runCmd(use, short string, run func(*healthctl.App, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := healthctl.New(healthctl.LoadConfig(), cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer app.Close()
			return run(app, cmd.Context())
		},
	}
}
