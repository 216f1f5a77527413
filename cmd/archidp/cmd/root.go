// Package cmd implements the archidp command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "archidp"

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "archidp is an OAuth2 and OpenID Connect authorization server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is $HOME/.%s/config.yaml)", "arch-idp"))

	root.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newHashSecretCmd(),
		newSeedCmd(),
	)

	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
