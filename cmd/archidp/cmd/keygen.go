package cmd

import (
	"fmt"
	"os"

	idpcrypto "github.com/pilab-dev/arch-idp/internal/crypto"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var (
		alg   string
		out   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a PEM encoded signing key",
		Long:  "Generate a private key for SIGNING_KEY_FILE. Without --out the key is written to stdout.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := idpcrypto.GenerateKey(alg)
			if err != nil {
				return err
			}

			pemBytes, err := idpcrypto.EncodePrivateKeyPEM(key)
			if err != nil {
				return err
			}

			if out == "" {
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			}

			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}

			f, err := os.OpenFile(out, flags, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create key file: %w", err)
			}
			defer f.Close()

			if _, err := f.Write(pemBytes); err != nil {
				return fmt.Errorf("failed to write key file: %w", err)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "%s key written to %s\n", alg, out)

			return nil
		},
	}

	cmd.Flags().StringVar(&alg, "alg", idpcrypto.RS256, "key algorithm (RS256 or ES256)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	return cmd
}
