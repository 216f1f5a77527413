package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pilab-dev/arch-idp/client"
	"github.com/pilab-dev/arch-idp/config"
	"github.com/pilab-dev/arch-idp/internal/auth"
	"github.com/pilab-dev/arch-idp/log"
	"github.com/pilab-dev/arch-idp/seed"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file]",
		Short: "Load clients and resources into empty stores",
		Long:  "Apply a YAML seed file. Defaults to SEED_FILE. Stores that already hold records are left untouched.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			log.Setup(cfg.LogLevel, cfg.LogPretty, os.Stderr)

			path := cfg.SeedFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no seed file given and SEED_FILE is not set")
			}

			res, err := runSeed(cmd.Context(), cfg, path)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d resources and %d clients\n", res.Resources, res.Clients)

			return nil
		},
	}
}

func runSeed(ctx context.Context, cfg *config.ServerConfig, path string) (*seed.Result, error) {
	file, err := seed.Load(path)
	if err != nil {
		return nil, err
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer b.Close(context.Background())

	svc := client.NewClientService(b.clients, auth.NewBcryptSecretHasher(bcrypt.DefaultCost))

	return seed.Apply(ctx, file, b.resources, b.clients, svc)
}
