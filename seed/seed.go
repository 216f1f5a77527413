// Package seed loads initial clients and resources from a YAML file.
//
// Seeding is one-time: each kind of record is only written when its store is
// still empty, so restarting the server with the same file is harmless.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pilab-dev/arch-idp/client"
	"github.com/pilab-dev/arch-idp/domain"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ClientSeed is a client definition. Secret is the plaintext secret of a
// confidential client; a precomputed client_secret_hash may be given instead.
type ClientSeed struct {
	domain.Client `yaml:",inline"`
	Secret        string `yaml:"client_secret,omitempty"`
}

// File is the seed document.
type File struct {
	Resources []*domain.Resource `yaml:"resources"`
	Clients   []*ClientSeed      `yaml:"clients"`
}

// Result reports what was written.
type Result struct {
	Resources int
	Clients   int
}

// Load reads a seed file from disk.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a seed document. Unknown fields are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}

	for i, res := range file.Resources {
		if res == nil || res.Name == "" {
			return nil, fmt.Errorf("resource #%d has no name", i)
		}
		if res.Kind != domain.ResourceKindIdentity && res.Kind != domain.ResourceKindAPI {
			return nil, fmt.Errorf("resource %s has unknown kind %q", res.Name, res.Kind)
		}
		if len(res.Scopes) == 0 {
			res.Scopes = []string{res.Name}
		}
	}

	for i, c := range file.Clients {
		if c == nil || c.ID == "" {
			return nil, fmt.Errorf("client #%d has no client_id", i)
		}
		if c.Type == "" {
			c.Type = domain.ClientTypeConfidential
		}
	}

	return &file, nil
}

// Apply writes the seed into empty stores.
func Apply(ctx context.Context, file *File,
	resources domain.ResourceRepository, clients domain.ClientRepository, svc *client.ClientService,
) (*Result, error) {
	res := &Result{}

	existing, err := resources.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	if len(existing) == 0 {
		for _, r := range file.Resources {
			if err := resources.CreateResource(ctx, r); err != nil {
				return res, fmt.Errorf("failed to seed resource %s: %w", r.Name, err)
			}
			res.Resources++
		}
	} else {
		log.Debug().Int("existing", len(existing)).Msg("resources already present, skipping seed")
	}

	registered, err := clients.ListClients(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list clients: %w", err)
	}
	if len(registered) == 0 {
		for _, c := range file.Clients {
			cl := c.Client
			if err := svc.RegisterClient(ctx, &cl, c.Secret); err != nil {
				return res, fmt.Errorf("failed to seed client %s: %w", c.ID, err)
			}
			res.Clients++
		}
	} else {
		log.Debug().Int("existing", len(registered)).Msg("clients already present, skipping seed")
	}

	log.Info().Int("resources", res.Resources).Int("clients", res.Clients).Msg("seed applied")

	return res, nil
}
