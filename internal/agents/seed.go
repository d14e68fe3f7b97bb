package agents

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hatemosphere/agentic-gateway/internal/auth"
)

// SeedFile lists agents to provision at startup:
//
//	agents:
//	  - id: agent_42
//	    secret_env: AGENT_42_SECRET
//	    scopes: [orders:*, catalog:read]
//	    can_refund: true
//	  - id: partner_bot
//	    key_type: ed25519
//	    public_key_file: /etc/agentic-gateway/partner_bot.pem
//	    scopes: [catalog]
type SeedFile struct {
	Agents []SeedAgent `yaml:"agents"`
}

// SeedAgent is one agent entry in a seed file. Exactly one credential
// source is expected for the key type.
type SeedAgent struct {
	ID            string   `yaml:"id"`
	KeyType       string   `yaml:"key_type"`
	Secret        string   `yaml:"secret"`
	SecretEnv     string   `yaml:"secret_env"`
	PublicKey     string   `yaml:"public_key"`
	PublicKeyFile string   `yaml:"public_key_file"`
	Scopes        []string `yaml:"scopes"`
	CanRefund     bool     `yaml:"can_refund"`
	Active        *bool    `yaml:"active"`
}

// LoadSeedFile parses a seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	return &f, nil
}

// Seed creates agents from f that do not exist yet. Existing agents are left
// alone so credentials rotated through the admin API survive restarts.
// It returns the number of agents created.
func (s *Service) Seed(ctx context.Context, f *SeedFile) (int, error) {
	created := 0
	for i, sa := range f.Agents {
		existing, err := s.store.GetAgent(ctx, sa.ID)
		if err != nil {
			return created, fmt.Errorf("seed agent %d: %w", i, err)
		}
		if existing != nil {
			continue
		}

		in := CreateInput{
			ID:        sa.ID,
			KeyType:   auth.KeyType(sa.KeyType),
			Secret:    sa.Secret,
			PublicKey: sa.PublicKey,
			Scopes:    sa.Scopes,
			CanRefund: sa.CanRefund,
			Active:    sa.Active == nil || *sa.Active,
		}
		if sa.SecretEnv != "" {
			in.Secret = os.Getenv(sa.SecretEnv)
			if in.Secret == "" {
				return created, fmt.Errorf("seed agent %q: environment variable %s is empty", sa.ID, sa.SecretEnv)
			}
		}
		if sa.PublicKeyFile != "" {
			pemBytes, err := os.ReadFile(sa.PublicKeyFile)
			if err != nil {
				return created, fmt.Errorf("seed agent %q: %w", sa.ID, err)
			}
			in.PublicKey = string(pemBytes)
		}
		if in.KeyType == "" && in.PublicKey != "" {
			_, kt, err := auth.ParsePublicKey([]byte(in.PublicKey))
			if err != nil {
				return created, fmt.Errorf("seed agent %q: %w", sa.ID, err)
			}
			in.KeyType = kt
		}

		_, generated, err := s.Create(ctx, in)
		if err != nil {
			return created, fmt.Errorf("seed agent %q: %w", sa.ID, err)
		}
		if generated != "" {
			// Only way an operator ever sees a secret generated at seed time.
			slog.Warn("generated secret for seeded agent; store it now, it will not be shown again", //nolint:gosec // operator bootstrap output
				"agent_id", sa.ID, "secret", generated)
		}
		created++
	}
	return created, nil
}
