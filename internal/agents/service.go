// Package agents manages registered agents: their credentials (sealed at
// rest), scopes, and refund capability. Service doubles as the backing
// auth.AgentRegistry for the request pipeline.
package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/hatemosphere/agentic-gateway/internal/auth"
	"github.com/hatemosphere/agentic-gateway/internal/secrets"
	"github.com/hatemosphere/agentic-gateway/internal/storage"
)

var (
	// ErrInvalidAgent is returned for malformed create/update input.
	ErrInvalidAgent = errors.New("invalid agent")
	// ErrExists is returned when creating an agent whose ID is taken.
	ErrExists = errors.New("agent already exists")
	// ErrNotFound is returned for unknown agent IDs.
	ErrNotFound = errors.New("agent not found")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Store is the subset of storage.Store the service uses.
type Store interface {
	CreateAgent(ctx context.Context, a *storage.Agent) error
	GetAgent(ctx context.Context, id string) (*storage.Agent, error)
	UpdateAgent(ctx context.Context, a *storage.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]storage.Agent, error)
}

// Agent is the non-secret view of an agent returned to operators.
type Agent struct {
	ID               string
	KeyType          auth.KeyType
	CredentialPrefix string
	Scopes           []string
	CanRefund        bool
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateInput registers an agent. For HMAC agents an empty Secret asks the
// service to generate one. For public-key agents PublicKey holds the PEM.
type CreateInput struct {
	ID        string
	KeyType   auth.KeyType
	Secret    string
	PublicKey string
	Scopes    []string
	CanRefund bool
	Active    bool
}

// UpdateInput changes an agent's grants. Nil fields are left unchanged.
type UpdateInput struct {
	Scopes    *[]string
	CanRefund *bool
	Active    *bool
}

// Service manages agents.
type Service struct {
	store Store
	vault *secrets.Vault
	// onChange is called with the agent ID after every mutation so caches
	// can drop stale snapshots.
	onChange func(agentID string)
}

// NewService returns a Service that seals credentials with vault.
func NewService(store Store, vault *secrets.Vault) *Service {
	return &Service{store: store, vault: vault}
}

// OnChange registers a callback run after an agent is modified.
func (s *Service) OnChange(fn func(agentID string)) {
	s.onChange = fn
}

func (s *Service) changed(id string) {
	if s.onChange != nil {
		s.onChange(id)
	}
}

// Lookup implements auth.AgentRegistry.
func (s *Service) Lookup(ctx context.Context, agentID string) (auth.Agent, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return auth.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	if a == nil {
		return auth.Agent{}, auth.ErrAgentNotFound
	}
	material, err := s.vault.Open(ctx, a.WrappedKey, a.Credential)
	if err != nil {
		return auth.Agent{}, fmt.Errorf("open credential for agent %s: %w", agentID, err)
	}
	cred, err := auth.NewCredential(auth.KeyType(a.KeyType), material)
	if err != nil {
		return auth.Agent{}, fmt.Errorf("load credential for agent %s: %w", agentID, err)
	}
	return auth.Agent{
		ID:         a.ID,
		Credential: cred,
		Active:     a.Active,
		Scopes:     slices.Clone(a.Scopes),
		CanRefund:  a.CanRefund,
	}, nil
}

// Create registers a new agent. The returned secret is non-empty only when
// the service generated it; it is never retrievable again.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Agent, string, error) {
	if !idPattern.MatchString(in.ID) {
		return nil, "", fmt.Errorf("%w: id must be 1-64 characters of letters, digits, '.', '_' or '-'", ErrInvalidAgent)
	}
	if in.KeyType == "" {
		in.KeyType = auth.KeyHMAC
	}
	material, generated, err := credentialMaterial(in.KeyType, in.Secret, in.PublicKey)
	if err != nil {
		return nil, "", err
	}

	rec := &storage.Agent{
		ID:        in.ID,
		KeyType:   string(in.KeyType),
		Scopes:    normalizeScopes(in.Scopes),
		CanRefund: in.CanRefund,
		Active:    in.Active,
	}
	if err := s.seal(ctx, rec, in.KeyType, material); err != nil {
		return nil, "", err
	}
	if err := s.store.CreateAgent(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, "", ErrExists
		}
		return nil, "", fmt.Errorf("create agent: %w", err)
	}
	s.changed(in.ID)
	return view(rec), generated, nil
}

// Get returns one agent.
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	rec, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return view(rec), nil
}

// List returns every agent with credentials masked.
func (s *Service) List(ctx context.Context) ([]Agent, error) {
	recs, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]Agent, 0, len(recs))
	for i := range recs {
		out = append(out, *view(&recs[i]))
	}
	return out, nil
}

// Update changes an agent's scopes, refund capability, or active flag.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*Agent, error) {
	rec, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if in.Scopes != nil {
		rec.Scopes = normalizeScopes(*in.Scopes)
	}
	if in.CanRefund != nil {
		rec.CanRefund = *in.CanRefund
	}
	if in.Active != nil {
		rec.Active = *in.Active
	}
	if err := s.store.UpdateAgent(ctx, rec); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	s.changed(id)
	return view(rec), nil
}

// Rotate replaces an agent's credential. HMAC agents get a fresh generated
// secret unless one is supplied; public-key agents must supply a new PEM.
func (s *Service) Rotate(ctx context.Context, id, secret, publicKey string) (*Agent, string, error) {
	rec, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("get agent: %w", err)
	}
	if rec == nil {
		return nil, "", ErrNotFound
	}
	keyType := auth.KeyType(rec.KeyType)
	if publicKey != "" && keyType == auth.KeyHMAC {
		return nil, "", fmt.Errorf("%w: HMAC agents rotate secrets, not public keys", ErrInvalidAgent)
	}
	material, generated, err := credentialMaterial(keyType, secret, publicKey)
	if err != nil {
		return nil, "", err
	}
	if err := s.seal(ctx, rec, keyType, material); err != nil {
		return nil, "", err
	}
	if err := s.store.UpdateAgent(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("update agent: %w", err)
	}
	s.changed(id)
	return view(rec), generated, nil
}

// Delete removes an agent.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteAgent(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete agent: %w", err)
	}
	s.changed(id)
	return nil
}

func (s *Service) seal(ctx context.Context, rec *storage.Agent, keyType auth.KeyType, material []byte) error {
	wrapped, sealed, err := s.vault.Seal(ctx, material)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	rec.WrappedKey = wrapped
	rec.Credential = sealed
	rec.CredentialPrefix = credentialPrefix(keyType, material)
	return nil
}

// credentialMaterial validates the supplied credential and returns the bytes
// to seal, plus the secret when one was generated here.
func credentialMaterial(keyType auth.KeyType, secret, publicKey string) ([]byte, string, error) {
	switch keyType {
	case auth.KeyHMAC:
		if publicKey != "" {
			return nil, "", fmt.Errorf("%w: public_key is not used by HMAC agents", ErrInvalidAgent)
		}
		generated := ""
		if secret == "" {
			var err error
			if secret, err = auth.GenerateSecret(); err != nil {
				return nil, "", err
			}
			generated = secret
		}
		return []byte(secret), generated, nil
	case auth.KeyRSA, auth.KeyECDSA, auth.KeyEd25519:
		if secret != "" {
			return nil, "", fmt.Errorf("%w: secret is not used by %s agents", ErrInvalidAgent, keyType)
		}
		if publicKey == "" {
			return nil, "", fmt.Errorf("%w: public_key is required for %s agents", ErrInvalidAgent, keyType)
		}
		if _, err := auth.NewCredential(keyType, []byte(publicKey)); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidAgent, err)
		}
		return []byte(publicKey), "", nil
	default:
		return nil, "", fmt.Errorf("%w: unknown key type %q", ErrInvalidAgent, keyType)
	}
}

// credentialPrefix is what listings show: a masked secret, or a short key
// fingerprint for public keys.
func credentialPrefix(keyType auth.KeyType, material []byte) string {
	if keyType == auth.KeyHMAC {
		return auth.MaskSecret(string(material))
	}
	sum := sha256.Sum256(material)
	return "sha256:" + hex.EncodeToString(sum[:6])
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func view(rec *storage.Agent) *Agent {
	return &Agent{
		ID:               rec.ID,
		KeyType:          auth.KeyType(rec.KeyType),
		CredentialPrefix: rec.CredentialPrefix,
		Scopes:           slices.Clone(rec.Scopes),
		CanRefund:        rec.CanRefund,
		Active:           rec.Active,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}
