package auth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotOperator is returned when a valid admin token lacks the required group.
var ErrNotOperator = errors.New("token holder is not an operator")

// AdminJWTConfig configures bearer-token authentication for the admin API.
type AdminJWTConfig struct {
	// SigningKey is an HMAC secret, or a path to a PEM public key
	// (RSA, ECDSA, or Ed25519).
	SigningKey    string
	Issuer        string
	Audience      string
	GroupsClaim   string // default "groups"
	SubjectClaim  string // default "sub"
	RequiredGroup string // empty accepts any valid token
}

// AdminJWTAuthenticator validates operator JWTs.
type AdminJWTAuthenticator struct {
	cfg    AdminJWTConfig
	key    any
	parser *jwt.Parser
}

// NewAdminJWTAuthenticator builds an authenticator, detecting the key type
// from SigningKey.
func NewAdminJWTAuthenticator(cfg AdminJWTConfig) (*AdminJWTAuthenticator, error) {
	if cfg.SigningKey == "" {
		return nil, errors.New("jwt signing key is required")
	}
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = "groups"
	}
	if cfg.SubjectClaim == "" {
		cfg.SubjectClaim = "sub"
	}

	key, methods, err := loadJWTKey(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("load jwt signing key: %w", err)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &AdminJWTAuthenticator{cfg: cfg, key: key, parser: jwt.NewParser(opts...)}, nil
}

func loadJWTKey(input string) (any, []string, error) {
	info, err := os.Stat(input)
	if err != nil || info.IsDir() {
		return []byte(input), []string{"HS256", "HS384", "HS512"}, nil
	}
	pemBytes, err := os.ReadFile(input)
	if err != nil {
		return nil, nil, fmt.Errorf("read PEM file: %w", err)
	}
	key, kt, err := ParsePublicKey(pemBytes)
	if err != nil {
		return nil, nil, err
	}
	switch kt {
	case KeyRSA:
		return key, []string{"RS256", "RS384", "RS512"}, nil
	case KeyECDSA:
		return key, []string{"ES256", "ES384", "ES512"}, nil
	default:
		return key, []string{"EdDSA"}, nil
	}
}

// Validate verifies tokenString and returns the operator it names.
func (a *AdminJWTAuthenticator) Validate(tokenString string) (*AdminIdentity, error) {
	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}); err != nil {
		return nil, fmt.Errorf("invalid JWT: %w", err)
	}

	subject, ok := claims[a.cfg.SubjectClaim].(string)
	if !ok || subject == "" {
		return nil, fmt.Errorf("JWT missing %s claim", a.cfg.SubjectClaim)
	}

	id := &AdminIdentity{
		Subject: subject,
		Groups:  groupsFromClaim(claims[a.cfg.GroupsClaim]),
		Method:  "jwt",
	}
	if a.cfg.RequiredGroup != "" && !id.InGroup(a.cfg.RequiredGroup) {
		return nil, ErrNotOperator
	}
	return id, nil
}

// groupsFromClaim accepts a JSON array or a comma-separated string.
func groupsFromClaim(v any) []string {
	var raw []string
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(val, ",")
	}
	groups := make([]string, 0, len(raw))
	for _, g := range raw {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		return nil
	}
	return slices.Compact(groups)
}
