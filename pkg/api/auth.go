package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mnemos-ai/mnemos/pkg/config"
	"github.com/mnemos-ai/mnemos/pkg/models"
)

// ErrInvalidCredential is returned for credentials that are malformed,
// carry a bad signature, or have expired.
var ErrInvalidCredential = errors.New("invalid credential")

// ScopeResolver turns an opaque credential into a retrieval scope. A
// resolver may legitimately return an empty scope: the session is then
// authenticated-anonymous and every scoped store call returns nothing.
type ScopeResolver interface {
	Resolve(ctx context.Context, credential string) (models.Scope, error)
}

// credentialClaims is the signed payload inside an HMAC credential.
type credentialClaims struct {
	UserID      *string  `json:"user_id,omitempty"`
	TenantID    *string  `json:"tenant_id,omitempty"`
	Departments []string `json:"departments,omitempty"`
	Role        string   `json:"role,omitempty"`
	IssuedAt    int64    `json:"issued_at"`
}

// HMACResolver verifies HMAC-SHA256 signed credentials issued by an
// external auth handoff. Credential format: base64url(claims) "." base64url(mac).
type HMACResolver struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewHMACResolver builds the default resolver from auth configuration.
func NewHMACResolver(cfg *config.AuthConfig) *HMACResolver {
	return &HMACResolver{
		secret: []byte(cfg.Secret),
		ttl:    cfg.CredentialTTL.Std(),
		now:    time.Now,
	}
}

// Resolve verifies the credential signature and TTL and returns the
// embedded scope.
func (r *HMACResolver) Resolve(_ context.Context, credential string) (models.Scope, error) {
	payload, mac, ok := strings.Cut(credential, ".")
	if !ok {
		return models.Scope{}, ErrInvalidCredential
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return models.Scope{}, ErrInvalidCredential
	}
	macBytes, err := base64.RawURLEncoding.DecodeString(mac)
	if err != nil {
		return models.Scope{}, ErrInvalidCredential
	}
	if !hmac.Equal(macBytes, sign(r.secret, payloadBytes)) {
		return models.Scope{}, ErrInvalidCredential
	}

	var claims credentialClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return models.Scope{}, ErrInvalidCredential
	}
	if r.ttl > 0 {
		issued := time.Unix(claims.IssuedAt, 0)
		if r.now().Sub(issued) > r.ttl {
			return models.Scope{}, fmt.Errorf("%w: expired", ErrInvalidCredential)
		}
	}

	return models.Scope{
		UserID:             claims.UserID,
		TenantID:           claims.TenantID,
		AllowedDepartments: claims.Departments,
		Role:               claims.Role,
	}, nil
}

// SignCredential issues a credential for the given scope. Used by the
// external auth handoff and by tests.
func SignCredential(secret []byte, scope models.Scope, issuedAt time.Time) string {
	claims := credentialClaims{
		UserID:      scope.UserID,
		TenantID:    scope.TenantID,
		Departments: scope.AllowedDepartments,
		Role:        scope.Role,
		IssuedAt:    issuedAt.Unix(),
	}
	payload, _ := json.Marshal(claims)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(sign(secret, payload))
}

func sign(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// StaticResolver maps fixed credentials to scopes. Test use only.
type StaticResolver map[string]models.Scope

func (r StaticResolver) Resolve(_ context.Context, credential string) (models.Scope, error) {
	scope, ok := r[credential]
	if !ok {
		return models.Scope{}, ErrInvalidCredential
	}
	return scope, nil
}
