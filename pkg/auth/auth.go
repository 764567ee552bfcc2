package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tacedge/tacedge/pkg/config"
	"github.com/tacedge/tacedge/pkg/types"
)

const (
	issuer   = "tacedge-gateway"
	audience = "tacedge-services"
)

// Permission names gate individual API operations. Submission and
// acknowledgment share message:send; reading content additionally requires
// the token's classification ceiling to cover the message.
const (
	PermMessageSend = "message:send"
	PermMessageRead = "message:read"
	PermNodeStatus  = "node:status"
	PermAuditRead   = "audit:read"
)

// rolePermissions maps each role to the permissions its tokens carry.
var rolePermissions = map[string][]string{
	"operator": {
		PermMessageSend, PermMessageRead, PermNodeStatus,
	},
	"supervisor": {
		PermMessageSend, PermMessageRead, PermNodeStatus, PermAuditRead,
	},
	"admin": {
		PermMessageSend, PermMessageRead, PermNodeStatus, PermAuditRead,
	},
	"service": {
		PermMessageSend, PermMessageRead, PermNodeStatus,
	},
}

// ValidRole reports whether the role is in the catalog.
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// PermissionsFor returns the permission set of a role.
func PermissionsFor(role string) []string {
	perms := rolePermissions[role]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// Claims is the token payload. Permissions are materialized at issue time
// so verification never consults the role catalog.
type Claims struct {
	jwt.RegisteredClaims
	Role                string   `json:"role"`
	Permissions         []string `json:"permissions"`
	NodeID              string   `json:"node_id"`
	ClassificationLevel string   `json:"classification_level"`
}

// Has reports whether the token carries the permission.
func (c *Claims) Has(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Ceiling returns the highest classification the token may read content at.
func (c *Claims) Ceiling() types.Classification {
	cl := types.Classification(c.ClassificationLevel)
	if !cl.Valid() {
		return types.ClassificationUnclassified
	}
	return cl
}

// Verification failure reasons, recorded in audit events and metrics.
const (
	ReasonMissing   = "missing_token"
	ReasonMalformed = "malformed_token"
	ReasonExpired   = "expired_token"
	ReasonSignature = "invalid_signature"
	ReasonClaims    = "invalid_claims"
)

// VerifyError carries the rejection reason alongside the underlying error.
type VerifyError struct {
	Reason string
	Err    error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("token rejected (%s): %v", e.Reason, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	signingKey []byte
	tokenTTL   time.Duration
	clockSkew  time.Duration
}

// New creates an authenticator from config.
func New(cfg config.AuthConfig) (*Authenticator, error) {
	if cfg.TokenSigningKey == "" {
		return nil, fmt.Errorf("token signing key cannot be empty")
	}
	return &Authenticator{
		signingKey: []byte(cfg.TokenSigningKey),
		tokenTTL:   cfg.TokenTTL(),
		clockSkew:  cfg.ClockSkew(),
	}, nil
}

// Issue signs a token for the subject with the role's permission set.
func (a *Authenticator) Issue(subject, role, nodeID string, classification types.Classification) (string, *Claims, error) {
	if subject == "" {
		return "", nil, fmt.Errorf("token subject cannot be empty")
	}
	if !ValidRole(role) {
		return "", nil, fmt.Errorf("unknown role: %s", role)
	}
	if !classification.Valid() {
		return "", nil, fmt.Errorf("unknown classification: %s", classification)
	}

	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Role:                role,
		Permissions:         PermissionsFor(role),
		NodeID:              nodeID,
		ClassificationLevel: string(classification),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a bearer token, tolerating the configured
// clock skew on the time-based claims.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, &VerifyError{Reason: ReasonMissing, Err: errors.New("no token provided")}
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return a.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithLeeway(a.clockSkew),
	)
	if err != nil {
		return nil, &VerifyError{Reason: reasonFor(err), Err: err}
	}
	if claims.Subject == "" || !ValidRole(claims.Role) {
		return nil, &VerifyError{Reason: ReasonClaims, Err: errors.New("missing subject or unknown role")}
	}
	return claims, nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return ReasonClaims
	default:
		return ReasonMalformed
	}
}

// TokenTTL returns the configured lifetime of issued tokens.
func (a *Authenticator) TokenTTL() time.Duration {
	return a.tokenTTL
}
