package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

// Key ids placed in the JWT header.
const (
	KeyAccess        = "access"
	KeyImpersonation = "impersonation"
)

// Keys holds the HMAC keys derived from the configured secret.
type Keys struct {
	Access        []byte
	Impersonation []byte
}

// DeriveKeys expands secret into one key per token kind.
func DeriveKeys(secret string) (Keys, error) {
	if len(secret) < 16 {
		return Keys{}, errors.New("auth: secret must be at least 16 bytes")
	}
	access, err := expand(secret, "odyssey-pharmacy/"+KeyAccess)
	if err != nil {
		return Keys{}, err
	}
	imp, err := expand(secret, "odyssey-pharmacy/"+KeyImpersonation)
	if err != nil {
		return Keys{}, err
	}
	return Keys{Access: access, Impersonation: imp}, nil
}

func expand(secret, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("auth: derive key: %w", err)
	}
	return key, nil
}

// RevocationChecker reports hard-revoked token ids.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Verifier validates bearer tokens and decodes their claims.
type Verifier struct {
	keys        Keys
	issuer      string
	revocations RevocationChecker
	now         func() time.Time
}

// NewVerifier builds a Verifier. revocations may be nil.
func NewVerifier(keys Keys, issuer string, revocations RevocationChecker) *Verifier {
	return &Verifier{keys: keys, issuer: issuer, revocations: revocations, now: time.Now}
}

// Verify checks signature, expiry and revocation of raw and returns its claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (ClaimSet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ClaimSet{}, shared.ErrAuthenticationMissing
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(raw, v.keyFor, opts...)
	if err != nil || !token.Valid {
		return ClaimSet{}, fmt.Errorf("%w: invalid token", shared.ErrAuthenticationMissing)
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ClaimSet{}, fmt.Errorf("%w: unexpected claims", shared.ErrAuthenticationMissing)
	}
	cs, err := ParseClaims(mapClaims)
	if err != nil {
		return ClaimSet{}, err
	}
	kid, _ := token.Header["kid"].(string)
	if _, imp := cs.Impersonation(); imp != (kid == KeyImpersonation) {
		return ClaimSet{}, fmt.Errorf("%w: token kind mismatch", shared.ErrAuthenticationMissing)
	}
	if v.revocations != nil && cs.TokenID() != "" {
		revoked, err := v.revocations.IsRevoked(ctx, cs.TokenID())
		if err != nil {
			return ClaimSet{}, fmt.Errorf("auth: revocation lookup: %w", err)
		}
		if revoked {
			return ClaimSet{}, fmt.Errorf("%w: token revoked", shared.ErrAuthenticationMissing)
		}
	}
	return cs, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	switch kid {
	case "", KeyAccess:
		return v.keys.Access, nil
	case KeyImpersonation:
		return v.keys.Impersonation, nil
	default:
		return nil, fmt.Errorf("auth: unknown key id %q", kid)
	}
}

// AccessGrant describes a regular access token.
type AccessGrant struct {
	UserID    int64
	TenantID  int64
	Role      rbac.Role
	BranchIDs []int64
	Email     string
	TTL       time.Duration
}

// ImpersonationGrant describes an acting-as token. The subject is the target.
type ImpersonationGrant struct {
	SessionID     uuid.UUID
	AdminID       int64
	AdminTenantID int64
	AdminEmail    string
	TargetID      int64
	TargetTenant  int64
	TargetRole    rbac.Role
	TargetEmail   string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// Issuer signs tokens.
type Issuer struct {
	keys   Keys
	issuer string
	now    func() time.Time
}

// NewIssuer builds an Issuer.
func NewIssuer(keys Keys, issuer string) *Issuer {
	return &Issuer{keys: keys, issuer: issuer, now: time.Now}
}

// IssueAccess signs a regular access token.
func (i *Issuer) IssueAccess(g AccessGrant) (string, error) {
	if !g.Role.Valid() {
		return "", fmt.Errorf("auth: invalid role %v", g.Role)
	}
	if g.TTL <= 0 {
		g.TTL = time.Hour
	}
	now := i.now().UTC()
	claims := i.baseClaims(g.UserID, g.TenantID, g.Role, g.Email, now, now.Add(g.TTL))
	claims[ClaimTokenID] = uuid.NewString()
	if len(g.BranchIDs) > 0 {
		ids := make([]string, 0, len(g.BranchIDs))
		for _, id := range g.BranchIDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		claims[ClaimBranchID] = strings.Join(ids, ",")
	}
	return i.sign(KeyAccess, i.keys.Access, claims)
}

// IssueImpersonation signs an acting-as token whose jti is the session id.
func (i *Issuer) IssueImpersonation(g ImpersonationGrant) (string, error) {
	if g.SessionID == uuid.Nil {
		return "", errors.New("auth: impersonation session id required")
	}
	if !g.ExpiresAt.After(g.IssuedAt) {
		return "", errors.New("auth: impersonation token must expire after issue")
	}
	claims := i.baseClaims(g.TargetID, g.TargetTenant, g.TargetRole, g.TargetEmail, g.IssuedAt.UTC(), g.ExpiresAt.UTC())
	claims[ClaimTokenID] = g.SessionID.String()
	claims[ClaimSessionID] = g.SessionID.String()
	claims[ClaimImpersonatorID] = strconv.FormatInt(g.AdminID, 10)
	claims[ClaimImpersonatorTen] = strconv.FormatInt(g.AdminTenantID, 10)
	claims[ClaimImpersonatorMail] = g.AdminEmail
	claims[ClaimIsImpersonating] = "true"
	return i.sign(KeyImpersonation, i.keys.Impersonation, claims)
}

func (i *Issuer) baseClaims(userID, tenantID int64, role rbac.Role, email string, iat, exp time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{
		ClaimSubject:   strconv.FormatInt(userID, 10),
		ClaimNameID:    strconv.FormatInt(userID, 10),
		ClaimTenantID:  strconv.FormatInt(tenantID, 10),
		ClaimRole:      role.String(),
		ClaimIssuedAt:  iat.Unix(),
		ClaimExpiresAt: exp.Unix(),
	}
	if email != "" {
		claims[ClaimEmail] = email
	}
	if i.issuer != "" {
		claims["iss"] = i.issuer
	}
	return claims
}

func (i *Issuer) sign(kid string, key []byte, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
