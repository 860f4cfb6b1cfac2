package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

// Claim names produced by the authentication layer.
const (
	ClaimSubject          = "sub"
	ClaimNameID           = "nameid"
	ClaimNameIdentifier   = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"
	ClaimRole             = "role"
	ClaimRoleURI          = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"
	ClaimTenantID         = "TenantId"
	ClaimTenantIDLower    = "tenantId"
	ClaimBranchID         = "BranchId"
	ClaimEmail            = "email"
	ClaimIssuedAt         = "iat"
	ClaimExpiresAt        = "exp"
	ClaimTokenID          = "jti"
	ClaimImpersonatorID   = "impersonator_id"
	ClaimImpersonatorTen  = "impersonator_tenant_id"
	ClaimImpersonatorMail = "impersonator_email"
	ClaimSessionID        = "impersonation_session_id"
	ClaimIsImpersonating  = "IsImpersonating"
)

// ImpersonationClaims identifies the admin driving an impersonation token.
type ImpersonationClaims struct {
	SessionID     uuid.UUID
	AdminID       int64
	AdminTenantID int64
	AdminEmail    string
}

// ClaimSet is the decoded identity of a request. It has no setters; values
// are fixed once ParseClaims returns.
type ClaimSet struct {
	principalID   int64
	tenantID      int64
	role          rbac.Role
	branchIDs     []int64
	email         string
	issuedAt      time.Time
	expiresAt     time.Time
	tokenID       string
	impersonation *ImpersonationClaims
}

// PrincipalID returns the authenticated (or acting-as) user id.
func (c ClaimSet) PrincipalID() int64 { return c.principalID }

// TenantID returns the tenant the token was issued for.
func (c ClaimSet) TenantID() int64 { return c.tenantID }

// Role returns the role claim.
func (c ClaimSet) Role() rbac.Role { return c.role }

// BranchIDs returns a copy of the branch hints carried by the token.
func (c ClaimSet) BranchIDs() []int64 {
	out := make([]int64, len(c.branchIDs))
	copy(out, c.branchIDs)
	return out
}

// Email returns the email claim, if any.
func (c ClaimSet) Email() string { return c.email }

// IssuedAt returns the iat claim.
func (c ClaimSet) IssuedAt() time.Time { return c.issuedAt }

// ExpiresAt returns the exp claim.
func (c ClaimSet) ExpiresAt() time.Time { return c.expiresAt }

// TokenID returns the jti claim.
func (c ClaimSet) TokenID() string { return c.tokenID }

// Impersonation returns the impersonation claims when the token was issued
// for an acting-as session.
func (c ClaimSet) Impersonation() (ImpersonationClaims, bool) {
	if c.impersonation == nil {
		return ImpersonationClaims{}, false
	}
	return *c.impersonation, true
}

// ParseClaims validates the raw claim map. Principal id, tenant id and a known
// role are mandatory; their absence yields shared.ErrAuthenticationMissing.
func ParseClaims(raw map[string]any) (ClaimSet, error) {
	var cs ClaimSet
	var err error

	idRaw, ok := first(raw, ClaimNameID, ClaimSubject, ClaimNameIdentifier)
	if !ok {
		return ClaimSet{}, missing("principal id")
	}
	if cs.principalID, err = toInt64(idRaw); err != nil || cs.principalID <= 0 {
		return ClaimSet{}, missing("principal id")
	}

	tenantRaw, ok := first(raw, ClaimTenantID, ClaimTenantIDLower)
	if !ok {
		return ClaimSet{}, missing("tenant id")
	}
	if cs.tenantID, err = toInt64(tenantRaw); err != nil || cs.tenantID <= 0 {
		return ClaimSet{}, missing("tenant id")
	}

	roleRaw, ok := first(raw, ClaimRole, ClaimRoleURI)
	if !ok {
		return ClaimSet{}, missing("role")
	}
	roleName, ok := roleRaw.(string)
	if !ok {
		return ClaimSet{}, missing("role")
	}
	if cs.role, err = rbac.ParseRole(roleName); err != nil {
		return ClaimSet{}, fmt.Errorf("%w: %v", shared.ErrAuthenticationMissing, err)
	}

	if branchRaw, ok := first(raw, ClaimBranchID); ok {
		if cs.branchIDs, err = toInt64List(branchRaw); err != nil {
			return ClaimSet{}, fmt.Errorf("%w: invalid %s claim", shared.ErrAuthenticationMissing, ClaimBranchID)
		}
	}
	if email, ok := raw[ClaimEmail].(string); ok {
		cs.email = strings.TrimSpace(email)
	}
	if jti, ok := raw[ClaimTokenID].(string); ok {
		cs.tokenID = jti
	}
	cs.issuedAt = toTime(raw[ClaimIssuedAt])
	cs.expiresAt = toTime(raw[ClaimExpiresAt])

	if sessionRaw, ok := first(raw, ClaimSessionID); ok {
		imp, err := parseImpersonation(raw, sessionRaw)
		if err != nil {
			return ClaimSet{}, err
		}
		cs.impersonation = &imp
	}
	return cs, nil
}

func parseImpersonation(raw map[string]any, sessionRaw any) (ImpersonationClaims, error) {
	sessionStr, _ := sessionRaw.(string)
	sessionID, err := uuid.Parse(sessionStr)
	if err != nil {
		return ImpersonationClaims{}, missing("impersonation session id")
	}
	adminRaw, ok := first(raw, ClaimImpersonatorID)
	if !ok {
		return ImpersonationClaims{}, missing("impersonator id")
	}
	adminID, err := toInt64(adminRaw)
	if err != nil || adminID <= 0 {
		return ImpersonationClaims{}, missing("impersonator id")
	}
	var adminTenant int64
	if tenantRaw, ok := first(raw, ClaimImpersonatorTen); ok {
		if adminTenant, err = toInt64(tenantRaw); err != nil {
			return ImpersonationClaims{}, missing("impersonator tenant id")
		}
	}
	adminEmail, _ := raw[ClaimImpersonatorMail].(string)
	return ImpersonationClaims{
		SessionID:     sessionID,
		AdminID:       adminID,
		AdminTenantID: adminTenant,
		AdminEmail:    adminEmail,
	}, nil
}

func missing(what string) error {
	return fmt.Errorf("%w: %s claim missing", shared.ErrAuthenticationMissing, what)
}

func first(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("auth: non integer claim %v", n)
		}
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("auth: unsupported claim type %T", v)
	}
}

func toInt64List(v any) ([]int64, error) {
	switch list := v.(type) {
	case []any:
		out := make([]int64, 0, len(list))
		for _, item := range list {
			id, err := toInt64(item)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	case string:
		var out []int64
		for _, part := range strings.Split(list, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			id, err := toInt64(part)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	default:
		id, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return []int64{id}, nil
	}
}

func toTime(v any) time.Time {
	if v == nil {
		return time.Time{}
	}
	secs, err := toInt64(v)
	if err != nil {
		if f, ok := v.(float64); ok {
			return time.Unix(int64(f), 0).UTC()
		}
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
