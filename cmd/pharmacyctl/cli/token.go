package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/auth"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
)

// AccessIssuer signs access tokens.
type AccessIssuer interface {
	IssueAccess(g auth.AccessGrant) (string, error)
}

// TokenRequest is the raw flag input of the token command.
type TokenRequest struct {
	UserID   int64
	TenantID int64
	Role     string
	Email    string
	Branches string
	TTL      time.Duration
}

// IssueToken mints an access token for local testing against a running API.
func IssueToken(issuer AccessIssuer, req TokenRequest) (string, error) {
	if issuer == nil {
		return "", errors.New("token: issuer not configured")
	}
	if req.UserID <= 0 || req.TenantID <= 0 {
		return "", errors.New("token: --user and --tenant are required")
	}
	role, err := rbac.ParseRole(req.Role)
	if err != nil {
		return "", fmt.Errorf("token: %w", err)
	}
	branches, err := parseIDs(req.Branches)
	if err != nil {
		return "", err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return issuer.IssueAccess(auth.AccessGrant{
		UserID:    req.UserID,
		TenantID:  req.TenantID,
		Role:      role,
		BranchIDs: branches,
		Email:     req.Email,
		TTL:       ttl,
	})
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("token: invalid branch id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
