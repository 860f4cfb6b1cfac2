package impersonation

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/users"
)

// EndReason records why a session ended.
type EndReason string

const (
	EndReasonStopped EndReason = "stopped"
	EndReasonExpired EndReason = "expired"
)

// Session is a time-boxed acting-as grant from a SuperAdmin to a target user.
type Session struct {
	ID            uuid.UUID  `json:"id"`
	AdminID       int64      `json:"adminId"`
	AdminEmail    string     `json:"adminEmail,omitempty"`
	AdminTenantID int64      `json:"adminTenantId"`
	TargetID      int64      `json:"targetUserId"`
	TargetEmail   string     `json:"targetEmail,omitempty"`
	TargetRole    rbac.Role  `json:"targetRole"`
	TenantID      int64      `json:"tenantId"`
	Reason        string     `json:"reason"`
	IPAddress     string     `json:"ipAddress,omitempty"`
	UserAgent     string     `json:"userAgent,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	EndReason     EndReason  `json:"endReason,omitempty"`
}

// Active reports whether the session is open and unexpired at now.
func (s Session) Active(now time.Time) bool {
	return s.EndedAt == nil && now.Before(s.ExpiresAt)
}

// StartRequest is the input of Manager.Start.
type StartRequest struct {
	TargetUserID int64  `json:"targetUserId" validate:"required,gt=0"`
	Reason       string `json:"reason" validate:"required,min=3,max=500"`
}

// RequestMeta carries client details recorded with session transitions.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// StartResult is returned by a successful Start.
type StartResult struct {
	Token   string  `json:"token"`
	Session Session `json:"session"`
}

// Status describes the caller's impersonation state.
type Status struct {
	IsImpersonating   bool       `json:"isImpersonating"`
	SessionID         *uuid.UUID `json:"sessionId,omitempty"`
	OriginalAdminID   *int64     `json:"originalAdminId,omitempty"`
	AdminEmail        string     `json:"adminEmail,omitempty"`
	EffectiveUserID   int64      `json:"effectiveUserId"`
	EffectiveTenantID int64      `json:"effectiveTenantId"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	// ActiveSession is set when a SuperAdmin calls with its own token while
	// it has a session open.
	ActiveSession *Session `json:"activeSession,omitempty"`
}

// HistoryFilter narrows History.
type HistoryFilter struct {
	AdminID *int64
	From    *time.Time
	To      *time.Time
}

// HistoryPage is one page of sessions, newest first.
type HistoryPage struct {
	Sessions   []Session `json:"sessions"`
	TotalCount int64     `json:"totalCount"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	TotalPages int       `json:"totalPages"`
}

// Candidate is a user annotated with whether the caller may impersonate it.
type Candidate struct {
	users.User
	CanImpersonate bool `json:"canImpersonate"`
}

// CandidatePage is one page of search results.
type CandidatePage struct {
	Users      []Candidate `json:"users"`
	TotalCount int64       `json:"totalCount"`
	Page       int         `json:"page"`
	PageSize   int         `json:"pageSize"`
}
