package impersonation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/audit"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/auth"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/tenancy"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/users"
)

const (
	// DefaultTTL is the lifetime of a session when none is configured.
	DefaultTTL = time.Hour

	minReasonLength = 3
	maxReasonLength = 500

	defaultHistoryPageSize = 50
	maxHistoryPageSize     = 200

	sweepBatchSize = 500
)

// Metric event labels.
const (
	EventStarted  = "started"
	EventStopped  = "stopped"
	EventExpired  = "expired"
	EventRejected = "rejected"
)

// Repository exposes session persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ActiveForAdmin(ctx context.Context, adminID int64) (Session, error)
	ListActive(ctx context.Context, now time.Time) ([]Session, error)
	History(ctx context.Context, filter HistoryFilter, limit, offset int) ([]Session, int64, error)
}

// TxRepository exposes transactional operations. Every session transition and
// its audit record are written through the same TxRepository.
type TxRepository interface {
	// LockActiveForAdmin returns the open session of adminID, locked for
	// update, or shared.ErrSessionNotFound.
	LockActiveForAdmin(ctx context.Context, adminID int64) (Session, error)
	// CreateSession inserts s. A concurrent open session for the same admin
	// yields shared.ErrSessionAlreadyActive.
	CreateSession(ctx context.Context, s Session) error
	EndSession(ctx context.Context, id uuid.UUID, endedAt time.Time, reason EndReason) error
	// LockExpired returns open sessions that expired at or before now,
	// skipping rows locked by a concurrent sweep.
	LockExpired(ctx context.Context, now time.Time, limit int) ([]Session, error)
	AppendAudit(ctx context.Context, rec audit.Record) (int64, error)
}

// UserDirectory resolves impersonation targets.
type UserDirectory interface {
	Get(ctx context.Context, id int64) (users.User, error)
	Search(ctx context.Context, scope tenancy.Scope, text string, page shared.PageRequest) (users.SearchResult, shared.PageRequest, error)
}

// TokenIssuer signs impersonation tokens.
type TokenIssuer interface {
	IssueImpersonation(g auth.ImpersonationGrant) (string, error)
}

// TokenRevoker hard-revokes issued tokens.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
}

// EventObserver receives session lifecycle events.
type EventObserver interface {
	ImpersonationEvent(event string)
	SetActiveImpersonations(n int)
}

// Config tunes the Manager.
type Config struct {
	TTL time.Duration
}

// Manager drives the impersonation session state machine.
type Manager struct {
	repo    Repository
	users   UserDirectory
	issuer  TokenIssuer
	revoker TokenRevoker
	events  EventObserver
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time
}

// NewManager constructs a Manager. revoker and events may be nil.
func NewManager(repo Repository, directory UserDirectory, issuer TokenIssuer, revoker TokenRevoker, events EventObserver, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Manager{
		repo:    repo,
		users:   directory,
		issuer:  issuer,
		revoker: revoker,
		events:  events,
		logger:  logger,
		ttl:     cfg.TTL,
		now:     time.Now,
	}
}

// Start opens a session for the calling SuperAdmin against req.TargetUserID
// and returns the signed acting-as token.
func (m *Manager) Start(ctx context.Context, sc security.Context, req StartRequest, meta RequestMeta) (StartResult, error) {
	admin := sc.Principal()
	if sc.IsZero() {
		return StartResult{}, shared.ErrAuthenticationMissing
	}
	if sc.IsImpersonating() || admin.Role != rbac.RoleSuperAdmin {
		m.emit(EventRejected)
		return StartResult{}, shared.ErrImpersonationNotAllowed
	}
	reason := strings.TrimSpace(req.Reason)
	if n := utf8.RuneCountInString(reason); n < minReasonLength || n > maxReasonLength {
		return StartResult{}, shared.Invalid("reason", fmt.Sprintf("must be between %d and %d characters", minReasonLength, maxReasonLength))
	}

	target, err := m.users.Get(ctx, req.TargetUserID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			m.emit(EventRejected)
			return StartResult{}, shared.ErrTargetNotImpersonable
		}
		return StartResult{}, fmt.Errorf("load target user: %w", err)
	}
	if !impersonable(admin, target) {
		m.emit(EventRejected)
		return StartResult{}, shared.ErrTargetNotImpersonable
	}

	now := m.now().UTC()
	session := Session{
		ID:            uuid.New(),
		AdminID:       admin.ID,
		AdminEmail:    admin.Email,
		AdminTenantID: admin.TenantID,
		TargetID:      target.ID,
		TargetEmail:   target.Email,
		TargetRole:    target.Role,
		TenantID:      target.TenantID,
		Reason:        reason,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		StartedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}
	token, err := m.issuer.IssueImpersonation(auth.ImpersonationGrant{
		SessionID:     session.ID,
		AdminID:       admin.ID,
		AdminTenantID: admin.TenantID,
		AdminEmail:    admin.Email,
		TargetID:      target.ID,
		TargetTenant:  target.TenantID,
		TargetRole:    target.Role,
		TargetEmail:   target.Email,
		IssuedAt:      session.StartedAt,
		ExpiresAt:     session.ExpiresAt,
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("issue impersonation token: %w", err)
	}

	expired := 0
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockActiveForAdmin(ctx, admin.ID)
		switch {
		case errors.Is(err, shared.ErrSessionNotFound):
		case err != nil:
			return err
		case current.Active(now):
			return shared.ErrSessionAlreadyActive
		default:
			if err := expireSession(ctx, tx, current, now); err != nil {
				return err
			}
			expired++
		}
		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		rec := sessionRecord(audit.ActionImpersonationStarted, session, fmt.Sprintf(
			"%s started impersonating %s: %s", actorLabel(session), targetLabel(session), session.Reason))
		if _, err := tx.AppendAudit(ctx, rec); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrSessionAlreadyActive) {
			m.emit(EventRejected)
			return StartResult{}, err
		}
		return StartResult{}, fmt.Errorf("start impersonation: %w", err)
	}

	for i := 0; i < expired; i++ {
		m.emit(EventExpired)
	}
	m.emit(EventStarted)
	m.logger.Warn("impersonation started",
		slog.String("session_id", session.ID.String()),
		slog.Int64("admin_id", session.AdminID),
		slog.Int64("target_user_id", session.TargetID),
		slog.Int64("tenant_id", session.TenantID),
	)
	return StartResult{Token: token, Session: session}, nil
}

// Stop ends the caller's open session. It works with either the admin's own
// token or the impersonation token.
func (m *Manager) Stop(ctx context.Context, sc security.Context, meta RequestMeta) (Session, error) {
	if sc.IsZero() {
		return Session{}, shared.ErrAuthenticationMissing
	}
	admin := sc.Principal()
	if admin.Role != rbac.RoleSuperAdmin {
		return Session{}, shared.ErrSessionNotFound
	}
	now := m.now().UTC()
	var ended Session
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockActiveForAdmin(ctx, admin.ID)
		if err != nil {
			return err
		}
		if err := tx.EndSession(ctx, current.ID, now, EndReasonStopped); err != nil {
			return err
		}
		ended = current
		ended.EndedAt = &now
		ended.EndReason = EndReasonStopped
		rec := sessionRecord(audit.ActionImpersonationStopped, ended, fmt.Sprintf(
			"%s stopped impersonating %s", actorLabel(ended), targetLabel(ended)))
		rec.OldValues = audit.Snapshot(current)
		if meta.IPAddress != "" {
			rec.IPAddress = meta.IPAddress
		}
		if meta.UserAgent != "" {
			rec.UserAgent = meta.UserAgent
		}
		if _, err := tx.AppendAudit(ctx, rec); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrSessionNotFound) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("stop impersonation: %w", err)
	}

	m.revoke(ctx, ended)
	m.emit(EventStopped)
	m.logger.Warn("impersonation stopped",
		slog.String("session_id", ended.ID.String()),
		slog.Int64("admin_id", ended.AdminID),
		slog.Int64("target_user_id", ended.TargetID),
	)
	return ended, nil
}

// Status reports whether the caller acts under an impersonation token and who
// really drives the request.
func (m *Manager) Status(ctx context.Context, sc security.Context) (Status, error) {
	if sc.IsZero() {
		return Status{}, shared.ErrAuthenticationMissing
	}
	effective := sc.EffectivePrincipal()
	status := Status{
		IsImpersonating:   sc.IsImpersonating(),
		EffectiveUserID:   effective.ID,
		EffectiveTenantID: effective.TenantID,
	}
	admin := sc.Principal()
	if sc.IsImpersonating() {
		id := sc.SessionID()
		adminID := admin.ID
		expires := sc.SessionExpiresAt()
		status.SessionID = &id
		status.OriginalAdminID = &adminID
		status.AdminEmail = admin.Email
		status.ExpiresAt = &expires
		return status, nil
	}
	if admin.Role != rbac.RoleSuperAdmin {
		return status, nil
	}
	current, err := m.repo.ActiveForAdmin(ctx, admin.ID)
	if err != nil {
		if errors.Is(err, shared.ErrSessionNotFound) {
			return status, nil
		}
		return Status{}, fmt.Errorf("load active session: %w", err)
	}
	if current.Active(m.now()) {
		status.ActiveSession = &current
	}
	return status, nil
}

// Active lists every open, unexpired session.
func (m *Manager) Active(ctx context.Context, sc security.Context) ([]Session, error) {
	if err := requireSuperAdmin(sc, ""); err != nil {
		return nil, err
	}
	sessions, err := m.repo.ListActive(ctx, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	if m.events != nil {
		m.events.SetActiveImpersonations(len(sessions))
	}
	return sessions, nil
}

// History returns sessions, active and ended, newest first.
func (m *Manager) History(ctx context.Context, sc security.Context, filter HistoryFilter, req shared.PageRequest) (HistoryPage, error) {
	if err := requireSuperAdmin(sc, rbac.PermViewImpersonationLog); err != nil {
		return HistoryPage{}, err
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return HistoryPage{}, shared.Invalid("fromDate", "must not be after toDate")
	}
	req = req.Normalize(defaultHistoryPageSize, maxHistoryPageSize)
	sessions, total, err := m.repo.History(ctx, filter, req.PageSize, req.Offset())
	if err != nil {
		return HistoryPage{}, fmt.Errorf("load impersonation history: %w", err)
	}
	if sessions == nil {
		sessions = []Session{}
	}
	pagination := shared.NewPagination(req.Page, req.PageSize, int(total))
	return HistoryPage{
		Sessions:   sessions,
		TotalCount: total,
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: pagination.TotalPages,
	}, nil
}

// SearchUsers lists candidate targets annotated with CanImpersonate.
func (m *Manager) SearchUsers(ctx context.Context, sc security.Context, query string, req shared.PageRequest) (CandidatePage, error) {
	scope, err := tenancy.CrossTenantScopeFor(sc)
	if err != nil {
		return CandidatePage{}, err
	}
	res, page, err := m.users.Search(ctx, scope, query, req)
	if err != nil {
		return CandidatePage{}, err
	}
	admin := sc.Principal()
	allowed := !sc.IsImpersonating() && admin.Role == rbac.RoleSuperAdmin
	out := CandidatePage{
		Users:      make([]Candidate, 0, len(res.Users)),
		TotalCount: res.Total,
		Page:       page.Page,
		PageSize:   page.PageSize,
	}
	for _, u := range res.Users {
		out.Users = append(out.Users, Candidate{User: u, CanImpersonate: allowed && impersonable(admin, u)})
	}
	return out, nil
}

// SweepExpired closes sessions whose token lifetime has passed. Each session is
// ended and audited in one transaction per batch.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		now := m.now().UTC()
		n := 0
		err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			expired, err := tx.LockExpired(ctx, now, sweepBatchSize)
			if err != nil {
				return err
			}
			for _, s := range expired {
				if err := expireSession(ctx, tx, s, now); err != nil {
					return err
				}
			}
			n = len(expired)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("sweep expired sessions: %w", err)
		}
		for i := 0; i < n; i++ {
			m.emit(EventExpired)
		}
		total += n
		if n < sweepBatchSize {
			break
		}
	}
	if total > 0 {
		m.logger.Info("impersonation sessions expired", slog.Int("count", total))
	}
	return total, nil
}

// ActiveSessionForAdmin implements security.SessionLookup.
func (m *Manager) ActiveSessionForAdmin(ctx context.Context, adminID int64) (security.ActiveSession, error) {
	s, err := m.repo.ActiveForAdmin(ctx, adminID)
	if err != nil {
		return security.ActiveSession{}, err
	}
	target, err := m.users.Get(ctx, s.TargetID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return security.ActiveSession{}, fmt.Errorf("load impersonation target: %w", err)
	}
	live := err == nil && target.IsActive && target.TenantID == s.TenantID && target.Role == s.TargetRole
	return security.ActiveSession{
		ID:           s.ID,
		AdminID:      s.AdminID,
		TargetID:     s.TargetID,
		TargetRole:   s.TargetRole,
		TenantID:     s.TenantID,
		ExpiresAt:    s.ExpiresAt,
		TargetActive: live,
	}, nil
}

func (m *Manager) revoke(ctx context.Context, s Session) {
	if m.revoker == nil {
		return
	}
	if err := m.revoker.Revoke(context.WithoutCancel(ctx), s.ID.String(), s.ExpiresAt); err != nil {
		m.logger.Error("revoke impersonation token",
			slog.String("session_id", s.ID.String()),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) emit(event string) {
	if m.events != nil {
		m.events.ImpersonationEvent(event)
	}
}

func expireSession(ctx context.Context, tx TxRepository, s Session, now time.Time) error {
	if err := tx.EndSession(ctx, s.ID, now, EndReasonExpired); err != nil {
		return err
	}
	ended := s
	ended.EndedAt = &now
	ended.EndReason = EndReasonExpired
	rec := sessionRecord(audit.ActionImpersonationExpired, ended, fmt.Sprintf(
		"impersonation of %s by %s expired", targetLabel(ended), actorLabel(ended)))
	rec.OldValues = audit.Snapshot(s)
	if _, err := tx.AppendAudit(ctx, rec); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func impersonable(admin security.Principal, target users.User) bool {
	return target.IsActive &&
		target.ID != admin.ID &&
		rbac.CanImpersonateRole(admin.Role, target.Role)
}

func requireSuperAdmin(sc security.Context, perm rbac.Permission) error {
	if sc.IsZero() {
		return shared.ErrAuthenticationMissing
	}
	if sc.IsImpersonating() || sc.Principal().Role != rbac.RoleSuperAdmin {
		return shared.ErrAuthorizationDenied
	}
	if perm != "" && !rbac.HasPermission(sc.Principal().Role, perm) {
		return shared.ErrAuthorizationDenied
	}
	return nil
}

func sessionRecord(action string, s Session, description string) audit.Record {
	return audit.Record{
		UserID:      s.AdminID,
		UserEmail:   s.AdminEmail,
		TenantID:    s.TenantID,
		Action:      action,
		EntityType:  "User",
		EntityID:    strconv.FormatInt(s.TargetID, 10),
		EntityName:  s.TargetEmail,
		NewValues:   audit.Snapshot(s),
		IPAddress:   s.IPAddress,
		UserAgent:   s.UserAgent,
		Description: description,
		Severity:    audit.SeverityWarning,
		IsSuccess:   true,
	}
}

func actorLabel(s Session) string {
	if s.AdminEmail != "" {
		return s.AdminEmail
	}
	return "admin " + strconv.FormatInt(s.AdminID, 10)
}

func targetLabel(s Session) string {
	if s.TargetEmail != "" {
		return s.TargetEmail
	}
	return "user " + strconv.FormatInt(s.TargetID, 10)
}
