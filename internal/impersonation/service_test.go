package impersonation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/audit"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/auth"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/tenancy"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/users"
)

// memoryRepo stages every transaction on a copy and only publishes it when fn
// returns nil, mirroring commit and rollback.
type memoryRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session
	records  []audit.Record
	auditErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sessions: map[uuid.UUID]Session{}}
}

type memoryTx struct {
	sessions map[uuid.UUID]Session
	records  []audit.Record
	auditErr error
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := &memoryTx{sessions: map[uuid.UUID]Session{}, auditErr: m.auditErr}
	for id, s := range m.sessions {
		staged.sessions[id] = s
	}
	staged.records = append(staged.records, m.records...)
	if err := fn(ctx, staged); err != nil {
		return err
	}
	m.sessions = staged.sessions
	m.records = staged.records
	return nil
}

func (m *memoryRepo) ActiveForAdmin(_ context.Context, adminID int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AdminID == adminID && s.EndedAt == nil {
			return s, nil
		}
	}
	return Session{}, shared.ErrSessionNotFound
}

func (m *memoryRepo) ListActive(_ context.Context, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Session{}
	for _, s := range m.sessions {
		if s.Active(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryRepo) History(_ context.Context, f HistoryFilter, limit, offset int) ([]Session, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := []Session{}
	for _, s := range m.sessions {
		if f.AdminID != nil && s.AdminID != *f.AdminID {
			continue
		}
		if f.From != nil && s.StartedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && s.StartedAt.After(*f.To) {
			continue
		}
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return []Session{}, total, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], total, nil
}

func (m *memoryRepo) count(action string) int {
	n := 0
	for _, r := range m.records {
		if r.Action == action {
			n++
		}
	}
	return n
}

func (t *memoryTx) LockActiveForAdmin(_ context.Context, adminID int64) (Session, error) {
	for _, s := range t.sessions {
		if s.AdminID == adminID && s.EndedAt == nil {
			return s, nil
		}
	}
	return Session{}, shared.ErrSessionNotFound
}

func (t *memoryTx) CreateSession(_ context.Context, s Session) error {
	for _, existing := range t.sessions {
		if existing.AdminID == s.AdminID && existing.EndedAt == nil {
			return shared.ErrSessionAlreadyActive
		}
	}
	t.sessions[s.ID] = s
	return nil
}

func (t *memoryTx) EndSession(_ context.Context, id uuid.UUID, endedAt time.Time, reason EndReason) error {
	s, ok := t.sessions[id]
	if !ok || s.EndedAt != nil {
		return shared.ErrSessionNotFound
	}
	s.EndedAt = &endedAt
	s.EndReason = reason
	t.sessions[id] = s
	return nil
}

func (t *memoryTx) LockExpired(_ context.Context, now time.Time, limit int) ([]Session, error) {
	out := []Session{}
	for _, s := range t.sessions {
		if s.EndedAt == nil && !s.ExpiresAt.After(now) && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *memoryTx) AppendAudit(_ context.Context, rec audit.Record) (int64, error) {
	if t.auditErr != nil {
		return 0, t.auditErr
	}
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	t.records = append(t.records, rec)
	return int64(len(t.records)), nil
}

type stubDirectory struct {
	users map[int64]users.User
	err   error
}

func (d *stubDirectory) Get(_ context.Context, id int64) (users.User, error) {
	if d.err != nil {
		return users.User{}, d.err
	}
	u, ok := d.users[id]
	if !ok {
		return users.User{}, shared.ErrNotFound
	}
	return u, nil
}

func (d *stubDirectory) Search(_ context.Context, scope tenancy.Scope, _ string, page shared.PageRequest) (users.SearchResult, shared.PageRequest, error) {
	res := users.SearchResult{Users: []users.User{}}
	ids := make([]int64, 0, len(d.users))
	for id := range d.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if u := d.users[id]; scope.AllowsTenant(u.TenantID) {
			res.Users = append(res.Users, u)
		}
	}
	res.Total = int64(len(res.Users))
	return res, page.Normalize(20, 100), nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
	active int
}

func (r *recordingEvents) ImpersonationEvent(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) SetActiveImpersonations(n int) { r.active = n }

const (
	adminID      int64 = 1
	pharmacistID int64 = 10
	tenantAdmin  int64 = 11
	otherAdmin   int64 = 12
	inactiveID   int64 = 13
	testSecret         = "0123456789abcdef0123456789abcdef"
)

type fixture struct {
	repo     *memoryRepo
	dir      *stubDirectory
	manager  *Manager
	verifier *auth.Verifier
	events   *recordingEvents
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := auth.DeriveKeys(testSecret)
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	revocations := auth.NewRevocationStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	dir := &stubDirectory{users: map[int64]users.User{
		adminID:      {ID: adminID, TenantID: 1, Email: "root@odyssey.test", Role: rbac.RoleSuperAdmin, IsActive: true},
		pharmacistID: {ID: pharmacistID, TenantID: 7, Email: "apt@t7.test", Role: rbac.RolePharmacist, IsActive: true},
		tenantAdmin:  {ID: tenantAdmin, TenantID: 7, Email: "owner@t7.test", Role: rbac.RoleTenantAdmin, IsActive: true},
		otherAdmin:   {ID: otherAdmin, TenantID: 1, Email: "ops@odyssey.test", Role: rbac.RoleSuperAdmin, IsActive: true},
		inactiveID:   {ID: inactiveID, TenantID: 7, Email: "gone@t7.test", Role: rbac.RoleCashier, IsActive: false},
	}}
	f := &fixture{
		repo:     newMemoryRepo(),
		dir:      dir,
		verifier: auth.NewVerifier(keys, "odyssey-test", revocations),
		events:   &recordingEvents{},
		clock:    time.Now().UTC().Truncate(time.Second),
	}
	f.manager = NewManager(f.repo, dir, auth.NewIssuer(keys, "odyssey-test"), revocations, f.events,
		slog.New(slog.NewTextHandler(io.Discard, nil)), Config{TTL: time.Hour})
	f.manager.now = func() time.Time { return f.clock }
	return f
}

func superAdmin() security.Context {
	return security.NewContext(security.Principal{ID: adminID, TenantID: 1, Role: rbac.RoleSuperAdmin, Email: "root@odyssey.test"})
}

func start(f *fixture, sc security.Context, target int64) (StartResult, error) {
	return f.manager.Start(context.Background(), sc, StartRequest{TargetUserID: target, Reason: "support ticket 42"}, RequestMeta{IPAddress: "10.0.0.9"})
}

func TestStartIssuesTokenAndAuditsAtomically(t *testing.T) {
	f := newFixture(t)

	res, err := start(f, superAdmin(), pharmacistID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Session.TenantID)
	assert.Equal(t, f.clock.Add(time.Hour), res.Session.ExpiresAt)

	claims, err := f.verifier.Verify(context.Background(), res.Token)
	require.NoError(t, err)
	assert.Equal(t, pharmacistID, claims.PrincipalID())
	assert.Equal(t, int64(7), claims.TenantID())
	assert.Equal(t, rbac.RolePharmacist, claims.Role())
	imp, ok := claims.Impersonation()
	require.True(t, ok)
	assert.Equal(t, adminID, imp.AdminID)
	assert.Equal(t, res.Session.ID, imp.SessionID)

	require.Len(t, f.repo.records, 1)
	rec := f.repo.records[0]
	assert.Equal(t, audit.ActionImpersonationStarted, rec.Action)
	assert.Equal(t, audit.SeverityWarning, rec.Severity)
	assert.Equal(t, adminID, rec.UserID)
	assert.Equal(t, int64(7), rec.TenantID)
	assert.Equal(t, "10", rec.EntityID)
	assert.Contains(t, string(rec.NewValues), res.Session.ID.String())
	assert.True(t, rec.IsSuccess)
	assert.Equal(t, []string{EventStarted}, f.events.events)
}

func TestStartRejectsNonSuperAdmins(t *testing.T) {
	f := newFixture(t)
	for _, role := range []rbac.Role{rbac.RoleCashier, rbac.RolePharmacist, rbac.RoleTenantAdmin} {
		sc := security.NewContext(security.Principal{ID: 50, TenantID: 7, Role: role})
		_, err := start(f, sc, pharmacistID)
		assert.ErrorIs(t, err, shared.ErrImpersonationNotAllowed, role.String())
	}
	assert.Empty(t, f.repo.sessions)
	assert.Empty(t, f.repo.records)
}

func TestStartRejectsNestedImpersonation(t *testing.T) {
	f := newFixture(t)
	admin := superAdmin().Principal()
	target := security.Principal{ID: tenantAdmin, TenantID: 7, Role: rbac.RoleTenantAdmin}
	sc := security.NewImpersonatedContext(admin, target, uuid.New(), f.clock.Add(time.Hour))
	_, err := start(f, sc, pharmacistID)
	assert.ErrorIs(t, err, shared.ErrImpersonationNotAllowed)
}

func TestStartRejectsUnimpersonableTargets(t *testing.T) {
	f := newFixture(t)
	for name, target := range map[string]int64{
		"super admin": otherAdmin,
		"self":        adminID,
		"inactive":    inactiveID,
		"missing":     999,
	} {
		_, err := start(f, superAdmin(), target)
		assert.ErrorIs(t, err, shared.ErrTargetNotImpersonable, name)
	}
	assert.Empty(t, f.repo.sessions)
}

func TestStartValidatesReason(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Start(context.Background(), superAdmin(), StartRequest{TargetUserID: pharmacistID, Reason: "  a "}, RequestMeta{})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestStartRollsBackWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	f.repo.auditErr = errors.New("disk full")

	_, err := start(f, superAdmin(), pharmacistID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, shared.ErrSessionAlreadyActive)
	assert.Empty(t, f.repo.sessions)
	assert.Empty(t, f.repo.records)
	assert.Empty(t, f.events.events)
}

func TestSecondStartIsRejectedWhileActive(t *testing.T) {
	f := newFixture(t)
	_, err := start(f, superAdmin(), pharmacistID)
	require.NoError(t, err)

	_, err = start(f, superAdmin(), tenantAdmin)
	assert.ErrorIs(t, err, shared.ErrSessionAlreadyActive)
	assert.Len(t, f.repo.sessions, 1)
	assert.Equal(t, 1, f.repo.count(audit.ActionImpersonationStarted))
}

func TestStartClosesExpiredSessionFirst(t *testing.T) {
	f := newFixture(t)
	first, err := start(f, superAdmin(), pharmacistID)
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Hour)
	second, err := start(f, superAdmin(), tenantAdmin)
	require.NoError(t, err)

	old := f.repo.sessions[first.Session.ID]
	require.NotNil(t, old.EndedAt)
	assert.Equal(t, EndReasonExpired, old.EndReason)
	assert.Nil(t, f.repo.sessions[second.Session.ID].EndedAt)
	assert.Equal(t, 1, f.repo.count(audit.ActionImpersonationExpired))
	assert.Equal(t, 2, f.repo.count(audit.ActionImpersonationStarted))
}

func TestStopEndsSessionAndRevokesToken(t *testing.T) {
	f := newFixture(t)
	res, err := start(f, superAdmin(), pharmacistID)
	require.NoError(t, err)

	claims, err := f.verifier.Verify(context.Background(), res.Token)
	require.NoError(t, err)
	imp, _ := claims.Impersonation()
	target := security.Principal{ID: claims.PrincipalID(), TenantID: claims.TenantID(), Role: claims.Role()}
	sc := security.NewImpersonatedContext(superAdmin().Principal(), target, imp.SessionID, res.Session.ExpiresAt)

	ended, err := f.manager.Stop(context.Background(), sc, RequestMeta{IPAddress: "10.0.0.9"})
	require.NoError(t, err)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, EndReasonStopped, ended.EndReason)
	assert.Equal(t, 1, f.repo.count(audit.ActionImpersonationStopped))

	_, err = f.verifier.Verify(context.Background(), res.Token)
	assert.ErrorIs(t, err, shared.ErrAuthenticationMissing)

	_, err = f.manager.Stop(context.Background(), superAdmin(), RequestMeta{})
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)
	assert.Equal(t, []string{EventStarted, EventStopped}, f.events.events)
}

func TestStopRollsBackWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	res, err := start(f, superAdmin(), pharmacistID)
	require.NoError(t, err)

	f.repo.auditErr = errors.New("disk full")
	_, err = f.manager.Stop(context.Background(), superAdmin(), RequestMeta{})
	require.Error(t, err)
	assert.Nil(t, f.repo.sessions[res.Session.ID].EndedAt)

	_, err = f.verifier.Verify(context.Background(), res.Token)
	assert.NoError(t, err)
}

func TestStatusRecoversRealActor(t *testing.T) {
	f := newFixture(t)
	res, err := start(f, superAdmin(), pharmacistID)
	require.NoError(t, err)

	target := security.Principal{ID: pharmacistID, TenantID: 7, Role: rbac.RolePharmacist}
	sc := security.NewImpersonatedContext(superAdmin().Principal(), target, res.Session.ID, res.Session.ExpiresAt)
	status, err := f.manager.Status(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, status.IsImpersonating)
	require.NotNil(t, status.OriginalAdminID)
	assert.Equal(t, adminID, *status.OriginalAdminID)
	assert.Equal(t, pharmacistID, status.EffectiveUserID)

	own, err := f.manager.Status(context.Background(), superAdmin())
	require.NoError(t, err)
	assert.False(t, own.IsImpersonating)
	require.NotNil(t, own.ActiveSession)
	assert.Equal(t, res.Session.ID, own.ActiveSession.ID)

	cashier := security.NewContext(security.Principal{ID: 70, TenantID: 7, Role: rbac.RoleCashier})
	plain, err := f.manager.Status(context.Background(), cashier)
	require.NoError(t, err)
	assert.False(t, plain.IsImpersonating)
	assert.Nil(t, plain.OriginalAdminID)
}

func TestActiveAndHistory(t *testing.T) {
	f := newFixture(t)
	first, err := start(f, superAdmin(), pharmacistID)
	require.NoError(t, err)
	_, err = f.manager.Stop(context.Background(), superAdmin(), RequestMeta{})
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Minute)
	second, err := start(f, superAdmin(), tenantAdmin)
	require.NoError(t, err)

	active, err := f.manager.Active(context.Background(), superAdmin())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.Session.ID, active[0].ID)
	assert.Equal(t, 1, f.events.active)

	page, err := f.manager.History(context.Background(), superAdmin(), HistoryFilter{}, shared.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.TotalCount)
	require.Len(t, page.Sessions, 2)
	assert.Equal(t, second.Session.ID, page.Sessions[0].ID)
	assert.Equal(t, first.Session.ID, page.Sessions[1].ID)
	assert.Equal(t, defaultHistoryPageSize, page.PageSize)

	from := f.clock
	page, err = f.manager.History(context.Background(), superAdmin(), HistoryFilter{From: &from}, shared.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.TotalCount)

	to := from.Add(-time.Hour)
	_, err = f.manager.History(context.Background(), superAdmin(), HistoryFilter{From: &from, To: &to}, shared.PageRequest{})
	assert.ErrorIs(t, err, shared.ErrValidation)

	tenantOwner := security.NewContext(security.Principal{ID: tenantAdmin, TenantID: 7, Role: rbac.RoleTenantAdmin})
	_, err = f.manager.History(context.Background(), tenantOwner, HistoryFilter{}, shared.PageRequest{})
	assert.ErrorIs(t, err, shared.ErrAuthorizationDenied)
	_, err = f.manager.Active(context.Background(), tenantOwner)
	assert.ErrorIs(t, err, shared.ErrAuthorizationDenied)
}

func TestSweepExpiredEndsAndAudits(t *testing.T) {
	f := newFixture(t)
	res, err := start(f, superAdmin(), pharmacistID)
	require.NoError(t, err)

	n, err := f.manager.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock = f.clock.Add(time.Hour)
	n, err = f.manager.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, EndReasonExpired, f.repo.sessions[res.Session.ID].EndReason)
	assert.Equal(t, 1, f.repo.count(audit.ActionImpersonationExpired))

	_, err = f.manager.ActiveSessionForAdmin(context.Background(), adminID)
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)
}

func TestActiveSessionReportsDeactivatedTarget(t *testing.T) {
	f := newFixture(t)
	_, err := start(f, superAdmin(), pharmacistID)
	require.NoError(t, err)

	active, err := f.manager.ActiveSessionForAdmin(context.Background(), adminID)
	require.NoError(t, err)
	assert.True(t, active.TargetActive)

	u := f.dir.users[pharmacistID]
	u.IsActive = false
	f.dir.users[pharmacistID] = u
	active, err = f.manager.ActiveSessionForAdmin(context.Background(), adminID)
	require.NoError(t, err)
	assert.False(t, active.TargetActive)

	delete(f.dir.users, pharmacistID)
	active, err = f.manager.ActiveSessionForAdmin(context.Background(), adminID)
	require.NoError(t, err)
	assert.False(t, active.TargetActive)

	f.dir.err = errors.New("directory down")
	_, err = f.manager.ActiveSessionForAdmin(context.Background(), adminID)
	assert.Error(t, err)
}

func TestSearchUsersAnnotatesCandidates(t *testing.T) {
	f := newFixture(t)
	page, err := f.manager.SearchUsers(context.Background(), superAdmin(), "", shared.PageRequest{})
	require.NoError(t, err)
	can := map[int64]bool{}
	for _, c := range page.Users {
		can[c.ID] = c.CanImpersonate
	}
	assert.Equal(t, map[int64]bool{
		adminID:      false,
		pharmacistID: true,
		tenantAdmin:  true,
		otherAdmin:   false,
		inactiveID:   false,
	}, can)

	owner := security.NewContext(security.Principal{ID: tenantAdmin, TenantID: 7, Role: rbac.RoleTenantAdmin})
	page, err = f.manager.SearchUsers(context.Background(), owner, "", shared.PageRequest{})
	require.NoError(t, err)
	for _, c := range page.Users {
		assert.Equal(t, int64(7), c.TenantID)
		assert.False(t, c.CanImpersonate)
	}
}

func TestResolverAcceptsIssuedTokenUntilStopped(t *testing.T) {
	f := newFixture(t)
	res, err := start(f, superAdmin(), pharmacistID)
	require.NoError(t, err)

	resolver := security.NewResolver(branchesFunc(func(int64) []int64 { return []int64{3} }), f.manager, time.Second)
	claims, err := f.verifier.Verify(context.Background(), res.Token)
	require.NoError(t, err)

	sc, err := resolver.Resolve(context.Background(), claims)
	require.NoError(t, err)
	assert.True(t, sc.IsImpersonating())
	assert.Equal(t, adminID, sc.Principal().ID)
	assert.Equal(t, int64(7), sc.EffectivePrincipal().TenantID)
	assert.Equal(t, []int64{3}, sc.EffectivePrincipal().BranchIDs)

	_, err = f.manager.Stop(context.Background(), superAdmin(), RequestMeta{})
	require.NoError(t, err)
	_, err = resolver.Resolve(context.Background(), claims)
	assert.ErrorIs(t, err, shared.ErrAuthenticationMissing)
}

type branchesFunc func(int64) []int64

func (f branchesFunc) ActiveBranchIDs(_ context.Context, userID int64) ([]int64, error) {
	return f(userID), nil
}
