package impersonation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/audit"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

// oneActiveConstraint is the partial unique index on admin_id for open sessions.
const oneActiveConstraint = "impersonation_sessions_one_active_per_admin"

const sessionColumns = `id, admin_id, admin_email, admin_tenant_id, target_user_id, target_email, target_role,
	tenant_id, reason, ip_address, user_agent, started_at, expires_at, ended_at, end_reason`

// PgRepository persists sessions in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository constructs PgRepository.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes fn inside a read-committed transaction. Row locks taken by
// the TxRepository serialise transitions of the same admin.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// ActiveForAdmin returns the open session of adminID.
func (r *PgRepository) ActiveForAdmin(ctx context.Context, adminID int64) (Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+`
FROM impersonation_sessions WHERE admin_id = $1 AND ended_at IS NULL`, adminID)
	return scanOne(row)
}

// ListActive returns open sessions that have not expired at now.
func (r *PgRepository) ListActive(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+`
FROM impersonation_sessions WHERE ended_at IS NULL AND expires_at > $1
ORDER BY started_at DESC`, now)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// History returns sessions started inside the filter window.
func (r *PgRepository) History(ctx context.Context, filter HistoryFilter, limit, offset int) ([]Session, int64, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(expr string, value any) {
		args = append(args, value)
		clauses = append(clauses, strings.ReplaceAll(expr, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.AdminID != nil {
		add("admin_id = ?", *filter.AdminID)
	}
	if filter.From != nil {
		add("started_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		add("started_at <= ?", filter.To.UTC())
	}
	where := "TRUE"
	if len(clauses) > 0 {
		where = strings.Join(clauses, " AND ")
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM impersonation_sessions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM impersonation_sessions WHERE `+where+
		fmt.Sprintf(` ORDER BY started_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	sessions, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

func (t *txRepo) LockActiveForAdmin(ctx context.Context, adminID int64) (Session, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+sessionColumns+`
FROM impersonation_sessions WHERE admin_id = $1 AND ended_at IS NULL
FOR UPDATE`, adminID)
	return scanOne(row)
}

func (t *txRepo) CreateSession(ctx context.Context, s Session) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO impersonation_sessions (id, admin_id, admin_email, admin_tenant_id,
	target_user_id, target_email, target_role, tenant_id, reason, ip_address, user_agent, started_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.AdminID, optionalText(s.AdminEmail), s.AdminTenantID,
		s.TargetID, optionalText(s.TargetEmail), s.TargetRole.String(), s.TenantID,
		s.Reason, optionalText(s.IPAddress), optionalText(s.UserAgent), s.StartedAt, s.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == oneActiveConstraint {
			return shared.ErrSessionAlreadyActive
		}
		return err
	}
	return nil
}

func (t *txRepo) EndSession(ctx context.Context, id uuid.UUID, endedAt time.Time, reason EndReason) error {
	tag, err := t.tx.Exec(ctx, `UPDATE impersonation_sessions SET ended_at = $2, end_reason = $3
WHERE id = $1 AND ended_at IS NULL`, id, endedAt, string(reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrSessionNotFound
	}
	return nil
}

func (t *txRepo) LockExpired(ctx context.Context, now time.Time, limit int) ([]Session, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+sessionColumns+`
FROM impersonation_sessions WHERE ended_at IS NULL AND expires_at <= $1
ORDER BY expires_at
LIMIT $2
FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (t *txRepo) AppendAudit(ctx context.Context, rec audit.Record) (int64, error) {
	return audit.InsertRecord(ctx, t.tx, rec)
}

func scanOne(row pgx.Row) (Session, error) {
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, shared.ErrSessionNotFound
		}
		return Session{}, err
	}
	return s, nil
}

func collect(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()
	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		s           Session
		adminEmail  pgtype.Text
		targetEmail pgtype.Text
		role        string
		ip          pgtype.Text
		agent       pgtype.Text
		endedAt     pgtype.Timestamptz
		endReason   pgtype.Text
	)
	if err := row.Scan(&s.ID, &s.AdminID, &adminEmail, &s.AdminTenantID, &s.TargetID, &targetEmail, &role,
		&s.TenantID, &s.Reason, &ip, &agent, &s.StartedAt, &s.ExpiresAt, &endedAt, &endReason); err != nil {
		return Session{}, err
	}
	parsed, err := rbac.ParseRole(role)
	if err != nil {
		return Session{}, fmt.Errorf("impersonation: session %s: %w", s.ID, err)
	}
	s.TargetRole = parsed
	s.AdminEmail = adminEmail.String
	s.TargetEmail = targetEmail.String
	s.IPAddress = ip.String
	s.UserAgent = agent.String
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	s.EndReason = EndReason(endReason.String)
	s.StartedAt = s.StartedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	return s, nil
}

func optionalText(value string) pgtype.Text {
	return pgtype.Text{String: value, Valid: value != ""}
}
