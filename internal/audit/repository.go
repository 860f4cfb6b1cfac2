package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/db"
)

// Querier dipenuhi oleh *pgxpool.Pool maupun pgx.Tx sehingga catatan audit
// bisa ditulis di dalam transaksi pemanggil.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `id, user_id, user_email, tenant_id, action, entity_type, entity_id, entity_name,
	old_values, new_values, ip_address, user_agent, description, severity, is_success, created_at`

// InsertRecord menulis rec memakai q dan mengembalikan id baru.
func InsertRecord(ctx context.Context, q Querier, rec Record) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var id int64
	err := q.QueryRow(ctx, `INSERT INTO audit_logs (user_id, user_email, tenant_id, action, entity_type, entity_id, entity_name,
	old_values, new_values, ip_address, user_agent, description, severity, is_success, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING id`,
		rec.UserID, optionalText(rec.UserEmail), rec.TenantID, rec.Action, rec.EntityType,
		optionalText(rec.EntityID), optionalText(rec.EntityName),
		jsonParam(rec.OldValues), jsonParam(rec.NewValues),
		optionalText(rec.IPAddress), optionalText(rec.UserAgent), optionalText(rec.Description),
		string(rec.Severity), rec.IsSuccess, rec.Timestamp.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// PgRepository menyimpan audit di PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository membuat repository audit.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Insert menulis satu catatan.
func (r *PgRepository) Insert(ctx context.Context, rec Record) (int64, error) {
	return InsertRecord(ctx, r.pool, rec)
}

// List mengembalikan catatan terbaru-dulu.
func (r *PgRepository) List(ctx context.Context, filter Filter, limit, offset int) ([]Record, error) {
	where, args := whereClause(filter)
	args = append(args, limit, offset)
	sql := `SELECT ` + recordColumns + ` FROM audit_logs` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count menghitung catatan yang cocok dengan filter.
func (r *PgRepository) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args := whereClause(filter)
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountBy menghitung catatan per nilai dimensi.
func (r *PgRepository) CountBy(ctx context.Context, filter Filter, dim Dimension) (map[string]int64, error) {
	column, ok := dimensionColumns[dim]
	if !ok {
		return nil, fmt.Errorf("audit: unknown dimension %q", dim)
	}
	where, args := whereClause(filter)
	rows, err := r.pool.Query(ctx, `SELECT `+column+`, COUNT(*) FROM audit_logs`+where+` GROUP BY `+column, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// DeleteBefore menghapus catatan dengan created_at < cutoff.
func (r *PgRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteBeforeAudited menjalankan DELETE dan INSERT catatan trail dalam satu
// transaksi.
func (r *PgRepository) DeleteBeforeAudited(ctx context.Context, cutoff time.Time, trail func(deleted int64) (Record, error)) (int64, error) {
	var deleted int64
	err := db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		rec, err := trail(deleted)
		if err != nil {
			return err
		}
		_, err = InsertRecord(ctx, tx, rec)
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

var dimensionColumns = map[Dimension]string{
	DimensionAction:     "action",
	DimensionEntityType: "entity_type",
	DimensionSeverity:   "severity",
}

func whereClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, strings.ReplaceAll(expr, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.TenantID != nil {
		add("tenant_id = ?", *f.TenantID)
	}
	if f.UserID != nil {
		add("user_id = ?", *f.UserID)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.EntityType != "" {
		add("entity_type = ?", f.EntityType)
	}
	if f.Severity != nil {
		add("severity = ?", string(*f.Severity))
	}
	if f.IsSuccess != nil {
		add("is_success = ?", *f.IsSuccess)
	}
	if f.From != nil {
		add("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		add("created_at <= ?", f.To.UTC())
	}
	if f.Search != "" {
		add("(entity_name ILIKE ? OR description ILIKE ?)", "%"+escapeLike(f.Search)+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                         Record
		email, entityID, entityName pgtype.Text
		ip, agent, description      pgtype.Text
		oldValues, newValues        []byte
		severity                    string
		createdAt                   pgtype.Timestamptz
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &email, &rec.TenantID, &rec.Action, &rec.EntityType, &entityID, &entityName,
		&oldValues, &newValues, &ip, &agent, &description, &severity, &rec.IsSuccess, &createdAt); err != nil {
		return Record{}, err
	}
	rec.UserEmail = email.String
	rec.EntityID = entityID.String
	rec.EntityName = entityName.String
	rec.IPAddress = ip.String
	rec.UserAgent = agent.String
	rec.Description = description.String
	rec.OldValues = oldValues
	rec.NewValues = newValues
	rec.Severity = Severity(severity)
	if createdAt.Valid {
		rec.Timestamp = createdAt.Time.UTC()
	}
	return rec, nil
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func jsonParam(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var _ Repository = (*PgRepository)(nil)
