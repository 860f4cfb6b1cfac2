package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/tenancy"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `u.id, u.tenant_id, u.email, u.name, u.role, u.is_active, u.created_at, u.updated_at`

// Get returns a user by id.
func (r *Repository) Get(ctx context.Context, id int64) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.ErrNotFound
		}
		return User{}, err
	}
	return user, nil
}

// ActiveBranchIDs returns the branches the user is actively assigned to
// within its own tenant.
func (r *Repository) ActiveBranchIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT ub.branch_id
FROM user_branches ub
JOIN users u ON u.id = ub.user_id
JOIN branches b ON b.id = ub.branch_id AND b.tenant_id = u.tenant_id
WHERE ub.user_id = $1 AND ub.is_active = TRUE AND u.is_active = TRUE
ORDER BY ub.branch_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Search matches users by email or name inside scope.
func (r *Repository) Search(ctx context.Context, scope tenancy.Scope, text string, limit, offset int) (SearchResult, error) {
	where, args := scope.Predicate("u.tenant_id", "", 1)
	if text != "" {
		args = append(args, "%"+escapeLike(text)+"%")
		n := "$" + strconv.Itoa(len(args))
		where += " AND (u.email ILIKE " + n + " OR u.name ILIKE " + n + ")"
	}
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users u WHERE `+where, args...).Scan(&total); err != nil {
		return SearchResult{}, err
	}
	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users u WHERE `+where+
		fmt.Sprintf(` ORDER BY u.name, u.id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return SearchResult{}, err
	}
	defer rows.Close()
	result := SearchResult{Total: total, Users: []User{}}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return SearchResult{}, err
		}
		result.Users = append(result.Users, user)
	}
	return result, rows.Err()
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user User
		role string
	)
	if err := row.Scan(&user.ID, &user.TenantID, &user.Email, &user.Name, &role, &user.IsActive, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	parsed, err := rbac.ParseRole(role)
	if err != nil {
		return User{}, fmt.Errorf("users: user %d: %w", user.ID, err)
	}
	user.Role = parsed
	return user, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
