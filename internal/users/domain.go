package users

import (
	"time"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/rbac"
)

// User is a principal known to the directory.
type User struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenantId"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      rbac.Role `json:"role"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BranchAssignment links a user to a branch of its tenant.
type BranchAssignment struct {
	UserID   int64
	BranchID int64
	IsActive bool
}

// SearchResult is one page of users matching a search.
type SearchResult struct {
	Users []User
	Total int64
}
