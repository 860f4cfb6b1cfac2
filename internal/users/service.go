package users

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/tenancy"
)

const (
	defaultSearchPageSize = 20
	maxSearchPageSize     = 100
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (User, error)
	ActiveBranchIDs(ctx context.Context, userID int64) ([]int64, error)
	Search(ctx context.Context, scope tenancy.Scope, text string, limit, offset int) (SearchResult, error)
}

// Service is the user directory consulted by the security core.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Get returns a user by id or shared.ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	if id <= 0 {
		return User{}, shared.ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// ActiveBranchIDs returns live branch assignments.
func (s *Service) ActiveBranchIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.repo.ActiveBranchIDs(ctx, userID)
}

// Search returns one page of users visible in scope.
func (s *Service) Search(ctx context.Context, scope tenancy.Scope, text string, page shared.PageRequest) (SearchResult, shared.PageRequest, error) {
	page = page.Normalize(defaultSearchPageSize, maxSearchPageSize)
	text = norm.NFC.String(strings.TrimSpace(text))
	if len([]rune(text)) > 100 {
		return SearchResult{}, page, shared.Invalid("query", "is too long")
	}
	res, err := s.repo.Search(ctx, scope, text, page.PageSize, page.Offset())
	if err != nil {
		return SearchResult{}, page, err
	}
	return res, page, nil
}
