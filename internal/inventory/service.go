package inventory

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/tenancy"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	ListItems(ctx context.Context, scope tenancy.Scope, limit, offset int) ([]Item, int64, error)
}

// Service coordinates inventory reads.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListItems returns one page of items. Cross-tenant scopes are refused; stock
// is never listed outside a single tenant.
func (s *Service) ListItems(ctx context.Context, scope tenancy.Scope, req shared.PageRequest) (ItemPage, error) {
	if scope.CrossTenant || scope.TenantID <= 0 {
		return ItemPage{}, shared.ErrTenantMismatch
	}
	req = req.Normalize(defaultPageSize, maxPageSize)
	items, total, err := s.repo.ListItems(ctx, scope, req.PageSize, req.Offset())
	if err != nil {
		return ItemPage{}, fmt.Errorf("inventory: list items: %w", err)
	}
	pagination := shared.NewPagination(req.Page, req.PageSize, int(total))
	return ItemPage{
		Items:      items,
		TotalCount: total,
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: pagination.TotalPages,
	}, nil
}
