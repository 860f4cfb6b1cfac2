package inventory

import "time"

// Item is a stock row held by one branch of a tenant.
type Item struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenantId"`
	BranchID  int64     `json:"branchId"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Quantity  int64     `json:"quantity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ItemPage is one page of items visible to the caller.
type ItemPage struct {
	Items      []Item `json:"items"`
	TotalCount int64  `json:"totalCount"`
	Page       int    `json:"page"`
	PageSize   int    `json:"pageSize"`
	TotalPages int    `json:"totalPages"`
}
