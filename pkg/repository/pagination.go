package repository

// SortDirection is the direction of a sort criterion.
type SortDirection string

const (
	// SortAsc sorts ascending.
	SortAsc SortDirection = "asc"

	// SortDesc sorts descending.
	SortDesc SortDirection = "desc"
)

// SortCriteria is one sort criterion: a field and a direction.
type SortCriteria struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// Asc creates an ascending sort criterion.
func Asc(field string) SortCriteria {
	return SortCriteria{Field: field, Direction: SortAsc}
}

// Desc creates a descending sort criterion.
func Desc(field string) SortCriteria {
	return SortCriteria{Field: field, Direction: SortDesc}
}

// PageRequest asks for one page of results. Pages are 1-based.
type PageRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Offset returns the number of items to skip for this page.
func (p PageRequest) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// PageInfo describes one page of a paginated result, with totals derived from
// the matching item count.
type PageInfo struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
	TotalPages int   `json:"total_pages"`
}

// NewPageInfo computes pagination info for a page over total matching items.
func NewPageInfo(page, pageSize int, totalItems int64) PageInfo {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	totalPages := int((totalItems + int64(pageSize) - 1) / int64(pageSize))
	return PageInfo{
		Page:       page,
		PageSize:   pageSize,
		TotalItems: totalItems,
		TotalPages: totalPages,
	}
}

// Offset returns the number of items skipped before this page.
func (p PageInfo) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// HasNext reports whether a page follows this one.
func (p PageInfo) HasNext() bool {
	return p.Page < p.TotalPages
}

// HasPrevious reports whether a page precedes this one.
func (p PageInfo) HasPrevious() bool {
	return p.Page > 1
}
