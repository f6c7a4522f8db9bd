package shared

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Pagination is the listing metadata returned with quotes and purchase orders.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination normalises page and per-page values and derives the page count.
func NewPagination(page, perPage, total int) Pagination {
	switch {
	case perPage <= 0:
		perPage = defaultPerPage
	case perPage > maxPerPage:
		perPage = maxPerPage
	}
	if page <= 0 {
		page = 1
	}
	if total < 0 {
		total = 0
	}
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: (total + perPage - 1) / perPage}
}

// Offset returns the zero-based row offset for the page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}
