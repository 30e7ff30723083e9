package shared

// Page describes an offset page request
type Page struct {
	Page     int
	PageSize int
}

// DefaultPage returns the first page with the default size
func DefaultPage() Page {
	return Page{Page: 1, PageSize: 20}
}

// Offset returns the number of rows to skip
func (p Page) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit()
}

// Limit returns the page size clamped to [1, 100]
func (p Page) Limit() int {
	switch {
	case p.PageSize < 1:
		return 20
	case p.PageSize > 100:
		return 100
	default:
		return p.PageSize
	}
}

// Paginated represents a paginated result
type Paginated[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// NewPaginated creates a new paginated result
func NewPaginated[T any](items []T, total int64, page Page) Paginated[T] {
	size := page.Limit()
	totalPages := int(total) / size
	if int(total)%size > 0 {
		totalPages++
	}
	current := page.Page
	if current < 1 {
		current = 1
	}
	return Paginated[T]{
		Items:      items,
		Total:      total,
		Page:       current,
		PageSize:   size,
		TotalPages: totalPages,
	}
}

// Sort describes a requested ordering. Repositories validate Field against
// their own whitelist; an empty Sort means the repository default.
type Sort struct {
	Field     string
	Direction string
}
