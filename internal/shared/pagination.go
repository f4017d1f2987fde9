package shared

// MaxPerPage caps page sizes requested by callers.
const MaxPerPage = 200

// Pagination describes one page of a listing.
type Pagination struct {
	Page    int  `json:"page"`
	PerPage int  `json:"per_page"`
	HasMore bool `json:"has_more"`
}

// NewPagination normalises page and perPage.
func NewPagination(page, perPage int) Pagination {
	if perPage <= 0 {
		perPage = 20
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if page <= 0 {
		page = 1
	}
	return Pagination{Page: page, PerPage: perPage}
}

// Fetch is the row count to load so the page can be cut and a following
// page detected.
func (p Pagination) Fetch() int {
	return p.Page*p.PerPage + 1
}

// Paginate cuts rows loaded with Fetch down to the requested page.
func Paginate[T any](p *Pagination, rows []T) []T {
	start := (p.Page - 1) * p.PerPage
	if start >= len(rows) {
		p.HasMore = false
		return nil
	}
	end := start + p.PerPage
	p.HasMore = len(rows) > end
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}
