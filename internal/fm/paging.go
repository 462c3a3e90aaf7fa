package fm

// DefaultLimit is the page size used until a query says otherwise.
const DefaultLimit = 10

// TotalPages is ceil(foundCount/limit), never less than 1.
func TotalPages(foundCount, limit int) int {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if foundCount <= 0 {
		return 1
	}
	return (foundCount + limit - 1) / limit
}

// ClampPage keeps page within [1, totalPages].
func ClampPage(page, totalPages int) int {
	if totalPages < 1 {
		totalPages = 1
	}
	if page < 1 {
		return 1
	}
	if page > totalPages {
		return totalPages
	}
	return page
}

// Offset is the 1-based record offset for page: max((page-1)*limit, 1).
func Offset(page, limit int) int {
	off := (page - 1) * limit
	if off < 1 {
		return 1
	}
	return off
}
