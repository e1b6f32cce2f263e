package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"both", "limit=25&offset=5", 25, 5},
		{"limit exceeds max", "limit=500", maxPageLimit, 0},
		{"negative limit uses default", "limit=-1", defaultPageLimit, 0},
		{"negative offset uses zero", "offset=-5", defaultPageLimit, 0},
		{"non-numeric", "limit=abc&offset=xyz", defaultPageLimit, 0},
		{"zero limit uses default", "limit=0", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/test?"+tt.query, nil)
			limit, offset := parsePagination(r)
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestPaginate(t *testing.T) {
	items := []int{0, 1, 2, 3, 4}
	tests := []struct {
		name  string
		query string
		want  []int
		meta  PaginationMeta
	}{
		{"all", "", []int{0, 1, 2, 3, 4}, PaginationMeta{TotalCount: 5, Limit: defaultPageLimit}},
		{"first page", "limit=2", []int{0, 1}, PaginationMeta{TotalCount: 5, Limit: 2, HasMore: true}},
		{"middle page", "limit=2&offset=2", []int{2, 3}, PaginationMeta{TotalCount: 5, Limit: 2, Offset: 2, HasMore: true}},
		{"last page", "limit=2&offset=4", []int{4}, PaginationMeta{TotalCount: 5, Limit: 2, Offset: 4}},
		{"past the end", "offset=10", []int{}, PaginationMeta{TotalCount: 5, Limit: defaultPageLimit, Offset: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/test?"+tt.query, nil)
			page, meta := paginate(r, items)
			assert.Equal(t, tt.want, page)
			assert.Equal(t, tt.meta, meta)
		})
	}
}
