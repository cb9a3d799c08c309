package response

import (
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type logRow struct {
	ID    uint   `gorm:"primaryKey"`
	Model string `gorm:"type:varchar(255)"`
}

func newPaginationDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&logRow{}))
	return db
}

func paginationContext(t *testing.T, url string) *gin.Context {
	t.Helper()
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", url, nil)
	return c
}

func seedRows(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, db.Create(&logRow{Model: fmt.Sprintf("claude-sonnet-%d", i)}).Error)
	}
}

func TestPaginateEmptyTable(t *testing.T) {
	db := newPaginationDB(t)
	c := paginationContext(t, "/?page=1&page_size=10")

	var rows []logRow
	resp, err := Paginate(c, db.Model(&logRow{}), &rows)

	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, resp.Pagination.Page)
	if resp.Pagination.TotalItems >= 0 {
		assert.Equal(t, int64(0), resp.Pagination.TotalItems)
	}
}

func TestPaginateShortFinalPageSkipsCount(t *testing.T) {
	db := newPaginationDB(t)
	seedRows(t, db, 5)
	c := paginationContext(t, "/?page=1&page_size=10")

	var rows []logRow
	resp, err := Paginate(c, db.Model(&logRow{}), &rows)

	require.NoError(t, err)
	assert.Len(t, rows, 5)
	// A short page resolves exact totals without waiting for COUNT.
	assert.Equal(t, int64(5), resp.Pagination.TotalItems)
	assert.Equal(t, 1, resp.Pagination.TotalPages)
}

func TestPaginateMiddlePage(t *testing.T) {
	db := newPaginationDB(t)
	seedRows(t, db, 25)
	c := paginationContext(t, "/?page=2&page_size=10")

	var rows []logRow
	resp, err := Paginate(c, db.Model(&logRow{}), &rows)

	require.NoError(t, err)
	assert.Len(t, rows, 10)
	assert.Equal(t, 2, resp.Pagination.Page)
	if resp.Pagination.TotalItems > 0 {
		assert.Equal(t, int64(25), resp.Pagination.TotalItems)
		assert.Equal(t, 3, resp.Pagination.TotalPages)
	}
}

func TestPaginateTrimsExtraRow(t *testing.T) {
	db := newPaginationDB(t)
	seedRows(t, db, 11)
	c := paginationContext(t, "/?page=1&page_size=10")

	var rows []logRow
	resp, err := Paginate(c, db.Model(&logRow{}), &rows)

	require.NoError(t, err)
	// The detection row fetched beyond the page must not leak to the caller.
	assert.Len(t, rows, 10)
	assert.Equal(t, 10, resp.Pagination.PageSize)
}

func TestPaginateParameterNormalization(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantPage int
		wantSize int
	}{
		{"negative page", "/?page=-3&page_size=10", 1, 10},
		{"zero page", "/?page=0&page_size=10", 1, 10},
		{"non-numeric page", "/?page=abc&page_size=10", 1, 10},
		{"negative size", "/?page=1&page_size=-10", 1, DefaultPageSize},
		{"zero size", "/?page=1&page_size=0", 1, DefaultPageSize},
		{"size over cap", "/?page=1&page_size=5000", 1, MaxPageSize},
		{"defaults", "/", 1, DefaultPageSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newPaginationDB(t)
			c := paginationContext(t, tt.url)

			var rows []logRow
			resp, err := Paginate(c, db.Model(&logRow{}), &rows)

			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, resp.Pagination.Page)
			assert.Equal(t, tt.wantSize, resp.Pagination.PageSize)
		})
	}
}

func TestSliceLen(t *testing.T) {
	assert.Equal(t, 3, sliceLen([]int{1, 2, 3}))
	assert.Equal(t, 4, sliceLen(&[]int{1, 2, 3, 4}))
	assert.Equal(t, 0, sliceLen([]int{}))
	assert.Equal(t, 0, sliceLen("not a slice"))
}

func TestTrimSlice(t *testing.T) {
	tests := []struct {
		name    string
		input   []int
		length  int
		wantLen int
	}{
		{"trims over-length slice", []int{1, 2, 3, 4, 5}, 3, 3},
		{"leaves short slice alone", []int{1, 2}, 5, 2},
		{"trims to empty", []int{1, 2, 3}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trimSlice(&tt.input, tt.length)
			assert.Len(t, tt.input, tt.wantLen)
		})
	}
}
