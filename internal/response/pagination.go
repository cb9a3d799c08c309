package response

import (
	"context"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	DefaultPageSize   = 15
	MaxPageSize       = 1000
	CountQueryTimeout = 5 * time.Second
	DataQueryTimeout  = 3 * time.Second
)

// Pagination describes the page window of a paginated response. TotalItems
// and TotalPages are -1 when the COUNT query failed or timed out.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
	TotalPages int   `json:"total_pages"`
}

// PaginatedResponse wraps a page of items with its pagination details.
type PaginatedResponse struct {
	Items      any        `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// Paginate reads page/page_size from the request, fetches one page of rows
// into dest, and resolves totals. The data query fetches pageSize+1 rows so a
// final page is detected without COUNT; otherwise COUNT runs concurrently and
// the response degrades to unknown totals rather than block on a slow scan.
func Paginate(c *gin.Context, query *gorm.DB, dest any) (*PaginatedResponse, error) {
	page := parsePositiveQuery(c, "page", 1)
	pageSize := parsePositiveQuery(c, "page_size", DefaultPageSize)
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	offset := (page - 1) * pageSize

	dataCtx, dataCancel := context.WithTimeout(context.Background(), DataQueryTimeout)
	defer dataCancel()

	dataQuery := query.Session(&gorm.Session{NewDB: true})
	if err := dataQuery.WithContext(dataCtx).Limit(pageSize + 1).Offset(offset).Find(dest).Error; err != nil {
		logrus.WithError(err).Warn("Pagination data query failed")
		return &PaginatedResponse{
			Items:      dest,
			Pagination: Pagination{Page: page, PageSize: pageSize, TotalItems: -1, TotalPages: -1},
		}, nil
	}

	rowCount := sliceLen(dest)
	hasMore := rowCount > pageSize
	if hasMore {
		trimSlice(dest, pageSize)
		rowCount = pageSize
	}

	var totalItems int64 = -1
	countDone := make(chan struct{})
	go func() {
		defer close(countDone)
		countCtx, cancel := context.WithTimeout(context.Background(), CountQueryTimeout)
		defer cancel()

		countQuery := query.Session(&gorm.Session{NewDB: true})
		if err := countQuery.WithContext(countCtx).Count(&totalItems).Error; err != nil {
			if err == context.DeadlineExceeded || countCtx.Err() == context.DeadlineExceeded {
				logrus.Warn("Pagination COUNT query timed out")
			} else {
				logrus.WithError(err).Warn("Pagination COUNT query failed")
			}
			totalItems = -1
		}
	}()

	totalPages := -1
	switch {
	case !hasMore && rowCount < pageSize:
		// Short final page: totals are exact without COUNT.
		totalItems = int64(offset + rowCount)
		totalPages = page
	case !hasMore && page == 1:
		// Exactly one full page.
		totalItems = int64(pageSize)
		totalPages = 1
	default:
		select {
		case <-countDone:
			if totalItems >= 0 {
				totalPages = int(math.Ceil(float64(totalItems) / float64(pageSize)))
			} else {
				logrus.WithFields(logrus.Fields{
					"page":      page,
					"page_size": pageSize,
				}).Warn("COUNT unavailable, returning page with unknown totals")
			}
		case <-time.After(CountQueryTimeout + 200*time.Millisecond):
			totalItems = -1
			logrus.Warn("COUNT query exceeded maximum wait, returning page with unknown totals")
		}
	}

	return &PaginatedResponse{
		Items:      dest,
		Pagination: Pagination{Page: page, PageSize: pageSize, TotalItems: totalItems, TotalPages: totalPages},
	}, nil
}

func parsePositiveQuery(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(fallback)))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

func sliceLen(dest any) int {
	val := reflect.ValueOf(dest)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Slice {
		return 0
	}
	return val.Len()
}

func trimSlice(dest any, length int) {
	val := reflect.ValueOf(dest)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Slice || val.Len() <= length {
		return
	}
	val.Set(val.Slice(0, length))
}
