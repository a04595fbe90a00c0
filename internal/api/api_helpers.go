package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codetime-proxy/codetime-proxy/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Pagination holds parsed limit/offset values.
type Pagination struct {
	Limit  int
	Offset int
}

// parsePagination reads limit and offset from query parameters.
func parsePagination(c *gin.Context) (Pagination, error) {
	p := Pagination{Limit: defaultPageLimit}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("limit: must be a non-negative integer")
		}
		if n > maxPageLimit {
			return p, fmt.Errorf("limit: must be <= %d", maxPageLimit)
		}
		if n > 0 {
			p.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("offset: must be a non-negative integer")
		}
		p.Offset = n
	}
	return p, nil
}

// parseTime accepts RFC3339 or Unix milliseconds.
func parseTime(name, v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: must be RFC3339 or unix milliseconds", name)
	}
	return t.UTC(), nil
}

// parseListFilter builds a store filter from query parameters. Limit is
// one more than requested so the handler can report has_more.
func parseListFilter(c *gin.Context) (store.ListFilter, Pagination, error) {
	p, err := parsePagination(c)
	if err != nil {
		return store.ListFilter{}, p, err
	}
	f := store.ListFilter{
		EventType: strings.TrimSpace(c.Query("event_type")),
		Language:  strings.TrimSpace(c.Query("language")),
		Project:   strings.TrimSpace(c.Query("project")),
		Limit:     p.Limit + 1,
		Offset:    p.Offset,
	}
	if v := c.Query("status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 100 || n > 999 {
			return f, p, fmt.Errorf("status: must be an HTTP status code")
		}
		f.Status = &n
	}
	if f.Since, err = parseTime("since", c.Query("since")); err != nil {
		return f, p, err
	}
	if f.Until, err = parseTime("until", c.Query("until")); err != nil {
		return f, p, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Until.After(f.Since) {
		return f, p, fmt.Errorf("until: must be after since")
	}
	return f, p, nil
}
