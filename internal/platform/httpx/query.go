package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

const dateLayout = "2006-01-02"

// QueryInt parses an optional integer query parameter.
func QueryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, shared.Invalid(name, "must be an integer")
	}
	return v, nil
}

// QueryInt64 parses an optional positive id query parameter.
func QueryInt64(r *http.Request, name string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return nil, shared.Invalid(name, "must be a positive integer")
	}
	return &v, nil
}

// QueryBool parses an optional boolean query parameter.
func QueryBool(r *http.Request, name string) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, shared.Invalid(name, "must be true or false")
	}
	return &v, nil
}

// QueryTime parses an RFC3339 timestamp or a yyyy-MM-dd date. A bare date used
// as an upper bound covers the whole day.
func QueryTime(r *http.Request, name string, upper bool) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, time.UTC)
	if err != nil {
		return nil, shared.Invalid(name, "must be RFC3339 or yyyy-MM-dd")
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// PageRequest reads page and pageSize.
func PageRequest(r *http.Request) (shared.PageRequest, error) {
	page, err := QueryInt(r, "page")
	if err != nil {
		return shared.PageRequest{}, err
	}
	size, err := QueryInt(r, "pageSize")
	if err != nil {
		return shared.PageRequest{}, err
	}
	if page < 0 || size < 0 {
		return shared.PageRequest{}, shared.Invalid("page", "must not be negative")
	}
	if page > shared.MaxPage {
		return shared.PageRequest{}, shared.Invalid("page", "must be at most "+strconv.Itoa(shared.MaxPage))
	}
	return shared.PageRequest{Page: page, PageSize: size}, nil
}

// ClientIP returns the host part of RemoteAddr, which chi's RealIP middleware
// has already rewritten from proxy headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
