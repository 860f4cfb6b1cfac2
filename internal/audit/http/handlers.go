package audithttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/audit"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/tenancy"
)

// Service mendefinisikan kontrak audit yang dipakai handler.
type Service interface {
	Query(ctx context.Context, filter audit.Filter, req shared.PageRequest) (audit.Page, error)
	Stats(ctx context.Context, tenantID *int64) (audit.Stats, error)
	Export(ctx context.Context, w io.Writer, filter audit.Filter) (int, error)
	Cleanup(ctx context.Context, daysToKeep int, actor audit.Record) (audit.CleanupResult, error)
}

// Handler menangani endpoint /api/auditlog.
type Handler struct {
	logger        *slog.Logger
	service       Service
	validator     *validator.Validate
	retentionDays int
	now           func() time.Time
}

// NewHandler membuat handler audit baru. retentionDays menjadi default
// daysToKeep pada cleanup.
func NewHandler(logger *slog.Logger, service Service, retentionDays int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionDays < 1 {
		retentionDays = audit.DefaultRetentionDays
	}
	return &Handler{
		logger:        logger,
		service:       service,
		validator:     httpx.NewValidator(),
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

type filterQuery struct {
	Action     string `query:"action" validate:"max=100"`
	EntityType string `query:"entityType" validate:"max=100"`
	Search     string `query:"search" validate:"max=200"`
	Severity   string `query:"severity" validate:"omitempty,oneof=Info Warning Critical info warning critical"`
}

type cleanupQuery struct {
	DaysToKeep int `query:"daysToKeep" validate:"gte=1,lte=3650"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.securityContext(w, r)
	if !ok {
		return
	}
	filter, err := h.parseFilter(r, sc)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	page, err := httpx.PageRequest(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	res, err := h.service.Query(r.Context(), filter, page)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.securityContext(w, r)
	if !ok {
		return
	}
	tenantID, err := h.tenantFilter(r, sc)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	stats, err := h.service.Stats(r.Context(), tenantID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.securityContext(w, r)
	if !ok {
		return
	}
	filter, err := h.parseFilter(r, sc)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var buf bytes.Buffer
	rows, err := h.service.Export(r.Context(), &buf, filter)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	filename := fmt.Sprintf("audit-log-%s.csv", h.now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Total-Rows", fmt.Sprint(rows))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.securityContext(w, r)
	if !ok {
		return
	}
	days, err := httpx.QueryInt(r, "daysToKeep")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if strings.TrimSpace(r.URL.Query().Get("daysToKeep")) == "" {
		days = h.retentionDays
	}
	if err := httpx.Validate(h.validator, cleanupQuery{DaysToKeep: days}); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	actor := sc.Principal()
	res, err := h.service.Cleanup(r.Context(), days, audit.Record{
		UserID:    actor.ID,
		UserEmail: actor.Email,
		TenantID:  actor.TenantID,
		IPAddress: httpx.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	h.logger.Warn("audit log purged",
		slog.Int64("principal_id", actor.ID),
		slog.Int("days_to_keep", days),
		slog.Int64("deleted", res.DeletedCount))
	httpx.JSON(w, http.StatusOK, map[string]any{
		"deletedCount": res.DeletedCount,
		"cutoff":       res.Cutoff,
		"message":      fmt.Sprintf("Deleted %d audit records older than %d days", res.DeletedCount, days),
	})
}

func (h *Handler) parseFilter(r *http.Request, sc security.Context) (audit.Filter, error) {
	q := r.URL.Query()
	raw := filterQuery{
		Action:     strings.TrimSpace(q.Get("action")),
		EntityType: strings.TrimSpace(q.Get("entityType")),
		Search:     strings.TrimSpace(q.Get("search")),
		Severity:   strings.TrimSpace(q.Get("severity")),
	}
	if err := httpx.Validate(h.validator, raw); err != nil {
		return audit.Filter{}, err
	}
	filter := audit.Filter{Action: raw.Action, EntityType: raw.EntityType, Search: raw.Search}
	if raw.Severity != "" {
		sev, err := audit.ParseSeverity(raw.Severity)
		if err != nil {
			return audit.Filter{}, shared.Invalid("severity", "is invalid")
		}
		filter.Severity = &sev
	}
	var err error
	if filter.UserID, err = httpx.QueryInt64(r, "userId"); err != nil {
		return audit.Filter{}, err
	}
	if filter.IsSuccess, err = httpx.QueryBool(r, "isSuccess"); err != nil {
		return audit.Filter{}, err
	}
	if filter.From, err = httpx.QueryTime(r, "fromDate", false); err != nil {
		return audit.Filter{}, err
	}
	if filter.To, err = httpx.QueryTime(r, "toDate", true); err != nil {
		return audit.Filter{}, err
	}
	if filter.TenantID, err = h.tenantFilter(r, sc); err != nil {
		return audit.Filter{}, err
	}
	return filter, nil
}

// tenantFilter mengunci tenant ke tenant efektif pemanggil. Hanya SuperAdmin
// yang tidak sedang impersonasi boleh memilih tenant lain atau semua tenant.
func (h *Handler) tenantFilter(r *http.Request, sc security.Context) (*int64, error) {
	requested, err := httpx.QueryInt64(r, "tenantId")
	if err != nil {
		return nil, err
	}
	scope, err := tenancy.CrossTenantScopeFor(sc)
	if err != nil {
		return nil, err
	}
	if scope.CrossTenant {
		return requested, nil
	}
	if requested != nil {
		if err := scope.Authorize(*requested); err != nil {
			return nil, err
		}
	}
	tenantID := scope.TenantID
	return &tenantID, nil
}

func (h *Handler) securityContext(w http.ResponseWriter, r *http.Request) (security.Context, bool) {
	sc, ok := security.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, shared.ErrAuthenticationMissing.Error())
		return security.Context{}, false
	}
	return sc, true
}
