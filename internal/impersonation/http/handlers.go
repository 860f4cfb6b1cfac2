package impersonationhttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/impersonation"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/security"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

// Service is the impersonation contract the handlers depend on.
type Service interface {
	Start(ctx context.Context, sc security.Context, req impersonation.StartRequest, meta impersonation.RequestMeta) (impersonation.StartResult, error)
	Stop(ctx context.Context, sc security.Context, meta impersonation.RequestMeta) (impersonation.Session, error)
	Status(ctx context.Context, sc security.Context) (impersonation.Status, error)
	Active(ctx context.Context, sc security.Context) ([]impersonation.Session, error)
	History(ctx context.Context, sc security.Context, filter impersonation.HistoryFilter, req shared.PageRequest) (impersonation.HistoryPage, error)
	SearchUsers(ctx context.Context, sc security.Context, query string, req shared.PageRequest) (impersonation.CandidatePage, error)
}

// Handler serves /api/impersonation.
type Handler struct {
	logger    *slog.Logger
	service   Service
	validator *validator.Validate
}

// NewHandler builds the impersonation handler.
func NewHandler(logger *slog.Logger, service Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

type startResponse struct {
	Token      string    `json:"token"`
	SessionID  uuid.UUID `json:"sessionId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	TargetUser target    `json:"targetUser"`
	OriginalID int64     `json:"originalAdminId"`
	Message    string    `json:"message"`
}

type target struct {
	ID       int64  `json:"id"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	TenantID int64  `json:"tenantId"`
}

type stopResponse struct {
	SessionID uuid.UUID  `json:"sessionId"`
	EndedAt   *time.Time `json:"endedAt"`
	Message   string     `json:"message"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.securityContext(w, r)
	if !ok {
		return
	}
	var req impersonation.StartRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	res, err := h.service.Start(r.Context(), sc, req, meta(r))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	s := res.Session
	httpx.JSON(w, http.StatusOK, startResponse{
		Token:     res.Token,
		SessionID: s.ID,
		ExpiresAt: s.ExpiresAt,
		TargetUser: target{
			ID:       s.TargetID,
			Email:    s.TargetEmail,
			Role:     s.TargetRole.String(),
			TenantID: s.TenantID,
		},
		OriginalID: s.AdminID,
		Message:    "impersonation started",
	})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.securityContext(w, r)
	if !ok {
		return
	}
	s, err := h.service.Stop(r.Context(), sc, meta(r))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stopResponse{SessionID: s.ID, EndedAt: s.EndedAt, Message: "impersonation stopped"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.securityContext(w, r)
	if !ok {
		return
	}
	status, err := h.service.Status(r.Context(), sc)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.securityContext(w, r)
	if !ok {
		return
	}
	sessions, err := h.service.Active(r.Context(), sc)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.securityContext(w, r)
	if !ok {
		return
	}
	filter, page, err := parseHistory(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	res, err := h.service.History(r.Context(), sc, filter, page)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type searchQuery struct {
	Query    string `query:"query" validate:"max=100"`
	Page     int    `query:"page" validate:"gte=0"`
	PageSize int    `query:"pageSize" validate:"gte=0,lte=100"`
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.securityContext(w, r)
	if !ok {
		return
	}
	page, err := httpx.PageRequest(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	q := searchQuery{Query: r.URL.Query().Get("query"), Page: page.Page, PageSize: page.PageSize}
	if err := httpx.Validate(h.validator, q); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	res, err := h.service.SearchUsers(r.Context(), sc, q.Query, page)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) securityContext(w http.ResponseWriter, r *http.Request) (security.Context, bool) {
	sc, ok := security.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, shared.ErrAuthenticationMissing.Error())
		return security.Context{}, false
	}
	return sc, true
}

func parseHistory(r *http.Request) (impersonation.HistoryFilter, shared.PageRequest, error) {
	var filter impersonation.HistoryFilter
	var err error
	if filter.From, err = httpx.QueryTime(r, "fromDate", false); err != nil {
		return filter, shared.PageRequest{}, err
	}
	if filter.To, err = httpx.QueryTime(r, "toDate", true); err != nil {
		return filter, shared.PageRequest{}, err
	}
	if filter.AdminID, err = httpx.QueryInt64(r, "adminId"); err != nil {
		return filter, shared.PageRequest{}, err
	}
	page, err := httpx.PageRequest(r)
	return filter, page, err
}

func meta(r *http.Request) impersonation.RequestMeta {
	return impersonation.RequestMeta{IPAddress: httpx.ClientIP(r), UserAgent: r.UserAgent()}
}
