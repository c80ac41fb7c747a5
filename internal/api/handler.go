// Package api provides the HTTP API for Kestrel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxBodyBytes caps request payloads.
const maxBodyBytes = 1 << 20

// Intake is the transaction and account side of the API.
type Intake interface {
	SubmitTransaction(ctx context.Context, req *domain.TransactionRequest) (*domain.TransactionResponse, error)
	EnqueueTransaction(ctx context.Context, req *domain.TransactionRequest) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListAlerts(ctx context.Context, txID string) ([]*domain.FraudAlert, error)
	CreateAccount(ctx context.Context, req *domain.AccountRequest) (*domain.Account, error)
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
}

// RuleCatalog is the rule management side of the API.
type RuleCatalog interface {
	Create(ctx context.Context, req domain.RuleRequest) (*domain.FraudRule, error)
	Get(ctx context.Context, id string) (*domain.FraudRule, error)
	List(ctx context.Context, activeOnly bool) ([]*domain.FraudRule, error)
	UpdateMetadata(ctx context.Context, id string, req domain.RuleMetadataRequest) (*domain.FraudRule, error)
	UpdateConditions(ctx context.Context, id string, conditions json.RawMessage) (*domain.FraudRule, error)
	UpdatePriority(ctx context.Context, id string, priority int) (*domain.FraudRule, error)
	Activate(ctx context.Context, id string) (*domain.FraudRule, error)
	Deactivate(ctx context.Context, id string) (*domain.FraudRule, error)
}

// Pinger is a dependency probed by the health endpoints.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers for the API.
type Handler struct {
	intake  Intake
	rules   RuleCatalog
	checks  map[string]Pinger
	version string
	started time.Time
}

// NewHandler creates a new API handler. checks maps a component name to its
// health probe; the "repository" entry also gates readiness.
func NewHandler(intake Intake, rules RuleCatalog, checks map[string]Pinger, version string) *Handler {
	return &Handler{
		intake:  intake,
		rules:   rules,
		checks:  checks,
		version: version,
		started: time.Now(),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components"`
}

// Health handles GET /health. A failing component degrades the status but
// the endpoint still answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Components: make(map[string]string, len(h.checks)),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			slog.Warn("health check failed", "component", name, "error", err)
			resp.Components[name] = "unhealthy"
			resp.Status = "degraded"
			continue
		}
		resp.Components[name] = "healthy"
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready. The service is ready once the repository answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if repo, ok := h.checks["repository"]; ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repo.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// CreateAccount handles POST /accounts.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.AccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, err := h.intake.CreateAccount(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// GetAccount handles GET /accounts/{id}.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.intake.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// SubmitTransaction handles POST /transactions. With ?async=true the request
// is queued for the workers and 202 is returned without an analysis.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := h.intake.EnqueueTransaction(r.Context(), &req); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	resp, err := h.intake.SubmitTransaction(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.intake.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ListAlerts handles GET /transactions/{id}/alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.intake.ListAlerts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.FraudAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ListRules handles GET /rules. ?active=true restricts the list to active rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid active filter %q", domain.ErrValidation, v))
			return
		}
		activeOnly = parsed
	}

	list, err := h.rules.List(r.Context(), activeOnly)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.FraudRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req domain.RuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := h.rules.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule handles PUT /rules/{id}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req domain.RuleMetadataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := h.rules.UpdateMetadata(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateConditionsRequest is the body of PUT /rules/{id}/conditions.
type UpdateConditionsRequest struct {
	Conditions json.RawMessage `json:"conditions"`
}

// UpdateRuleConditions handles PUT /rules/{id}/conditions.
func (h *Handler) UpdateRuleConditions(w http.ResponseWriter, r *http.Request) {
	var req UpdateConditionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := h.rules.UpdateConditions(r.Context(), chi.URLParam(r, "id"), req.Conditions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdatePriorityRequest is the body of PUT /rules/{id}/priority.
type UpdatePriorityRequest struct {
	Priority int `json:"priority"`
}

// UpdateRulePriority handles PUT /rules/{id}/priority.
func (h *Handler) UpdateRulePriority(w http.ResponseWriter, r *http.Request) {
	var req UpdatePriorityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := h.rules.UpdatePriority(r.Context(), chi.URLParam(r, "id"), req.Priority)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ActivateRule handles POST /rules/{id}/activate.
func (h *Handler) ActivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Activate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeactivateRule handles POST /rules/{id}/deactivate.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// decodeJSON reads the request body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		if status == http.StatusInternalServerError {
			writeJSON(w, status, errorResponse{Error: "internal server error"})
			return
		}
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
