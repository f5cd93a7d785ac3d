/*
handlers.go - HTTP request handlers for the night audit API

PURPOSE:
  Implements all REST API endpoints. Each handler:
  1. Parses and validates the request (dates, toggles, actor)
  2. Calls the pipeline or the store
  3. Converts domain types to DTOs
  4. Returns JSON response

ENDPOINTS:
  Night audit:
    POST /api/night-audit/runs            - Run an audit (blocks until finalized)
    GET  /api/night-audit/runs            - List runs (?date=, ?status=, ?limit=)
    GET  /api/night-audit/runs/{id}       - Get one run
    GET  /api/night-audit/validate?date=  - Dry-run validation
    GET  /api/night-audit/scheduler       - Scheduler status

  Invoices & sequences:
    GET /api/invoices?from=&to=  - Invoices dated in [from, to] (inclusive days)
    GET /api/sequences           - Invoice number sequences

  Configuration (configuration.go):
    GET /api/configuration       - Taxes, service charge, seasons, sequence
    PUT /api/configuration       - Replace them

  Scenarios (dev):
    GET  /api/scenarios          - List demo hotels
    GET  /api/scenarios/current  - Currently loaded demo hotel
    POST /api/scenarios/load     - Load a demo hotel
    POST /api/reset              - Clear all data

ERROR HANDLING:
  400 Bad Request: Malformed dates, unknown status, missing actor, bad policy
  404 Not Found:   Audit log does not exist
  409 Conflict:    A run is already in progress, the run lock is held, or
                   the sequence changed under a configuration update
  500 Internal:    Store failures

  A run that finished with failed operations, or was blocked by critical
  validation, is still 201: the outcome is on the returned audit log.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Router configuration
  - audit/pipeline.go: Pipeline.Run
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/night-audit/audit"
	"github.com/warp/night-audit/factory"
	"github.com/warp/night-audit/store/sqlite"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Store         *sqlite.Store
	Pipeline      *audit.Pipeline
	PolicyFactory *factory.PolicyFactory
	Scheduler     *NightAuditScheduler
	Logger        *zap.Logger
	Now           func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. The pipeline runs against the same store.
func NewHandler(store *sqlite.Store, pipeline *audit.Pipeline, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:         store,
		Pipeline:      pipeline,
		PolicyFactory: factory.NewPolicyFactory(),
		Logger:        logger.Named("api"),
		Now:           time.Now,
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// =============================================================================
// NIGHT AUDIT ENDPOINTS
// =============================================================================

// RunAudit validates the run configuration and executes the night audit.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	var req RunAuditRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	today := audit.BusinessDate(h.now())
	auditDate := today.AddDate(0, 0, -1)
	if req.AuditDate != "" {
		d, err := audit.ParseDate(req.AuditDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid audit_date (expected YYYY-MM-DD)", err)
			return
		}
		auditDate = d
	}
	if auditDate.After(today) {
		writeError(w, http.StatusBadRequest, "audit_date cannot be in the future", nil)
		return
	}

	runReq := audit.RunRequest{
		AuditDate:            auditDate,
		StartedBy:            req.StartedBy,
		PostRoomCharges:      enabled(req.PostRoomCharges),
		GenerateInvoices:     enabled(req.GenerateInvoices),
		ReconcilePayments:    enabled(req.ReconcilePayments),
		RotateInvoiceNumbers: enabled(req.RotateInvoiceNumbers),
	}

	result, err := h.Pipeline.Run(r.Context(), runReq)
	if audit.IsConflict(err) {
		writeErrorCode(w, http.StatusConflict, "Night audit already running", "audit_in_progress", err)
		return
	}
	if err != nil {
		h.Logger.Error("run night audit", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Night audit failed to run", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAuditLogDTO(*result))
}

// ListAudits returns audit logs, newest first.
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	var filter audit.AuditFilter

	if s := r.URL.Query().Get("date"); s != "" {
		d, err := audit.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date (expected YYYY-MM-DD)", err)
			return
		}
		filter.AuditDate = &d
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := audit.AuditStatus(s)
		if status != audit.StatusInProgress && !status.IsFinal() {
			writeError(w, http.StatusBadRequest, "Invalid status", nil)
			return
		}
		filter.Status = &status
	}
	filter.Limit = 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	logs, err := h.Store.ListAudits(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audits", err)
		return
	}

	out := make([]AuditLogDTO, 0, len(logs))
	for _, l := range logs {
		out = append(out, toAuditLogDTO(l))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAudit returns one audit log.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	l, err := h.Store.GetAudit(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get audit", err)
		return
	}
	if l == nil {
		writeError(w, http.StatusNotFound, "Audit not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toAuditLogDTO(*l))
}

// ValidateAudit runs the pre-audit checks without posting anything.
func (h *Handler) ValidateAudit(w http.ResponseWriter, r *http.Request) {
	auditDate, err := h.dateParam(r, "date", audit.BusinessDate(h.now()).AddDate(0, 0, -1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (expected YYYY-MM-DD)", err)
		return
	}

	report, err := h.Pipeline.Validate(r.Context(), auditDate)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to validate", err)
		return
	}
	writeJSON(w, http.StatusOK, toValidationReportDTO(auditDate, report))
}

// GetSchedulerStatus reports whether the nightly scheduler runs and what it
// would audit now.
func (h *Handler) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}

	resp := map[string]any{
		"enabled":        h.Scheduler.Enabled,
		"run_hour":       h.Scheduler.RunHour,
		"check_interval": h.Scheduler.CheckInterval.String(),
		"next_check":     h.Scheduler.GetNextRunTime(),
	}
	if date, due := h.Scheduler.Due(h.Scheduler.now()); due {
		resp["due_audit_date"] = audit.FormatDate(date)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// INVOICE & SEQUENCE ENDPOINTS
// =============================================================================

// ListInvoices returns invoices dated from..to, both days included. Both
// default to yesterday.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	yesterday := audit.BusinessDate(h.now()).AddDate(0, 0, -1)

	from, err := h.dateParam(r, "from", yesterday)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from (expected YYYY-MM-DD)", err)
		return
	}
	to, err := h.dateParam(r, "to", from)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to (expected YYYY-MM-DD)", err)
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from", nil)
		return
	}

	invoices, err := h.Store.ListInvoices(r.Context(), from, to.AddDate(0, 0, 1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}

	out := make([]InvoiceDTO, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, toInvoiceDTO(inv))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListSequences returns every invoice sequence, active or retired.
func (h *Handler) ListSequences(w http.ResponseWriter, r *http.Request) {
	seqs, err := h.Store.ListSequences(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sequences", err)
		return
	}

	out := make([]SequenceDTO, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, toSequenceDTO(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) dateParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return fallback, nil
	}
	return audit.ParseDate(s)
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRequest decodes the JSON body into req and validates its struct
// tags. An empty body decodes as the zero value. On failure it writes the
// 400 response and returns false.
func decodeRequest(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "Invalid request", err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Code:    "validation_failed",
			Details: fields,
		})
		return false
	}
	return true
}

// enabled treats an omitted toggle as on.
func enabled(b *bool) bool { return b == nil || *b }

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeErrorCode(w, status, message, "", err)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
