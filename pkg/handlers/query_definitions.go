package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/services"
)

// maxRequestBodyBytes bounds every JSON body. Query text is capped well below this.
const maxRequestBodyBytes = 1 << 20

// QueryDefinitionResponse is the wire form of a stored definition.
type QueryDefinitionResponse struct {
	ID                 string                `json:"id"`
	Name               string                `json:"name"`
	Description        string                `json:"description,omitempty"`
	QueryText          string                `json:"query_text"`
	VariableSchema     models.VariableSchema `json:"variable_schema"`
	DefaultVariables   models.Variables      `json:"default_variables"`
	MaxExecutionTimeMs int                   `json:"max_execution_time_ms"`
	Active             bool                  `json:"active"`
	ExecutionCount     int64                 `json:"execution_count"`
	LastExecutedAt     *string               `json:"last_executed_at,omitempty"`
	CreatedAt          string                `json:"created_at"`
	UpdatedAt          string                `json:"updated_at"`
}

// ListQueryDefinitionsResponse wraps the list for forward compatibility.
type ListQueryDefinitionsResponse struct {
	QueryDefinitions []QueryDefinitionResponse `json:"query_definitions"`
}

// ExecuteRequest for POST execute and estimate bodies.
type ExecuteRequest struct {
	Limit     int              `json:"limit,omitempty"`
	Variables models.Variables `json:"variables,omitempty"`
}

// ExecuteResponse lists the users the definition selected.
type ExecuteResponse struct {
	Users     []*models.User `json:"users"`
	UserCount int            `json:"user_count"`
}

// EstimateResponse carries the plan-based estimate. Zero means unknown.
type EstimateResponse struct {
	EstimatedRows int64 `json:"estimated_rows"`
}

// ValidateRequest for POST validate body.
type ValidateRequest struct {
	QueryText string `json:"query_text"`
}

// QueryDefinitionsHandler serves definition CRUD, validation, execution and estimation.
type QueryDefinitionsHandler struct {
	definitions services.QueryDefinitionService
	executor    services.QueryExecutionService
	estimator   services.QueryEstimator
	logger      *zap.Logger
}

// NewQueryDefinitionsHandler creates a new query definitions handler.
func NewQueryDefinitionsHandler(
	definitions services.QueryDefinitionService,
	executor services.QueryExecutionService,
	estimator services.QueryEstimator,
	logger *zap.Logger,
) *QueryDefinitionsHandler {
	return &QueryDefinitionsHandler{
		definitions: definitions,
		executor:    executor,
		estimator:   estimator,
		logger:      logger,
	}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *QueryDefinitionsHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/query-definitions"

	// CRUD endpoints
	mux.HandleFunc("GET "+base, h.List)
	mux.HandleFunc("POST "+base, h.Create)
	mux.HandleFunc("GET "+base+"/{id}", h.Get)
	mux.HandleFunc("PUT "+base+"/{id}", h.Update)
	mux.HandleFunc("DELETE "+base+"/{id}", h.Delete)

	// Status endpoints
	mux.HandleFunc("POST "+base+"/{id}/activate", h.Activate)
	mux.HandleFunc("POST "+base+"/{id}/deactivate", h.Deactivate)

	// Sandbox endpoints
	mux.HandleFunc("POST "+base+"/{id}/execute", h.Execute)
	mux.HandleFunc("POST "+base+"/{id}/estimate", h.Estimate)
	mux.HandleFunc("POST "+base+"/validate", h.Validate)
}

// List handles GET /api/query-definitions?active=true
func (h *QueryDefinitionsHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	defs, err := h.definitions.List(r.Context(), activeOnly)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	data := ListQueryDefinitionsResponse{
		QueryDefinitions: make([]QueryDefinitionResponse, len(defs)),
	}
	for i, d := range defs {
		data.QueryDefinitions[i] = toQueryDefinitionResponse(d)
	}

	h.respond(w, http.StatusOK, data)
}

// Create handles POST /api/query-definitions
func (h *QueryDefinitionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateQueryDefinitionRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	def, err := h.definitions.Create(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	h.respond(w, http.StatusCreated, toQueryDefinitionResponse(def))
}

// Get handles GET /api/query-definitions/{id}
func (h *QueryDefinitionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDefinitionID(w, r, h.logger)
	if !ok {
		return
	}

	def, err := h.definitions.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	h.respond(w, http.StatusOK, toQueryDefinitionResponse(def))
}

// Update handles PUT /api/query-definitions/{id}
func (h *QueryDefinitionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDefinitionID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.UpdateQueryDefinitionRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	def, err := h.definitions.Update(r.Context(), id, &req)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	h.respond(w, http.StatusOK, toQueryDefinitionResponse(def))
}

// Delete handles DELETE /api/query-definitions/{id}
func (h *QueryDefinitionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDefinitionID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.definitions.Delete(r.Context(), id); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Query definition deleted"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Activate handles POST /api/query-definitions/{id}/activate
func (h *QueryDefinitionsHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// Deactivate handles POST /api/query-definitions/{id}/deactivate
func (h *QueryDefinitionsHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *QueryDefinitionsHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := ParseDefinitionID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.definitions.SetActive(r.Context(), id, active); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	def, err := h.definitions.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	h.respond(w, http.StatusOK, toQueryDefinitionResponse(def))
}

// Execute handles POST /api/query-definitions/{id}/execute
func (h *QueryDefinitionsHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDefinitionID(w, r, h.logger)
	if !ok {
		return
	}

	var req ExecuteRequest
	// Body is optional for execute
	if !h.decode(w, r, &req, true) {
		return
	}
	if req.Limit < 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must not be negative"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	users, err := h.executor.ExecuteByID(r.Context(), id, services.ExecuteOptions{
		Limit:     req.Limit,
		Variables: req.Variables,
	})
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	h.respond(w, http.StatusOK, ExecuteResponse{Users: users, UserCount: len(users)})
}

// Estimate handles POST /api/query-definitions/{id}/estimate
func (h *QueryDefinitionsHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDefinitionID(w, r, h.logger)
	if !ok {
		return
	}

	var req ExecuteRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	def, err := h.definitions.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	h.respond(w, http.StatusOK, EstimateResponse{
		EstimatedRows: h.estimator.Estimate(r.Context(), def, req.Variables),
	})
}

// Validate handles POST /api/query-definitions/validate
func (h *QueryDefinitionsHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	if req.QueryText == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_query_text", "query_text is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	h.respond(w, http.StatusOK, h.definitions.Validate(req.QueryText))
}

// decode reads a JSON body into v. Numbers decode as json.Number so integer
// variables keep full precision. With optional set, an empty body is accepted.
func (h *QueryDefinitionsHandler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err == nil && len(body) > maxRequestBodyBytes {
		if err := ErrorResponse(w, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	if err == nil && optional && len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err == nil {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		err = dec.Decode(v)
	}
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	return true
}

func (h *QueryDefinitionsHandler) respond(w http.ResponseWriter, statusCode int, data any) {
	if err := WriteJSON(w, statusCode, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func toQueryDefinitionResponse(d *models.QueryDefinition) QueryDefinitionResponse {
	resp := QueryDefinitionResponse{
		ID:                 d.ID.String(),
		Name:               d.Name,
		Description:        d.Description,
		QueryText:          d.QueryText,
		VariableSchema:     d.VariableSchema,
		DefaultVariables:   d.DefaultVariables,
		MaxExecutionTimeMs: d.MaxExecutionTimeMs,
		Active:             d.Active,
		ExecutionCount:     d.ExecutionCount,
		CreatedAt:          d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          d.UpdatedAt.Format(time.RFC3339),
	}
	if resp.VariableSchema == nil {
		resp.VariableSchema = models.VariableSchema{}
	}
	if resp.DefaultVariables == nil {
		resp.DefaultVariables = models.Variables{}
	}
	if d.LastExecutedAt != nil {
		s := d.LastExecutedAt.Format(time.RFC3339)
		resp.LastExecutedAt = &s
	}
	return resp
}
