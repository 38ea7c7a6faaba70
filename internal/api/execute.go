package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/correlator-io/queryengine/internal/api/middleware"
	"github.com/correlator-io/queryengine/internal/apperr"
	"github.com/correlator-io/queryengine/internal/runner"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

const defaultExecuteCap = 0 // 0 means unlimited, matching querybuilder.Build's limit<=0 convention

// handleExecuteView handles `execute(view_name, filters?, cap?)`.
// GET /api/v1/views/{name}?<search-params>&cap=N
func (s *Server) handleExecuteView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	view, err := s.viewStore.Load(name)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("view definition %q not found", name)))

		return
	}

	filters, rowCap := parseExecuteParams(r)

	rows, err := s.runner.Execute(r.Context(), *view, filters, rowCap)
	if err != nil {
		s.writeEngineError(w, r, "api.handleExecuteView", name, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, toExecuteResponse(*view, rows, s.runner.LastExecutedSQL()))
}

// handleCountView handles `count(view_name, filters?)`.
// GET /api/v1/views/{name}/count?<search-params>
func (s *Server) handleCountView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	view, err := s.viewStore.Load(name)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("view definition %q not found", name)))

		return
	}

	filters, _ := parseExecuteParams(r)

	count, err := s.runner.ExecuteCount(r.Context(), *view, filters)
	if err != nil {
		s.writeEngineError(w, r, "api.handleCountView", name, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, CountResponse{ViewName: name, Count: count})
}

// handleSchemaView handles `schema(view_name)`, a pure function of the
// view definition that never touches the document store.
// GET /api/v1/views/{name}/schema
func (s *Server) handleSchemaView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	view, err := s.viewStore.Load(name)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("view definition %q not found", name)))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, SchemaResponse{ViewName: name, Schema: runner.GetSchema(*view)})
}

// handleExecuteBatch handles `execute_batch(view_names[], filters?, cap?)`.
// POST /api/v1/views/execute-batch
func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req ExecuteBatchRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid JSON: "+err.Error()))

		return
	}

	if len(req.ViewNames) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("view_names cannot be empty"))

		return
	}

	results := make(map[string]BatchViewResult, len(req.ViewNames))

	for _, name := range req.ViewNames {
		results[name] = s.executeOneForBatch(r, name, req.Filters, req.Cap)
	}

	writeJSON(w, r, s.logger, http.StatusOK, results)
}

func (s *Server) executeOneForBatch(r *http.Request, name string, filters map[string]any, rowCap int) BatchViewResult {
	view, err := s.viewStore.Load(name)
	if err != nil {
		return BatchViewResult{Error: fmt.Sprintf("view definition %q not found", name)}
	}

	rows, err := s.runner.Execute(r.Context(), *view, filters, rowCap)
	if err != nil {
		s.logger.Warn("api: execute_batch entry failed",
			slog.String("view", name), slog.Any("error", err),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())))

		return BatchViewResult{Error: err.Error()}
	}

	return BatchViewResult{Kind: view.Kind, RowCount: len(rows), Rows: toRowMaps(rows)}
}

// writeEngineError maps an apperr.Kind-carrying error to its RFC 7807
// status and writes the response.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, op, view string, err error) {
	kind := apperr.KindOf(err)

	s.logger.Error("api: engine operation failed",
		slog.String("op", op), slog.String("view", view), slog.String("kind", kind.String()), slog.Any("error", err))

	WriteErrorResponse(w, r, s.logger, ProblemFromKind(kind, err.Error()))
}

func toExecuteResponse(view viewdef.ViewDefinition, rows []runner.Row, generatedSQL string) ExecuteResponse {
	return ExecuteResponse{
		ViewName:     view.Name,
		Kind:         view.Kind,
		RowCount:     len(rows),
		Rows:         toRowMaps(rows),
		Schema:       runner.GetSchema(view),
		GeneratedSQL: generatedSQL,
	}
}

func toRowMaps(rows []runner.Row) []map[string]any {
	result := make([]map[string]any, len(rows))
	for i, row := range rows {
		result[i] = row
	}

	return result
}

// parseExecuteParams extracts search-style filters and an optional
// "cap" query parameter from the request's query string. A repeated
// query key (e.g. "status=active&status=pending") becomes a []string
// filter value, which the materialized-view runner renders as an IN
// list (SPEC_FULL §4.4); every other key becomes a plain string value.
func parseExecuteParams(r *http.Request) (map[string]any, int) {
	query := r.URL.Query()

	rowCap := defaultExecuteCap
	if capStr := query.Get("cap"); capStr != "" {
		if parsed, err := strconv.Atoi(capStr); err == nil && parsed > 0 {
			rowCap = parsed
		}

		query.Del("cap")
	}

	filters := make(map[string]any, len(query))

	for key, values := range query {
		switch len(values) {
		case 0:
			continue
		case 1:
			filters[key] = values[0]
		default:
			filters[key] = values
		}
	}

	return filters, rowCap
}
