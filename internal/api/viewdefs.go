package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/correlator-io/queryengine/internal/viewdef"
)

// handleListViewDefinitions handles `list_view_definitions()`.
// GET /api/v1/view-definitions
func (s *Server) handleListViewDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.viewStore.LoadAll()
	if err != nil {
		s.logger.Error("api: list view definitions failed", slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to list view definitions"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, ViewDefinitionListResponse{ViewDefinitions: defs, Total: len(defs)})
}

// handleGetViewDefinition handles `get_view_definition(name)`.
// GET /api/v1/view-definitions/{name}
func (s *Server) handleGetViewDefinition(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	def, err := s.viewStore.Load(name)
	if err != nil {
		s.writeViewDefError(w, r, name, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, def)
}

// handleCreateViewDefinition handles `create_view_definition(name, def)`.
// It persists the definition, then materializes it so the runner
// hierarchy can immediately serve it from the fast path, and finally
// invalidates the hybrid runner's view-existence cache so the next
// query notices the new materialized view without a process restart.
// POST /api/v1/view-definitions
func (s *Server) handleCreateViewDefinition(w http.ResponseWriter, r *http.Request) {
	var req CreateViewDefinitionRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid JSON: "+err.Error()))

		return
	}

	name := req.Name
	if name == "" {
		name = req.Def.Name
	}

	if name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("view definition name is required"))

		return
	}

	if err := s.viewStore.Save(&req.Def, name); err != nil {
		if errors.Is(err, viewdef.ErrAlreadyExist) {
			WriteErrorResponse(w, r, s.logger, Conflict(fmt.Sprintf("view definition %q already exists", name)))

			return
		}

		s.logger.Error("api: save view definition failed", slog.String("view", name), slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to save view definition"))

		return
	}

	if err := s.matviewSvc.CreateView(r.Context(), req.Def); err != nil {
		s.logger.Error("api: materialize new view failed", slog.String("view", name), slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(fmt.Sprintf("view definition saved but could not be materialized: %v", err)))

		return
	}

	s.runner.InvalidateViewCache()

	writeJSON(w, r, s.logger, http.StatusCreated, req.Def)
}

// handleDeleteViewDefinition handles `delete_view_definition(name)`.
// DELETE /api/v1/view-definitions/{name}
func (s *Server) handleDeleteViewDefinition(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.viewStore.Delete(name); err != nil {
		s.writeViewDefError(w, r, name, err)

		return
	}

	s.runner.InvalidateViewCache()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeViewDefError(w http.ResponseWriter, r *http.Request, name string, err error) {
	if errors.Is(err, viewdef.ErrNotFound) {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("view definition %q not found", name)))

		return
	}

	s.logger.Error("api: view definition operation failed", slog.String("view", name), slog.Any("error", err))
	WriteErrorResponse(w, r, s.logger, InternalServerError("view definition operation failed"))
}
