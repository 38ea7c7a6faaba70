package api

import (
	"fmt"
	"log/slog"
	"net/http"
)

// handleListMaterializedViews handles `list_materialized_views()`.
// GET /api/v1/materialized-views
func (s *Server) handleListMaterializedViews(w http.ResponseWriter, r *http.Request) {
	views, err := s.matviewSvc.ListViews(r.Context())
	if err != nil {
		s.logger.Error("api: list materialized views failed", slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to list materialized views"))

		return
	}

	infos := make([]MaterializedViewInfo, 0, len(views))
	for _, v := range views {
		infos = append(infos, toMaterializedViewInfo(v))
	}

	writeJSON(w, r, s.logger, http.StatusOK, MaterializedViewListResponse{Views: infos, Total: len(infos)})
}

// handleGetMaterializedViewStatus handles `get_view_status(name)`.
// GET /api/v1/materialized-views/{name}
func (s *Server) handleGetMaterializedViewStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	info, exists, err := s.matviewSvc.GetViewStatus(r.Context(), name)
	if err != nil {
		s.logger.Error("api: get materialized view status failed", slog.String("view", name), slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to get view status"))

		return
	}

	if !exists {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("materialized view %q not found", name)))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, toMaterializedViewInfo(info))
}

// handleRefreshView handles `refresh_view(name)`. A failed refresh is
// reported as a 200 with success=false in the body rather than an HTTP
// error status, matching RefreshResult's own success/error split.
// POST /api/v1/materialized-views/{name}/refresh
func (s *Server) handleRefreshView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	result := s.matviewSvc.RefreshView(r.Context(), name)
	s.runner.InvalidateViewCache()

	writeJSON(w, r, s.logger, http.StatusOK, toRefreshResultResponse(result))
}

// handleRefreshAllViews handles `refresh_all_views()`.
// POST /api/v1/materialized-views/refresh-all
func (s *Server) handleRefreshAllViews(w http.ResponseWriter, r *http.Request) {
	summary, err := s.matviewSvc.RefreshAllViews(r.Context())
	if err != nil {
		s.logger.Error("api: refresh all views failed", slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to refresh views"))

		return
	}

	s.runner.InvalidateViewCache()

	writeJSON(w, r, s.logger, http.StatusOK, toRefreshSummaryResponse(summary))
}

// handleRefreshStaleViews handles `refresh_stale_views()`.
// POST /api/v1/materialized-views/refresh-stale
func (s *Server) handleRefreshStaleViews(w http.ResponseWriter, r *http.Request) {
	summary, err := s.matviewSvc.CheckAndRefreshStaleViews(r.Context())
	if err != nil {
		s.logger.Error("api: refresh stale views failed", slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to refresh stale views"))

		return
	}

	if summary.Success+summary.Failed > 0 {
		s.runner.InvalidateViewCache()
	}

	writeJSON(w, r, s.logger, http.StatusOK, toRefreshSummaryResponse(summary))
}

// handleStatistics handles `get_statistics()`/`get_last_executed_sql()`.
// GET /api/v1/stats
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.logger, http.StatusOK, StatisticsResponse{
		Statistics:      s.runner.Statistics(),
		LastExecutedSQL: s.runner.LastExecutedSQL(),
	})
}
