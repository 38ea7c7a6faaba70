package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/correlator-io/queryengine/internal/join"
)

// conditionFilterField is the column the Join Planner's text-search
// fallback matches a free-text condition name against when a request
// supplies condition names rather than coded values.
const conditionFilterField = "code_text"

// handleCohortCount handles `cohort_count(views[], search_params?, conditions?)`,
// planning a cross-view join through the Join Planner and executing the
// resulting SQL directly against the document store (the planner only
// builds queries; it never executes them).
// POST /api/v1/cohort-count
func (s *Server) handleCohortCount(w http.ResponseWriter, r *http.Request) {
	var req CohortCountRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid JSON: "+err.Error()))

		return
	}

	if len(req.Views) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("views cannot be empty"))

		return
	}

	postFilters := toPostFilters(req.Conditions)

	query := s.joinPlanner.BuildCountQuery(req.Views, req.SearchParams, postFilters)

	count, err := s.executeCountSQL(r.Context(), query.SQL)
	if err != nil {
		s.logger.Error("api: cohort count execution failed",
			slog.String("primary_view", query.PrimaryView), slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to execute cohort query"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, CohortCountResponse{
		Count:         count,
		PrimaryView:   query.PrimaryView,
		JoinedViews:   query.JoinedViews,
		FilterSummary: query.FilterSummary,
		GeneratedSQL:  query.SQL,
	})
}

func toPostFilters(conditions []string) []join.PostFilter {
	if len(conditions) == 0 {
		return nil
	}

	filters := make([]join.PostFilter, 0, len(conditions))
	for _, name := range conditions {
		filters = append(filters, join.PostFilter{
			Field:         conditionFilterField,
			ConditionName: name,
			UseTextSearch: true,
		})
	}

	return filters
}

// executeCountSQL runs a planner-generated COUNT query and reads its
// single "count" column, admitted through the same rate-limited pool
// every other document-store read goes through.
func (s *Server) executeCountSQL(ctx context.Context, sql string) (int, error) {
	rows, err := s.docPool.QueryContext(ctx, sql)
	if err != nil {
		return 0, fmt.Errorf("api: cohort count query: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		return 0, rows.Err()
	}

	var count int
	if err := rows.Scan(&count); err != nil {
		return 0, fmt.Errorf("api: scan cohort count: %w", err)
	}

	return count, rows.Err()
}
