// Package api provides the HTTP API server implementation for the query engine.
package api

import (
	"net/http"
	"time"

	"github.com/correlator-io/queryengine/internal/matview"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

type (
	// Version represents the API version response structure.
	Version struct {
		Version     string `json:"version"`
		ServiceName string `json:"serviceName"`
		BuildInfo   string `json:"buildInfo,omitempty"`
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/api/v1/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}

	// ExecuteResponse is the `execute(view_name, filters?, cap?)` result
	// (SPEC_FULL §6).
	ExecuteResponse struct {
		ViewName      string            `json:"view_name"` //nolint:tagliatelle
		Kind          string            `json:"kind"`
		RowCount      int               `json:"row_count"` //nolint:tagliatelle
		Rows          []map[string]any  `json:"rows"`
		Schema        map[string]string `json:"schema"`
		GeneratedSQL  string            `json:"generated_sql,omitempty"` //nolint:tagliatelle
	}

	// BatchViewResult is one view's outcome inside an execute_batch
	// response: either a populated result or an error, never both.
	BatchViewResult struct {
		Kind     string           `json:"kind,omitempty"`
		RowCount int              `json:"row_count,omitempty"` //nolint:tagliatelle
		Rows     []map[string]any `json:"rows,omitempty"`
		Error    string           `json:"error,omitempty"`
	}

	// ExecuteBatchRequest is the `execute_batch(view_names[], filters?, cap?)` request body.
	// Filters is untyped (SPEC_FULL §4.4): a JSON string renders as a
	// substring match, a number as equality, an array as an IN list,
	// and an object carrying "start"/"end" keys as a range predicate.
	ExecuteBatchRequest struct {
		ViewNames []string       `json:"view_names"` //nolint:tagliatelle
		Filters   map[string]any `json:"filters,omitempty"`
		Cap       int            `json:"cap,omitempty"`
	}

	// CountResponse is the `count(view_name, filters?)` result.
	CountResponse struct {
		ViewName string `json:"view_name"` //nolint:tagliatelle
		Count    int    `json:"count"`
	}

	// SchemaResponse is the `schema(view_name)` result.
	SchemaResponse struct {
		ViewName string            `json:"view_name"` //nolint:tagliatelle
		Schema   map[string]string `json:"schema"`
	}

	// ViewDefinitionListResponse is `list_view_definitions()`'s result.
	ViewDefinitionListResponse struct {
		ViewDefinitions []*viewdef.ViewDefinition `json:"view_definitions"` //nolint:tagliatelle
		Total           int                       `json:"total"`
	}

	// MaterializedViewInfo is one entry in the materialized-view list,
	// flattened from matview.ViewInfo into JSON-friendly types.
	MaterializedViewInfo struct {
		ViewName        string  `json:"view_name"` //nolint:tagliatelle
		ResourceType    string  `json:"resource_type,omitempty"` //nolint:tagliatelle
		RowCount        int64   `json:"row_count"` //nolint:tagliatelle
		Size            string  `json:"size,omitempty"`
		SizeBytes       int64   `json:"size_bytes"` //nolint:tagliatelle
		Status          string  `json:"status"`
		LastRefreshedAt *string `json:"last_refreshed_at,omitempty"` //nolint:tagliatelle
		IsStale         bool    `json:"is_stale"` //nolint:tagliatelle
		StalenessHours  *float64 `json:"staleness_hours,omitempty"` //nolint:tagliatelle
	}

	// MaterializedViewListResponse is the materialized-view `list` result.
	MaterializedViewListResponse struct {
		Views []MaterializedViewInfo `json:"views"`
		Total int                    `json:"total"`
	}

	// RefreshResultResponse is one view's refresh outcome.
	RefreshResultResponse struct {
		ViewName          string  `json:"view_name"` //nolint:tagliatelle
		Success           bool    `json:"success"`
		RefreshDurationMs float64 `json:"refresh_duration_ms"` //nolint:tagliatelle
		RowCount          int64   `json:"row_count"` //nolint:tagliatelle
		SizeBytes         int64   `json:"size_bytes"` //nolint:tagliatelle
		Error             string  `json:"error,omitempty"`
	}

	// RefreshSummaryResponse aggregates RefreshResultResponses across a
	// refresh-all/refresh-stale operation.
	RefreshSummaryResponse struct {
		TotalViews int                     `json:"total_views"` //nolint:tagliatelle
		Success    int                     `json:"success"`
		Failed     int                     `json:"failed"`
		Results    []RefreshResultResponse `json:"results"`
	}

	// CreateViewDefinitionRequest is `create view_definition`'s body.
	CreateViewDefinitionRequest struct {
		Name string                  `json:"name,omitempty"`
		Def  viewdef.ViewDefinition `json:"definition"`
	}

	// CohortCountRequest drives the Join Planner's cross-view cohort
	// count operation.
	CohortCountRequest struct {
		Views        []string          `json:"views"`
		SearchParams map[string]string `json:"search_params,omitempty"` //nolint:tagliatelle
		Conditions   []string          `json:"conditions,omitempty"`
	}

	// CohortCountResponse reports the cohort count plus the plan that
	// produced it, mirroring the Join Planner's Query metadata so a
	// caller can see what views/filters contributed.
	CohortCountResponse struct {
		Count         int      `json:"count"`
		PrimaryView   string   `json:"primary_view"` //nolint:tagliatelle
		JoinedViews   []string `json:"joined_views,omitempty"` //nolint:tagliatelle
		FilterSummary string   `json:"filter_summary"` //nolint:tagliatelle
		GeneratedSQL  string   `json:"generated_sql,omitempty"` //nolint:tagliatelle
	}

	// StatisticsResponse wraps the hybrid runner's routing statistics
	// plus the last SQL generated by the relational fallback path
	// (SPEC_FULL §4.7/§6: get_statistics()/get_last_executed_sql()).
	StatisticsResponse struct {
		Statistics       map[string]any `json:"statistics"`
		LastExecutedSQL  string         `json:"last_executed_sql,omitempty"` //nolint:tagliatelle
	}
)

// toMaterializedViewInfo converts a matview.ViewInfo into its
// JSON-friendly response shape, flattening sql.NullTime/NullFloat64.
func toMaterializedViewInfo(v matview.ViewInfo) MaterializedViewInfo {
	info := MaterializedViewInfo{
		ViewName:     v.ViewName,
		ResourceType: v.ResourceType,
		RowCount:     v.RowCount,
		Size:         v.Size,
		SizeBytes:    v.SizeBytes,
		Status:       v.Status,
		IsStale:      v.IsStale,
	}

	if v.LastRefreshedAt.Valid {
		ts := v.LastRefreshedAt.Time.UTC().Format(time.RFC3339)
		info.LastRefreshedAt = &ts
	}

	if v.StalenessHours.Valid {
		hours := v.StalenessHours.Float64
		info.StalenessHours = &hours
	}

	return info
}

func toRefreshResultResponse(r matview.RefreshResult) RefreshResultResponse {
	return RefreshResultResponse{
		ViewName:          r.ViewName,
		Success:           r.Success,
		RefreshDurationMs: r.RefreshDurationMs,
		RowCount:          r.RowCount,
		SizeBytes:         r.SizeBytes,
		Error:             r.Error,
	}
}

func toRefreshSummaryResponse(s matview.RefreshSummary) RefreshSummaryResponse {
	results := make([]RefreshResultResponse, 0, len(s.Results))
	for _, r := range s.Results {
		results = append(results, toRefreshResultResponse(r))
	}

	return RefreshSummaryResponse{
		TotalViews: s.TotalViews,
		Success:    s.Success,
		Failed:     s.Failed,
		Results:    results,
	}
}
