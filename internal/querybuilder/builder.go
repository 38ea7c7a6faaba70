// Package querybuilder assembles complete PostgreSQL queries from a
// ViewDefinition's select tree and where predicates, plus caller-supplied
// search-style filters (SPEC_FULL §4.3).
package querybuilder

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/correlator-io/queryengine/internal/column"
	"github.com/correlator-io/queryengine/internal/pathexpr"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

// fromClause joins the resource-metadata table with its versioned
// content table on both the resource id and the version number, per
// SPEC_FULL §6's document-store interface.
const fromClause = `FROM hfj_resource r
JOIN hfj_res_ver v ON r.res_id = v.res_id AND r.res_ver = v.res_ver`

// Query is a fully assembled SQL query with metadata a caller can use
// without re-parsing the SQL text.
type Query struct {
	SQL              string
	ResourceType     string
	ViewName         string
	ColumnCount      int
	HasLateralJoins  bool
	HasWhereClause   bool
}

// Builder builds complete SQL queries from ViewDefinitions.
type Builder struct {
	logger *slog.Logger
}

// New creates a Builder.
func New(logger *slog.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build assembles a complete SELECT query for view against the optional
// caller-supplied filters, capped at limit rows when limit > 0.
func (b *Builder) Build(view viewdef.ViewDefinition, filters map[string]string, limit int) (Query, error) {
	tr := pathexpr.New("v", "res_text_vc", b.logger)
	ex := column.New(tr, b.logger)

	selectClause, err := ex.ExtractColumns(view.Select)
	if err != nil {
		return Query{}, fmt.Errorf("querybuilder: %w", err)
	}

	from := fromClause
	if len(selectClause.LateralJoins) > 0 {
		from += "\n" + strings.Join(selectClause.LateralJoins, "\n")
	}

	whereConditions := b.whereConditions(tr, view, filters)

	parts := []string{
		selectClause.SelectSQL,
		from,
		"WHERE\n    " + strings.Join(whereConditions, "\n    AND "),
	}

	if limit > 0 {
		parts = append(parts, fmt.Sprintf("LIMIT %d", limit))
	}

	return Query{
		SQL:             strings.Join(parts, "\n"),
		ResourceType:    view.Kind,
		ViewName:        view.Name,
		ColumnCount:     len(selectClause.Columns),
		HasLateralJoins: len(selectClause.LateralJoins) > 0,
		HasWhereClause:  len(view.Where) > 0 || len(filters) > 0,
	}, nil
}

// BuildCount assembles a `SELECT COUNT(DISTINCT r.res_id)` query with the
// same WHERE semantics as Build, for feasibility/cohort-size checks.
func (b *Builder) BuildCount(view viewdef.ViewDefinition, filters map[string]string) string {
	tr := pathexpr.New("v", "res_text_vc", b.logger)

	whereConditions := b.whereConditions(tr, view, filters)

	return fmt.Sprintf(
		"SELECT COUNT(DISTINCT r.res_id) AS count\n%s\nWHERE\n    %s",
		fromClause, strings.Join(whereConditions, "\n    AND "),
	)
}

func (b *Builder) whereConditions(tr *pathexpr.Transpiler, view viewdef.ViewDefinition, filters map[string]string) []string {
	var conditions []string

	if len(view.Where) > 0 {
		vdWhere := column.ExtractWhereClause(tr, view.Where)
		if vdWhere != "" {
			conditions = append(conditions, strings.TrimPrefix(vdWhere, "WHERE\n    "))
		}
	}

	if len(filters) > 0 {
		if searchWhere := b.searchParamWhere(filters); searchWhere != "" {
			conditions = append(conditions, searchWhere)
		}
	}

	conditions = append(conditions, "r.res_deleted_at IS NULL")
	conditions = append(conditions, fmt.Sprintf("r.res_type = '%s'", view.Kind))

	return conditions
}

// searchParamWhere builds WHERE conditions from FHIR-style search
// parameters, using the same dispatch table as the reference query
// builder this one is modeled on: a handful of named parameters get a
// dedicated JSONB path, everything else falls back to a generic match
// with a logged warning.
func (b *Builder) searchParamWhere(filters map[string]string) string {
	conditions := make([]string, 0, len(filters))

	for name, value := range filters {
		switch name {
		case "_id":
			conditions = append(conditions, fmt.Sprintf("r.res_id = '%s'", value))

		case "gender":
			conditions = append(conditions, fmt.Sprintf("v.res_text_vc::jsonb->>'gender' = '%s'", value))

		case "birthdate", "birthdate_min", "birthdate_max":
			conditions = append(conditions, birthDateCondition(value))

		case "family":
			conditions = append(conditions, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM jsonb_array_elements(v.res_text_vc::jsonb->'name') AS name_elem "+
					"WHERE name_elem->>'family' = '%s')", value,
			))

		default:
			b.logger.Warn("querybuilder: unknown search parameter, using generic JSONB match",
				slog.String("param", name))
			conditions = append(conditions, fmt.Sprintf("v.res_text_vc::jsonb->>'%s' = '%s'", name, value))
		}
	}

	return strings.Join(conditions, " AND ")
}

// birthDateCondition parses the FHIR date-prefix convention (ge, le, gt,
// lt, eq; no prefix means exact match) out of value.
func birthDateCondition(value string) string {
	prefixes := map[string]string{
		"ge": ">=",
		"le": "<=",
		"gt": ">",
		"lt": "<",
		"eq": "=",
	}

	if len(value) > 2 {
		if op, ok := prefixes[value[:2]]; ok {
			return fmt.Sprintf("v.res_text_vc::jsonb->>'birthDate' %s '%s'", op, value[2:])
		}
	}

	return fmt.Sprintf("v.res_text_vc::jsonb->>'birthDate' = '%s'", value)
}

// ParseLimit parses a caller-supplied limit string, returning 0 (no
// limit) on empty input or parse failure.
func ParseLimit(raw string) int {
	if raw == "" {
		return 0
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}

	return n
}
