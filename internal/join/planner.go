// Package join plans cohort queries that span more than one
// materialized view: "male patients with diabetes" joins the
// demographics view to a condition view on the shared patient id
// (SPEC_FULL §4.8).
package join

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Schema is the materialized-view schema every planned query targets.
const Schema = "sqlonfhir"

// ViewAliases maps a materialized view name to the single-letter (or
// short) alias its queries reference it under.
var ViewAliases = map[string]string{
	"patient_demographics": "p",
	"patient_simple":       "ps",
	"condition_simple":     "c",
	"observation_labs":     "o",
	"medication_requests":  "m",
	"procedure_history":    "pr",
}

// DemographicViews are views that stand on their own as a query's
// primary (non-joined) view; anything else is assumed to need joining
// to a demographic view on patient_id.
var DemographicViews = map[string]bool{
	"patient_demographics": true,
	"patient_simple":       true,
}

// distinctColumnByView is the column COUNT(DISTINCT ...) targets per
// view when counting unique resources rather than unique patients.
var distinctColumnByView = map[string]string{
	"condition_simple":    "code_text",
	"condition_diagnoses": "code",
	"medication_requests": "medication_code",
	"observation_labs":    "code",
	"procedure_history":   "cpt_code",
}

var parentheticalRe = regexp.MustCompile(`\([^)]*\)`)

var coreTermStopWords = map[string]bool{
	"type": true, "stage": true, "grade": true, "mellitus": true,
	"disorder": true, "disease": true, "syndrome": true, "condition": true,
	"1": true, "2": true, "3": true, "i": true, "ii": true, "iii": true,
	"acute": true, "chronic": true, "severe": true, "mild": true, "moderate": true,
}

// PostFilter narrows a joined view to rows matching a coded or
// free-text condition/medication/lab value.
type PostFilter struct {
	Field         string
	Value         string
	UseLike       bool
	ConditionName string
	UseTextSearch bool
	TextPattern   string
}

// Query is a planned multi-view query plus the metadata a caller needs
// to explain it to a user (which views it touched, what it filtered
// on).
type Query struct {
	SQL                string
	PrimaryView        string
	JoinedViews        []string
	FilterSummary      string
	DistinctColumn     string
	GroupByDimensions  []string
}

// Planner builds cohort queries across one or more materialized views.
type Planner struct {
	logger *slog.Logger
}

// New creates a Planner.
func New(logger *slog.Logger) *Planner {
	return &Planner{logger: logger}
}

// BuildCountQuery builds a `COUNT(DISTINCT patient_id)` query across
// views, joining non-demographic views to the demographic view on
// patient_id.
func (p *Planner) BuildCountQuery(views []string, searchParams map[string]string, postFilters []PostFilter) Query {
	if len(views) == 1 {
		return p.buildSingleViewQuery(views[0], searchParams)
	}

	return p.buildJoinQuery(views, searchParams, postFilters)
}

// BuildCountDistinctQuery counts distinct values of a view-specific
// column (code, medication code, CPT code, ...) rather than distinct
// patients, for "how many unique diagnoses" style questions.
func (p *Planner) BuildCountDistinctQuery(views []string, searchParams map[string]string, postFilters []PostFilter) Query {
	viewName := "patient_demographics"
	if len(views) > 0 {
		viewName = views[0]
	}

	alias := aliasFor(viewName)

	distinctColumn := distinctColumnByView[viewName]
	if distinctColumn == "" {
		distinctColumn = "patient_id"
	}

	sql := fmt.Sprintf("SELECT COUNT(DISTINCT %s.%s) AS count\n  FROM %s.%s %s",
		alias, distinctColumn, Schema, viewName, alias)

	where := p.buildWhereClauses(alias, searchParams, postFilters)
	if len(where) > 0 {
		sql += "\n WHERE " + strings.Join(where, "\n   AND ")
	}

	return Query{
		SQL:            sql,
		PrimaryView:    viewName,
		DistinctColumn: distinctColumn,
		FilterSummary:  p.summarizeFilters(searchParams, postFilters),
	}
}

// BuildBreakdownQuery builds a GROUP BY query across views, bucketing
// by the requested dimensions (gender, age_group, or any raw column
// name) and applying aggType's aggregation.
func (p *Planner) BuildBreakdownQuery(
	views []string, searchParams map[string]string, postFilters []PostFilter, groupBy []string, aggType string,
) Query {
	if len(groupBy) == 0 {
		p.logger.Warn("join: no group_by dimensions specified, falling back to count query")
		return p.BuildCountQuery(views, searchParams, postFilters)
	}

	if len(views) == 1 {
		return p.buildSingleViewBreakdown(views[0], searchParams, groupBy, aggType)
	}

	return p.buildJoinBreakdown(views, searchParams, postFilters, groupBy, aggType)
}

func (p *Planner) buildSingleViewQuery(viewName string, searchParams map[string]string) Query {
	alias := aliasFor(viewName)

	sql := fmt.Sprintf("SELECT COUNT(DISTINCT %s.patient_id)\n  FROM %s.%s %s", alias, Schema, viewName, alias)

	where := p.buildWhereClauses(alias, searchParams, nil)
	if len(where) > 0 {
		sql += "\n WHERE " + strings.Join(where, "\n   AND ")
	}

	return Query{
		SQL:           sql,
		PrimaryView:   viewName,
		FilterSummary: p.summarizeFilters(searchParams, nil),
	}
}

func (p *Planner) buildJoinQuery(views []string, searchParams map[string]string, postFilters []PostFilter) Query {
	primaryView, joinedViews := splitPrimaryAndJoined(views)
	primaryAlias := aliasFor(primaryView)

	sql := fmt.Sprintf("SELECT COUNT(DISTINCT %s.patient_id)\n  FROM %s.%s %s",
		primaryAlias, Schema, primaryView, primaryAlias)

	for _, viewName := range joinedViews {
		alias := aliasFor(viewName)
		sql += fmt.Sprintf("\n  JOIN %s.%s %s\n    ON %s.patient_id = %s.patient_id",
			Schema, viewName, alias, primaryAlias, alias)
	}

	where := p.buildWhereClauses(primaryAlias, searchParams, postFilters)

	for _, viewName := range joinedViews {
		alias := aliasFor(viewName)
		for _, pf := range postFilters {
			where = append(where, p.buildPostFilterClauses(alias, pf)...)
		}
	}

	if len(where) > 0 {
		sql += "\n WHERE " + strings.Join(where, "\n   AND ")
	}

	return Query{
		SQL:           sql,
		PrimaryView:   primaryView,
		JoinedViews:   joinedViews,
		FilterSummary: p.summarizeFilters(searchParams, postFilters),
	}
}

func (p *Planner) buildSingleViewBreakdown(
	viewName string, searchParams map[string]string, groupBy []string, aggType string,
) Query {
	alias := aliasFor(viewName)
	groupByColumns, selectColumns := groupByExpressions(alias, groupBy)

	sql := fmt.Sprintf("SELECT %s, %s\n  FROM %s.%s %s",
		strings.Join(selectColumns, ", "), aggregationExpr(alias, aggType), Schema, viewName, alias)

	where := p.buildWhereClauses(alias, searchParams, nil)
	if len(where) > 0 {
		sql += "\n WHERE " + strings.Join(where, "\n   AND ")
	}

	sql += fmt.Sprintf("\n GROUP BY %s\n ORDER BY %s",
		strings.Join(groupByColumns, ", "), strings.Join(groupByColumns, ", "))

	return Query{
		SQL:               sql,
		PrimaryView:       viewName,
		FilterSummary:     p.summarizeFilters(searchParams, nil),
		GroupByDimensions: groupBy,
	}
}

func (p *Planner) buildJoinBreakdown(
	views []string, searchParams map[string]string, postFilters []PostFilter, groupBy []string, aggType string,
) Query {
	primaryView, joinedViews := splitPrimaryAndJoined(views)
	primaryAlias := aliasFor(primaryView)
	groupByColumns, selectColumns := groupByExpressions(primaryAlias, groupBy)

	sql := fmt.Sprintf("SELECT %s, %s\n  FROM %s.%s %s",
		strings.Join(selectColumns, ", "), aggregationExpr(primaryAlias, aggType), Schema, primaryView, primaryAlias)

	for _, viewName := range joinedViews {
		alias := aliasFor(viewName)
		sql += fmt.Sprintf("\n  JOIN %s.%s %s\n    ON %s.patient_id = %s.patient_id",
			Schema, viewName, alias, primaryAlias, alias)
	}

	where := p.buildWhereClauses(primaryAlias, searchParams, postFilters)

	for _, viewName := range joinedViews {
		alias := aliasFor(viewName)
		for _, pf := range postFilters {
			where = append(where, p.buildPostFilterClauses(alias, pf)...)
		}
	}

	if len(where) > 0 {
		sql += "\n WHERE " + strings.Join(where, "\n   AND ")
	}

	sql += fmt.Sprintf("\n GROUP BY %s\n ORDER BY %s",
		strings.Join(groupByColumns, ", "), strings.Join(groupByColumns, ", "))

	return Query{
		SQL:               sql,
		PrimaryView:       primaryView,
		JoinedViews:       joinedViews,
		FilterSummary:     p.summarizeFilters(searchParams, postFilters),
		GroupByDimensions: groupBy,
	}
}

func (p *Planner) buildWhereClauses(alias string, searchParams map[string]string, _ []PostFilter) []string {
	var clauses []string

	if gender, ok := searchParams["gender"]; ok {
		clauses = append(clauses, fmt.Sprintf("LOWER(%s.gender) = '%s'", alias, strings.ToLower(gender)))
	}

	if min, ok := searchParams["birthdate_min"]; ok {
		clauses = append(clauses, fmt.Sprintf("%s.dob >= '%s'", alias, strings.TrimPrefix(min, "ge")))
	}

	if max, ok := searchParams["birthdate_max"]; ok {
		clauses = append(clauses, fmt.Sprintf("%s.dob <= '%s'", alias, strings.TrimPrefix(max, "le")))
	}

	return clauses
}

// buildPostFilterClauses renders one condition/medication/lab filter.
// Coded filters (icd10_code, snomed_code) get an OR-grouped fallback to
// a free-text core-term search, so a ViewDefinition author who asks for
// "diabetes" still matches rows whose coding is incomplete but whose
// text description mentions it.
func (p *Planner) buildPostFilterClauses(alias string, pf PostFilter) []string {
	if pf.UseTextSearch {
		pattern := pf.TextPattern
		if pattern == "" {
			pattern = "%" + pf.ConditionName + "%"
		}

		p.logger.Info("join: using text search fallback",
			slog.String("condition", pf.ConditionName), slog.String("field", pf.Field))

		return []string{fmt.Sprintf("%s.%s ILIKE '%s'", alias, pf.Field, pattern)}
	}

	if pf.Field == "" || pf.Value == "" {
		return nil
	}

	var primary string
	if pf.UseLike {
		primary = fmt.Sprintf("%s.%s LIKE '%s'", alias, pf.Field, pf.Value)
	} else {
		primary = fmt.Sprintf("%s.%s = '%s'", alias, pf.Field, pf.Value)
	}

	if (pf.Field == "icd10_code" || pf.Field == "snomed_code") && pf.ConditionName != "" {
		core := CoreTerm(pf.ConditionName)

		fallbacks := []string{primary, fmt.Sprintf("%s.code_text ILIKE '%%%s%%'", alias, core)}

		if !strings.EqualFold(core, pf.ConditionName) {
			fallbacks = append(fallbacks, fmt.Sprintf("%s.code_text ILIKE '%%%s%%'", alias, pf.ConditionName))
		}

		return []string{"(" + strings.Join(fallbacks, " OR ") + ")"}
	}

	return []string{primary}
}

// CoreTerm extracts a short, broadly-matchable medical term from a
// verbose condition name: "Type 2 diabetes mellitus" -> "diabetes".
func CoreTerm(conditionName string) string {
	term := strings.TrimSpace(parentheticalRe.ReplaceAllString(conditionName, ""))
	words := strings.Fields(strings.ToLower(term))

	for _, w := range words {
		if len(w) > 3 && !coreTermStopWords[w] {
			return w
		}
	}

	if len(words) > 0 {
		return words[0]
	}

	return strings.ToLower(conditionName)
}

func (p *Planner) summarizeFilters(searchParams map[string]string, postFilters []PostFilter) string {
	var parts []string

	if gender, ok := searchParams["gender"]; ok {
		parts = append(parts, "Gender: "+gender)
	}

	min, hasMin := searchParams["birthdate_min"]
	max, hasMax := searchParams["birthdate_max"]

	switch {
	case hasMin && hasMax:
		parts = append(parts, fmt.Sprintf("Birth date: %s to %s", strings.TrimPrefix(min, "ge"), strings.TrimPrefix(max, "le")))
	case hasMin:
		parts = append(parts, "Birth date >= "+strings.TrimPrefix(min, "ge"))
	case hasMax:
		parts = append(parts, "Birth date <= "+strings.TrimPrefix(max, "le"))
	}

	for _, pf := range postFilters {
		if pf.ConditionName != "" {
			parts = append(parts, "Condition: "+pf.ConditionName)
		}
	}

	if len(parts) == 0 {
		return "No filters"
	}

	return strings.Join(parts, ", ")
}

func aliasFor(viewName string) string {
	if alias, ok := ViewAliases[viewName]; ok {
		return alias
	}

	return viewName[:1]
}

func splitPrimaryAndJoined(views []string) (string, []string) {
	var (
		primary string
		joined  []string
	)

	for _, v := range views {
		if DemographicViews[v] {
			primary = v
		} else {
			joined = append(joined, v)
		}
	}

	if primary == "" {
		primary = "patient_demographics"
	}

	return primary, joined
}

func groupByExpressions(alias string, groupBy []string) ([]string, []string) {
	var groupByColumns, selectColumns []string

	for _, dimension := range groupBy {
		switch dimension {
		case "gender":
			groupByColumns = append(groupByColumns, alias+".gender")
			selectColumns = append(selectColumns, alias+".gender")

		case "age_group":
			selectColumns = append(selectColumns, ageGroupCaseExpr(alias))
			groupByColumns = append(groupByColumns, "age_group")

		default:
			groupByColumns = append(groupByColumns, alias+"."+dimension)
			selectColumns = append(selectColumns, alias+"."+dimension)
		}
	}

	return groupByColumns, selectColumns
}

func ageGroupCaseExpr(alias string) string {
	age := fmt.Sprintf("EXTRACT(YEAR FROM AGE(%s.dob::date))", alias)

	return fmt.Sprintf(
		"CASE WHEN %s < 18 THEN '<18' "+
			"WHEN %s BETWEEN 18 AND 30 THEN '18-30' "+
			"WHEN %s BETWEEN 31 AND 50 THEN '31-50' "+
			"WHEN %s BETWEEN 51 AND 70 THEN '51-70' "+
			"ELSE '70+' END AS age_group",
		age, age, age, age,
	)
}

func aggregationExpr(alias, aggType string) string {
	switch aggType {
	case "avg":
		return fmt.Sprintf("AVG(%s.value) AS avg_value", alias)
	case "sum":
		return fmt.Sprintf("SUM(%s.value) AS sum_value", alias)
	case "min":
		return fmt.Sprintf("MIN(%s.value) AS min_value", alias)
	case "max":
		return fmt.Sprintf("MAX(%s.value) AS max_value", alias)
	default:
		return fmt.Sprintf("COUNT(DISTINCT %s.patient_id) AS count", alias)
	}
}
