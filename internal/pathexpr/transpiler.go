// Package pathexpr rewrites the restricted path language described in
// SPEC_FULL §4.1 into JSONB expressions over the document-version
// column, following the emission rules of the original FHIRPath-to-SQL
// transpiler this engine's path language is modeled on.
package pathexpr

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// arrayFields is the fixed set of field names treated as arrays by
// convention: a bare reference to one of these implicitly indexes its
// first element rather than returning the array itself (Design Note
// §9.3: "changing the set is a breaking change").
var arrayFields = map[string]bool{
	"name":       true,
	"address":    true,
	"telecom":    true,
	"identifier": true,
	"coding":     true,
}

var (
	whereClauseRe = regexp.MustCompile(`(?s)(.+?)\.where\((.+?)\)(?:\.(.+))?$`)
	whereCondEqRe = regexp.MustCompile(`(\w+)\s*=\s*'([^']+)'`)
)

// Expr is the result of transpiling one path expression.
type Expr struct {
	// SQL is the emitted JSONB expression (or subquery).
	SQL string
	// RequiresSubquery is true when SQL is a correlated subquery that
	// downstream assembly must treat as a value expression, not a
	// simple column reference (set only by where()-clause emission).
	RequiresSubquery bool
	// ArrayAlias is the alias introduced by a where()-clause subquery,
	// empty otherwise.
	ArrayAlias string
}

// Transpiler rewrites path expressions against a document-version
// column. Not safe for concurrent use: each call into a where() clause
// increments an internal alias counter, so one Transpiler should back
// exactly one query-build pass (mirrors the per-request instantiation
// of the original component).
type Transpiler struct {
	resourceAlias  string
	resourceColumn string
	arrayCounter   int
	logger         *slog.Logger
}

// New creates a Transpiler against the document-version table alias
// "v" and its JSON body column "res_text_vc" (SPEC_FULL §6's document
// store interface), or the alias/column the caller supplies.
func New(resourceAlias, resourceColumn string, logger *slog.Logger) *Transpiler {
	return &Transpiler{
		resourceAlias:  resourceAlias,
		resourceColumn: resourceColumn,
		logger:         logger,
	}
}

// Transpile rewrites path under ctx (empty for the document root). asText
// selects text extraction (->>) over structured extraction (->) at the
// final path segment.
func (t *Transpiler) Transpile(path string, asText bool, ctx string) Expr {
	path = strings.TrimSpace(path)

	if path == "" || path == "." {
		base := t.baseExpr(ctx)
		return Expr{SQL: base}
	}

	switch {
	case strings.Contains(path, " + "):
		return t.transpileConcatenation(path, ctx)
	case strings.Contains(path, ".where("):
		return t.transpileWhereClause(path, asText, ctx)
	case strings.Contains(path, ".first()"):
		return t.transpileFirst(path, ctx)
	case strings.Contains(path, ".exists()"):
		return t.transpileExists(path, ctx)
	case strings.Contains(path, ".count()"):
		return t.transpileCount(path, ctx)
	case strings.Contains(path, ".empty()"):
		return t.transpileEmpty(path, ctx)
	default:
		return t.transpileSimplePath(path, asText, ctx)
	}
}

func (t *Transpiler) baseExpr(ctx string) string {
	if ctx != "" {
		return ctx
	}

	return fmt.Sprintf("%s.%s::jsonb", t.resourceAlias, t.resourceColumn)
}

func (t *Transpiler) transpileSimplePath(path string, asText bool, ctx string) Expr {
	// Already-emitted SQL (a JSONB operator chain or cast) is returned
	// as-is, so transpiling the transpiler's own output is a no-op.
	if strings.Contains(path, "->") || strings.Contains(path, "::") {
		return Expr{SQL: path}
	}

	segments := strings.Split(path, ".")

	var b strings.Builder

	b.WriteString(t.baseExpr(ctx))

	for i, segment := range segments {
		isLast := i == len(segments)-1

		if arrayFields[segment] {
			if isLast && asText {
				fmt.Fprintf(&b, "->'%s'->>0", segment)
			} else {
				fmt.Fprintf(&b, "->'%s'->0", segment)
			}

			continue
		}

		if isLast && asText {
			fmt.Fprintf(&b, "->>'%s'", segment)
		} else {
			fmt.Fprintf(&b, "->'%s'", segment)
		}
	}

	return Expr{SQL: b.String()}
}

func (t *Transpiler) transpileWhereClause(path string, asText bool, ctx string) Expr {
	match := whereClauseRe.FindStringSubmatch(path)
	if match == nil {
		t.logger.Warn("pathexpr: could not parse where clause", slog.String("path", path))
		return t.transpileSimplePath(path, asText, ctx)
	}

	arrayPath, condition, resultPath := match[1], match[2], match[3]

	t.arrayCounter++
	arrayAlias := fmt.Sprintf("elem_%d", t.arrayCounter)

	base := t.baseExpr(ctx)
	arraySQL := base

	for _, part := range strings.Split(arrayPath, ".") {
		arraySQL = fmt.Sprintf("%s->'%s'", arraySQL, part)
	}

	conditionSQL := t.parseWhereCondition(condition, arrayAlias)

	var selectExpr string

	if resultPath != "" {
		if asText {
			selectExpr = fmt.Sprintf("%s->>'%s'", arrayAlias, resultPath)
		} else {
			selectExpr = fmt.Sprintf("%s->'%s'", arrayAlias, resultPath)
		}
	} else {
		selectExpr = arrayAlias
	}

	sql := fmt.Sprintf(
		"(SELECT %s FROM jsonb_array_elements(%s) AS %s WHERE %s LIMIT 1)",
		selectExpr, arraySQL, arrayAlias, conditionSQL,
	)

	return Expr{SQL: sql, RequiresSubquery: true, ArrayAlias: arrayAlias}
}

func (t *Transpiler) parseWhereCondition(condition, elemAlias string) string {
	match := whereCondEqRe.FindStringSubmatch(condition)
	if match == nil {
		t.logger.Warn("pathexpr: unsupported where condition", slog.String("condition", condition))
		return "true"
	}

	field, value := match[1], match[2]

	return fmt.Sprintf("%s->>'%s' = '%s'", elemAlias, field, value)
}

func (t *Transpiler) transpileFirst(path, ctx string) Expr {
	base := strings.Replace(path, ".first()", "", 1)
	baseExpr := t.transpileSimplePath(base, false, ctx)

	return Expr{SQL: fmt.Sprintf("(%s)->0", baseExpr.SQL)}
}

func (t *Transpiler) transpileExists(path, ctx string) Expr {
	base := strings.Replace(path, ".exists()", "", 1)
	baseExpr := t.transpileSimplePath(base, false, ctx)

	return Expr{SQL: fmt.Sprintf("(%s IS NOT NULL)", baseExpr.SQL)}
}

func (t *Transpiler) transpileCount(path, ctx string) Expr {
	base := strings.Replace(path, ".count()", "", 1)
	baseExpr := t.transpileSimplePath(base, false, ctx)

	return Expr{SQL: fmt.Sprintf("jsonb_array_length(%s)", baseExpr.SQL)}
}

func (t *Transpiler) transpileEmpty(path, ctx string) Expr {
	base := strings.Replace(path, ".empty()", "", 1)
	baseExpr := t.transpileSimplePath(base, false, ctx)

	return Expr{SQL: fmt.Sprintf("(%s IS NULL OR %s = '[]'::jsonb)", baseExpr.SQL, baseExpr.SQL)}
}

func (t *Transpiler) transpileConcatenation(path, ctx string) Expr {
	parts := strings.Split(path, " + ")
	rendered := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)

		if strings.HasPrefix(part, "'") && strings.HasSuffix(part, "'") {
			rendered = append(rendered, part)
			continue
		}

		expr := t.Transpile(part, true, ctx)
		rendered = append(rendered, fmt.Sprintf("COALESCE(%s, '')", expr.SQL))
	}

	return Expr{SQL: strings.Join(rendered, " || ")}
}
