// Package column walks a ViewDefinition's select tree and produces the
// flattened projection list plus any lateral array joins it requires
// (SPEC_FULL §4.2).
package column

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/correlator-io/queryengine/internal/apperr"
	"github.com/correlator-io/queryengine/internal/pathexpr"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

// ErrDuplicateColumn is returned when two leaf columns in a flattened
// projection share a name.
var ErrDuplicateColumn = errors.New("duplicate column name")

// Definition is one emitted projection column.
type Definition struct {
	Name          string
	SQLExpression string
	Description   string
	IsNullable    bool
}

// SelectClause is the complete result of extraction: the flattened
// column list, the lateral joins required to produce it (in order),
// and the rendered SELECT SQL.
type SelectClause struct {
	Columns      []Definition
	LateralJoins []string
	SelectSQL    string
}

const resourceKeyPath = "getResourceKey()"

// Extractor walks a select tree using a Transpiler to resolve each
// leaf path expression. Not safe for concurrent use (shares the
// Transpiler's per-pass alias counter).
type Extractor struct {
	transpiler     *pathexpr.Transpiler
	lateralCounter int
	logger         *slog.Logger
	seen           map[string]bool
}

// New creates an Extractor bound to transpiler.
func New(transpiler *pathexpr.Transpiler, logger *slog.Logger) *Extractor {
	return &Extractor{transpiler: transpiler, logger: logger, seen: make(map[string]bool)}
}

// ExtractColumns flattens scopes into a SelectClause.
func (e *Extractor) ExtractColumns(scopes []viewdef.SelectScope) (SelectClause, error) {
	return e.extractColumns(scopes, "")
}

func (e *Extractor) extractColumns(scopes []viewdef.SelectScope, ctx string) (SelectClause, error) {
	var (
		columns []Definition
		joins   []string
	)

	for _, scope := range scopes {
		switch {
		case scope.ForEach != "":
			cols, join, err := e.extractForEachColumns(scope, scope.ForEach, ctx, false)
			if err != nil {
				return SelectClause{}, err
			}

			columns = append(columns, cols...)
			joins = append(joins, join)

		case scope.ForEachOrNull != "":
			cols, join, err := e.extractForEachColumns(scope, scope.ForEachOrNull, ctx, true)
			if err != nil {
				return SelectClause{}, err
			}

			columns = append(columns, cols...)
			joins = append(joins, join)

		case len(scope.Column) > 0:
			cols, err := e.extractSimpleColumns(scope.Column, ctx)
			if err != nil {
				return SelectClause{}, err
			}

			columns = append(columns, cols...)

		case len(scope.Select) > 0:
			nested, err := e.extractColumns(scope.Select, ctx)
			if err != nil {
				return SelectClause{}, err
			}

			columns = append(columns, nested.Columns...)
			joins = append(joins, nested.LateralJoins...)

		case len(scope.UnionAll) > 0:
			e.logger.Warn("column: unionAll not yet supported, skipping")

		default:
			e.logger.Warn("column: empty select scope, skipping")
		}
	}

	return SelectClause{
		Columns:      columns,
		LateralJoins: joins,
		SelectSQL:    buildSelectSQL(columns),
	}, nil
}

func (e *Extractor) extractSimpleColumns(defs []viewdef.Column, ctx string) ([]Definition, error) {
	columns := make([]Definition, 0, len(defs))

	for _, def := range defs {
		if err := e.markSeen(def.Name); err != nil {
			return nil, err
		}

		var sqlExpr string

		if def.Path == resourceKeyPath {
			sqlExpr = e.resourceKeyExpr(ctx)
		} else {
			sqlExpr = e.transpiler.Transpile(def.Path, true, ctx).SQL
		}

		columns = append(columns, Definition{
			Name:          def.Name,
			SQLExpression: sqlExpr,
			Description:   def.Description,
		})
	}

	return columns, nil
}

func (e *Extractor) resourceKeyExpr(ctx string) string {
	if ctx != "" {
		return fmt.Sprintf("%s->>'id'", ctx)
	}

	return "v.res_text_vc::jsonb->>'id'"
}

func (e *Extractor) extractForEachColumns(
	scope viewdef.SelectScope, forEachPath, outerCtx string, nullable bool,
) ([]Definition, string, error) {
	e.lateralCounter++
	alias := fmt.Sprintf("foreach_%d", e.lateralCounter)

	baseExpr := e.transpiler.Transpile(forEachPath, false, outerCtx)

	joinType := "CROSS JOIN LATERAL"
	if nullable {
		joinType = "LEFT JOIN LATERAL"
	}

	var (
		join string
		ctx  string
	)

	if strings.Contains(forEachPath, ".first()") || baseExpr.RequiresSubquery {
		join = fmt.Sprintf(
			"%s (SELECT %s AS %s) AS %s_row ON true",
			joinType, baseExpr.SQL, alias, alias,
		)
		ctx = fmt.Sprintf("%s_row.%s", alias, alias)
	} else {
		join = fmt.Sprintf(
			"%s jsonb_array_elements(COALESCE(%s, '[]'::jsonb)) AS %s ON true",
			joinType, baseExpr.SQL, alias,
		)
		ctx = alias
	}

	if len(scope.Select) > 0 {
		nested, err := e.extractColumns(scope.Select, ctx)
		if err != nil {
			return nil, "", err
		}

		return nested.Columns, join, nil
	}

	columns, err := e.extractSimpleColumns(scope.Column, ctx)
	if err != nil {
		return nil, "", err
	}

	for i := range columns {
		columns[i].IsNullable = nullable
	}

	return columns, join, nil
}

func (e *Extractor) markSeen(name string) error {
	if e.seen[name] {
		return apperr.New(apperr.InvalidInput, "column.ExtractColumns",
			fmt.Errorf("%w: %s", ErrDuplicateColumn, name))
	}

	e.seen[name] = true

	return nil
}

func buildSelectSQL(columns []Definition) string {
	if len(columns) == 0 {
		return "SELECT 1"
	}

	exprs := make([]string, 0, len(columns))
	for _, col := range columns {
		exprs = append(exprs, fmt.Sprintf("    %s AS %s", col.SQLExpression, col.Name))
	}

	return "SELECT\n" + strings.Join(exprs, ",\n")
}

// ExtractWhereClause renders a ViewDefinition's where predicates as an
// ANDed WHERE clause fragment, with an optional trailing SQL comment
// per predicate carrying its description.
func ExtractWhereClause(transpiler *pathexpr.Transpiler, predicates []viewdef.WherePredicate) string {
	if len(predicates) == 0 {
		return ""
	}

	conditions := make([]string, 0, len(predicates))

	for _, pred := range predicates {
		expr := transpiler.Transpile(pred.Path, false, "")

		if pred.Description != "" {
			conditions = append(conditions, fmt.Sprintf("(%s) -- %s", expr.SQL, pred.Description))
		} else {
			conditions = append(conditions, fmt.Sprintf("(%s)", expr.SQL))
		}
	}

	return "WHERE\n    " + strings.Join(conditions, "\n    AND ")
}
