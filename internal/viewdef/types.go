// Package viewdef defines the View Definition data model (SPEC_FULL §3)
// and its repository interface.
package viewdef

// ColumnType is an advisory type hint; never enforced against values.
type ColumnType string

const (
	TypeString   ColumnType = "string"
	TypeInteger  ColumnType = "integer"
	TypeFloat    ColumnType = "float"
	TypeDatetime ColumnType = "datetime"
	TypeBoolean  ColumnType = "boolean"
)

// Column is a single projected column: a name and a path expression
// into the document tree, with an optional description and type hint.
type Column struct {
	Name        string     `json:"name"                  yaml:"name"`
	Path        string     `json:"path"                  yaml:"path"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Type        ColumnType `json:"type,omitempty"        yaml:"type,omitempty"`
}

// SelectScope is one element of a ViewDefinition's select list. Exactly
// one of Column, ForEach, ForEachOrNull, or Select (nested) is set per
// SPEC_FULL §3's (a)/(b)/(c) variants; UnionAll scopes are recognized
// by the Column Extractor and skipped with a warning (original source:
// column_extractor.py logs "unionAll not yet supported").
type SelectScope struct {
	// Column scopes (variant a): a flat column list applied at the
	// current context (document root, or the enclosing array element).
	Column []Column `json:"column,omitempty" yaml:"column,omitempty"`

	// ForEach/ForEachOrNull (variant b): iterate an array path, applying
	// the nested Select to each element. ForEachOrNull additionally
	// yields one row with null columns when the array is empty.
	ForEach       string `json:"forEach,omitempty"       yaml:"forEach,omitempty"`
	ForEachOrNull string `json:"forEachOrNull,omitempty" yaml:"forEachOrNull,omitempty"`

	// Select (variant c): a nested scope list inheriting the parent's
	// array context.
	Select []SelectScope `json:"select,omitempty" yaml:"select,omitempty"`

	// UnionAll is recognized but not implemented; scopes using it are
	// skipped with a logged warning.
	UnionAll []SelectScope `json:"unionAll,omitempty" yaml:"unionAll,omitempty"`
}

// WherePredicate is one ANDed path predicate from a ViewDefinition's
// where list.
type WherePredicate struct {
	Path        string `json:"path"                  yaml:"path"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ViewDefinition is a named, immutable (per revision) specification of
// a tabular projection over a document kind (SPEC_FULL §3).
type ViewDefinition struct {
	Name   string           `json:"name"            yaml:"name"`
	Kind   string           `json:"resource"         yaml:"resource"`
	Select []SelectScope    `json:"select"           yaml:"select"`
	Where  []WherePredicate `json:"where,omitempty"  yaml:"where,omitempty"`
}
