package spec

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"regexp"
	"strings"
)

// Specification is a composable, immutable predicate that renders to both a
// SQL WHERE clause with named parameters and a document-store filter.
//
// Implementations are sealed inside this package; build trees with Field,
// And, Or, and Not (or the operator shortcuts such as Eq and Between).
type Specification interface {
	// ToSQL renders the predicate to a WHERE clause fragment and its named
	// parameters. Parameter placeholders use the ":name" form.
	ToSQL(ctx *Context) (string, map[string]interface{}, error)

	// ToFilter renders the predicate to a document-store filter.
	ToFilter(ctx *Context) (map[string]interface{}, error)

	// ToMap returns a serializable representation of the predicate tree.
	ToMap() map[string]interface{}

	// Validate checks operator arity and value types without rendering.
	Validate() error

	sql(ctx *Context, params map[string]interface{}) (string, error)
}

// FieldSpecification compares a single field against a value.
type FieldSpecification struct {
	FieldName string
	Operator  Operator
	Value     interface{}
}

// AndSpecification is the conjunction of its children.
type AndSpecification struct {
	Children []Specification
}

// OrSpecification is the disjunction of its children.
type OrSpecification struct {
	Children []Specification
}

// NotSpecification negates its child.
type NotSpecification struct {
	Child Specification
}

// Field creates a field comparison specification.
func Field(field string, op Operator, value interface{}) *FieldSpecification {
	return &FieldSpecification{FieldName: field, Operator: op, Value: value}
}

// Shorthand constructors for the common operators.

func Eq(field string, value interface{}) *FieldSpecification  { return Field(field, OpEquals, value) }
func Ne(field string, value interface{}) *FieldSpecification  { return Field(field, OpNotEquals, value) }
func Gt(field string, value interface{}) *FieldSpecification  { return Field(field, OpGT, value) }
func Gte(field string, value interface{}) *FieldSpecification { return Field(field, OpGTE, value) }
func Lt(field string, value interface{}) *FieldSpecification  { return Field(field, OpLT, value) }
func Lte(field string, value interface{}) *FieldSpecification { return Field(field, OpLTE, value) }

// In matches rows whose field equals any of the given values.
func In(field string, values ...interface{}) *FieldSpecification {
	return Field(field, OpIn, values)
}

// NotIn matches rows whose field equals none of the given values.
func NotIn(field string, values ...interface{}) *FieldSpecification {
	return Field(field, OpNotIn, values)
}

// Like matches a SQL LIKE pattern ('%' and '_' wildcards).
func Like(field, pattern string) *FieldSpecification { return Field(field, OpLike, pattern) }

// ILike is the case-insensitive variant of Like.
func ILike(field, pattern string) *FieldSpecification { return Field(field, OpILike, pattern) }

// Contains matches fields containing the given substring.
func Contains(field, substr string) *FieldSpecification { return Field(field, OpContains, substr) }

// StartsWith matches fields beginning with the given prefix.
func StartsWith(field, prefix string) *FieldSpecification {
	return Field(field, OpStartsWith, prefix)
}

// EndsWith matches fields ending with the given suffix.
func EndsWith(field, suffix string) *FieldSpecification { return Field(field, OpEndsWith, suffix) }

// IsNull matches fields that are null or absent.
func IsNull(field string) *FieldSpecification { return Field(field, OpIsNull, nil) }

// IsNotNull matches fields that are present and non-null.
func IsNotNull(field string) *FieldSpecification { return Field(field, OpIsNotNull, nil) }

// Between matches fields within the inclusive [low, high] range.
func Between(field string, low, high interface{}) *FieldSpecification {
	return Field(field, OpBetween, []interface{}{low, high})
}

// And combines specifications into a conjunction.
func And(children ...Specification) *AndSpecification {
	return &AndSpecification{Children: children}
}

// Or combines specifications into a disjunction.
func Or(children ...Specification) *OrSpecification {
	return &OrSpecification{Children: children}
}

// Not negates a specification.
func Not(child Specification) *NotSpecification {
	return &NotSpecification{Child: child}
}

// renderSQL renders a specification with a fresh parameter map.
func renderSQL(s Specification, ctx *Context) (string, map[string]interface{}, error) {
	params := make(map[string]interface{})
	clause, err := s.sql(ctx, params)
	if err != nil {
		return "", nil, err
	}
	return clause, params, nil
}

// paramKey derives a deterministic parameter key from the field, operator,
// and value. Identical sub-specifications always derive the same key, so
// rendering a tree that repeats a predicate reuses one parameter slot.
func paramKey(field string, op Operator, value interface{}) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%v", field, op, value)

	var b strings.Builder
	for _, r := range field {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return fmt.Sprintf("%s_%s_%08x", b.String(), op, h.Sum32())
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike escapes LIKE metacharacters in a literal substring. Clauses
// built from the result must carry an ESCAPE '\' qualifier.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// likePatternToRegex translates a SQL LIKE pattern to an anchored regular
// expression: '%' becomes '.*' and '_' becomes '.'; everything else is
// escaped literally.
func likePatternToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// sliceValues normalizes a value into a []interface{} if it is any slice or
// array type.
func sliceValues(value interface{}) ([]interface{}, bool) {
	if vs, ok := value.([]interface{}); ok {
		return vs, true
	}
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// stringValue extracts a string value for pattern operators.
func stringValue(value interface{}) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

// FieldSpecification

// Validate checks operator and value arity.
func (f *FieldSpecification) Validate() error {
	if f.FieldName == "" {
		return newSpecError(f.FieldName, f.Operator, "field name is required")
	}
	if !f.Operator.Valid() {
		return newSpecError(f.FieldName, f.Operator, "unknown operator")
	}
	if f.Operator.needsValue() && f.Value == nil {
		return newSpecError(f.FieldName, f.Operator, "value is required")
	}

	switch f.Operator {
	case OpIn, OpNotIn:
		vs, ok := sliceValues(f.Value)
		if !ok {
			return newSpecError(f.FieldName, f.Operator, "value must be a list, got %T", f.Value)
		}
		if len(vs) == 0 {
			return newSpecError(f.FieldName, f.Operator, "value list must not be empty")
		}
	case OpBetween:
		vs, ok := sliceValues(f.Value)
		if !ok || len(vs) != 2 {
			return newSpecError(f.FieldName, f.Operator, "value must be a [low, high] pair")
		}
	case OpLike, OpILike, OpContains, OpStartsWith, OpEndsWith:
		if _, ok := stringValue(f.Value); !ok {
			return newSpecError(f.FieldName, f.Operator, "value must be a string, got %T", f.Value)
		}
	}
	return nil
}

// ToSQL renders the comparison to a SQL fragment with named parameters.
func (f *FieldSpecification) ToSQL(ctx *Context) (string, map[string]interface{}, error) {
	return renderSQL(f, ctx)
}

func (f *FieldSpecification) sql(ctx *Context, params map[string]interface{}) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	col := ctx.resolveField(f.FieldName)

	if tok, ok := sqlOperators[f.Operator]; ok {
		key := paramKey(f.FieldName, f.Operator, f.Value)
		params[key] = f.Value
		return fmt.Sprintf("%s %s :%s", col, tok, key), nil
	}

	switch f.Operator {
	case OpIn, OpNotIn:
		vs, _ := sliceValues(f.Value)
		keys := make([]string, len(vs))
		for i, v := range vs {
			key := fmt.Sprintf("%s_%d", paramKey(f.FieldName, f.Operator, v), i)
			params[key] = v
			keys[i] = ":" + key
		}
		tok := "IN"
		if f.Operator == OpNotIn {
			tok = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, tok, strings.Join(keys, ", ")), nil

	case OpBetween:
		vs, _ := sliceValues(f.Value)
		base := paramKey(f.FieldName, f.Operator, f.Value)
		lo, hi := base+"_lo", base+"_hi"
		params[lo] = vs[0]
		params[hi] = vs[1]
		return fmt.Sprintf("%s BETWEEN :%s AND :%s", col, lo, hi), nil

	case OpIsNull:
		return col + " IS NULL", nil
	case OpIsNotNull:
		return col + " IS NOT NULL", nil

	case OpLike:
		s, _ := stringValue(f.Value)
		key := paramKey(f.FieldName, f.Operator, s)
		params[key] = s
		return fmt.Sprintf("%s LIKE :%s", col, key), nil

	case OpILike:
		s, _ := stringValue(f.Value)
		key := paramKey(f.FieldName, f.Operator, s)
		params[key] = strings.ToLower(s)
		return fmt.Sprintf("LOWER(%s) LIKE :%s", col, key), nil

	case OpContains:
		s, _ := stringValue(f.Value)
		key := paramKey(f.FieldName, f.Operator, s)
		params[key] = "%" + escapeLike(s) + "%"
		return fmt.Sprintf(`%s LIKE :%s ESCAPE '\'`, col, key), nil

	case OpStartsWith:
		s, _ := stringValue(f.Value)
		key := paramKey(f.FieldName, f.Operator, s)
		params[key] = escapeLike(s) + "%"
		return fmt.Sprintf(`%s LIKE :%s ESCAPE '\'`, col, key), nil

	case OpEndsWith:
		s, _ := stringValue(f.Value)
		key := paramKey(f.FieldName, f.Operator, s)
		params[key] = "%" + escapeLike(s)
		return fmt.Sprintf(`%s LIKE :%s ESCAPE '\'`, col, key), nil
	}

	return "", newSpecError(f.FieldName, f.Operator, "operator has no SQL rendering")
}

// ToFilter renders the comparison to a document-store filter.
func (f *FieldSpecification) ToFilter(ctx *Context) (map[string]interface{}, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	field := ctx.resolveFilterField(f.FieldName)

	if tok, ok := nosqlOperators[f.Operator]; ok {
		val := f.Value
		if f.Operator == OpIn || f.Operator == OpNotIn {
			val, _ = sliceValues(f.Value)
		}
		return map[string]interface{}{field: map[string]interface{}{tok: val}}, nil
	}

	switch f.Operator {
	case OpBetween:
		vs, _ := sliceValues(f.Value)
		return map[string]interface{}{field: map[string]interface{}{
			"$gte": vs[0],
			"$lte": vs[1],
		}}, nil

	case OpIsNull:
		return map[string]interface{}{field: map[string]interface{}{"$eq": nil}}, nil
	case OpIsNotNull:
		return map[string]interface{}{field: map[string]interface{}{"$ne": nil}}, nil

	case OpLike:
		s, _ := stringValue(f.Value)
		return map[string]interface{}{field: map[string]interface{}{
			"$regex": likePatternToRegex(s),
		}}, nil

	case OpILike:
		s, _ := stringValue(f.Value)
		return map[string]interface{}{field: map[string]interface{}{
			"$regex":   likePatternToRegex(s),
			"$options": "i",
		}}, nil

	case OpContains:
		s, _ := stringValue(f.Value)
		return map[string]interface{}{field: map[string]interface{}{
			"$regex": regexp.QuoteMeta(s),
		}}, nil

	case OpStartsWith:
		s, _ := stringValue(f.Value)
		return map[string]interface{}{field: map[string]interface{}{
			"$regex": "^" + regexp.QuoteMeta(s),
		}}, nil

	case OpEndsWith:
		s, _ := stringValue(f.Value)
		return map[string]interface{}{field: map[string]interface{}{
			"$regex": regexp.QuoteMeta(s) + "$",
		}}, nil
	}

	return nil, newSpecError(f.FieldName, f.Operator, "operator has no filter rendering")
}

// ToMap returns the serializable form of the comparison.
func (f *FieldSpecification) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"type":     "field",
		"field":    f.FieldName,
		"operator": string(f.Operator),
		"value":    f.Value,
	}
}

// AndSpecification

// Validate checks that the conjunction has children and that each is valid.
func (a *AndSpecification) Validate() error {
	if len(a.Children) == 0 {
		return newSpecError("", "", "and requires at least one child specification")
	}
	for _, c := range a.Children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ToSQL renders the conjunction to a SQL fragment with named parameters.
func (a *AndSpecification) ToSQL(ctx *Context) (string, map[string]interface{}, error) {
	return renderSQL(a, ctx)
}

func (a *AndSpecification) sql(ctx *Context, params map[string]interface{}) (string, error) {
	if len(a.Children) == 0 {
		return "", newSpecError("", "", "and requires at least one child specification")
	}
	parts := make([]string, len(a.Children))
	for i, c := range a.Children {
		clause, err := c.sql(ctx, params)
		if err != nil {
			return "", err
		}
		parts[i] = clause
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

// ToFilter renders the conjunction to a document-store filter.
func (a *AndSpecification) ToFilter(ctx *Context) (map[string]interface{}, error) {
	if len(a.Children) == 0 {
		return nil, newSpecError("", "", "and requires at least one child specification")
	}
	filters := make([]interface{}, len(a.Children))
	for i, c := range a.Children {
		f, err := c.ToFilter(ctx)
		if err != nil {
			return nil, err
		}
		filters[i] = f
	}
	return map[string]interface{}{"$and": filters}, nil
}

// ToMap returns the serializable form of the conjunction.
func (a *AndSpecification) ToMap() map[string]interface{} {
	children := make([]interface{}, len(a.Children))
	for i, c := range a.Children {
		children[i] = c.ToMap()
	}
	return map[string]interface{}{
		"type":           "and",
		"specifications": children,
	}
}

// OrSpecification

// Validate checks that the disjunction has children and that each is valid.
func (o *OrSpecification) Validate() error {
	if len(o.Children) == 0 {
		return newSpecError("", "", "or requires at least one child specification")
	}
	for _, c := range o.Children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ToSQL renders the disjunction to a SQL fragment with named parameters.
func (o *OrSpecification) ToSQL(ctx *Context) (string, map[string]interface{}, error) {
	return renderSQL(o, ctx)
}

func (o *OrSpecification) sql(ctx *Context, params map[string]interface{}) (string, error) {
	if len(o.Children) == 0 {
		return "", newSpecError("", "", "or requires at least one child specification")
	}
	parts := make([]string, len(o.Children))
	for i, c := range o.Children {
		clause, err := c.sql(ctx, params)
		if err != nil {
			return "", err
		}
		parts[i] = clause
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

// ToFilter renders the disjunction to a document-store filter.
func (o *OrSpecification) ToFilter(ctx *Context) (map[string]interface{}, error) {
	if len(o.Children) == 0 {
		return nil, newSpecError("", "", "or requires at least one child specification")
	}
	filters := make([]interface{}, len(o.Children))
	for i, c := range o.Children {
		f, err := c.ToFilter(ctx)
		if err != nil {
			return nil, err
		}
		filters[i] = f
	}
	return map[string]interface{}{"$or": filters}, nil
}

// ToMap returns the serializable form of the disjunction.
func (o *OrSpecification) ToMap() map[string]interface{} {
	children := make([]interface{}, len(o.Children))
	for i, c := range o.Children {
		children[i] = c.ToMap()
	}
	return map[string]interface{}{
		"type":           "or",
		"specifications": children,
	}
}

// NotSpecification

// Validate checks that the negation has a valid child.
func (n *NotSpecification) Validate() error {
	if n.Child == nil {
		return newSpecError("", "", "not requires a child specification")
	}
	return n.Child.Validate()
}

// ToSQL renders the negation to a SQL fragment with named parameters.
func (n *NotSpecification) ToSQL(ctx *Context) (string, map[string]interface{}, error) {
	return renderSQL(n, ctx)
}

func (n *NotSpecification) sql(ctx *Context, params map[string]interface{}) (string, error) {
	if n.Child == nil {
		return "", newSpecError("", "", "not requires a child specification")
	}
	clause, err := n.Child.sql(ctx, params)
	if err != nil {
		return "", err
	}
	return "NOT " + clause, nil
}

// ToFilter renders the negation to a document-store filter.
func (n *NotSpecification) ToFilter(ctx *Context) (map[string]interface{}, error) {
	if n.Child == nil {
		return nil, newSpecError("", "", "not requires a child specification")
	}
	child, err := n.Child.ToFilter(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"$not": child}, nil
}

// ToMap returns the serializable form of the negation.
func (n *NotSpecification) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"type":          "not",
		"specification": n.Child.ToMap(),
	}
}
