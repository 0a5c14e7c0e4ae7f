package spec

// Operator identifies a comparison operator supported by the specification
// engine. Each operator has exactly one SQL rendering and one NoSQL rendering.
type Operator string

const (
	OpEquals     Operator = "eq"
	OpNotEquals  Operator = "ne"
	OpGT         Operator = "gt"
	OpGTE        Operator = "gte"
	OpLT         Operator = "lt"
	OpLTE        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "nin"
	OpLike       Operator = "like"
	OpILike      Operator = "ilike"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpIsNull     Operator = "is_null"
	OpIsNotNull  Operator = "is_not_null"
	OpBetween    Operator = "between"
)

// sqlOperators maps each operator to its SQL comparison token. Operators with
// structural renderings (IN, BETWEEN, NULL checks, pattern matches) are
// handled directly by FieldSpecification.sql.
var sqlOperators = map[Operator]string{
	OpEquals:    "=",
	OpNotEquals: "!=",
	OpGT:        ">",
	OpGTE:       ">=",
	OpLT:        "<",
	OpLTE:       "<=",
}

// nosqlOperators maps each operator to its document-filter operator key.
var nosqlOperators = map[Operator]string{
	OpEquals:    "$eq",
	OpNotEquals: "$ne",
	OpGT:        "$gt",
	OpGTE:       "$gte",
	OpLT:        "$lt",
	OpLTE:       "$lte",
	OpIn:        "$in",
	OpNotIn:     "$nin",
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGT, OpGTE, OpLT, OpLTE,
		OpIn, OpNotIn, OpLike, OpILike, OpContains,
		OpStartsWith, OpEndsWith, OpIsNull, OpIsNotNull, OpBetween:
		return true
	}
	return false
}

// needsValue reports whether the operator requires a comparison value.
func (op Operator) needsValue() bool {
	return op != OpIsNull && op != OpIsNotNull
}
