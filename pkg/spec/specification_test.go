package spec

import (
	"reflect"
	"strings"
	"testing"
)

func TestFieldSpecificationToSQL(t *testing.T) {
	ctx := NewContext("user")

	clause, params, err := Eq("status", "active").ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}
	if !strings.HasPrefix(clause, "status = :") {
		t.Errorf("unexpected clause: %s", clause)
	}
	if len(params) != 1 {
		t.Fatalf("expected 1 parameter, got %d", len(params))
	}
	for _, v := range params {
		if v != "active" {
			t.Errorf("expected parameter value %q, got %v", "active", v)
		}
	}
}

func TestParamKeysAreDeterministic(t *testing.T) {
	ctx := NewContext("user")

	first, firstParams, err := Eq("status", "active").ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}
	second, secondParams, err := Eq("status", "active").ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}

	if first != second {
		t.Errorf("identical specifications rendered differently: %q vs %q", first, second)
	}
	if !reflect.DeepEqual(firstParams, secondParams) {
		t.Errorf("identical specifications produced different params: %v vs %v", firstParams, secondParams)
	}

	// Different values must not collide.
	third, _, err := Eq("status", "inactive").ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}
	if first == third {
		t.Errorf("different values produced identical clauses: %q", first)
	}
}

func TestRepeatedPredicateSharesOneParameter(t *testing.T) {
	ctx := NewContext("user")
	spec := Or(Eq("status", "active"), Eq("status", "active"))

	_, params, err := spec.ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}
	if len(params) != 1 {
		t.Errorf("expected repeated predicate to share one parameter, got %d", len(params))
	}
}

func TestInRendersPerElementParameters(t *testing.T) {
	ctx := NewContext("user")

	clause, params, err := In("role", "admin", "editor", "viewer").ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}
	if !strings.Contains(clause, "IN (") {
		t.Errorf("unexpected clause: %s", clause)
	}
	if len(params) != 3 {
		t.Errorf("expected 3 parameters, got %d", len(params))
	}
}

func TestBetweenRendersLowHighParameters(t *testing.T) {
	ctx := NewContext("user")

	clause, params, err := Between("age", 18, 65).ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}
	if !strings.Contains(clause, "BETWEEN") {
		t.Errorf("unexpected clause: %s", clause)
	}
	if len(params) != 2 {
		t.Fatalf("expected 2 parameters, got %d", len(params))
	}
	var lo, hi bool
	for k, v := range params {
		if strings.HasSuffix(k, "_lo") && v == 18 {
			lo = true
		}
		if strings.HasSuffix(k, "_hi") && v == 65 {
			hi = true
		}
	}
	if !lo || !hi {
		t.Errorf("missing lo/hi parameters: %v", params)
	}
}

func TestILikeLowersColumnAndPattern(t *testing.T) {
	ctx := NewContext("user")

	clause, params, err := ILike("name", "Ali%").ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}
	if !strings.HasPrefix(clause, "LOWER(name) LIKE :") {
		t.Errorf("unexpected clause: %s", clause)
	}
	for _, v := range params {
		if v != "ali%" {
			t.Errorf("expected lowered pattern, got %v", v)
		}
	}
}

func TestSubstringOperatorsEscapeWildcards(t *testing.T) {
	ctx := NewContext("user")

	tests := []struct {
		name string
		spec Specification
		want string
	}{
		{"contains underscore", Contains("name", "a_b"), `%a\_b%`},
		{"contains percent", Contains("code", "50%"), `%50\%%`},
		{"contains backslash", Contains("path", `a\b`), `%a\\b%`},
		{"starts with", StartsWith("name", "a_"), `a\_%`},
		{"ends with", EndsWith("name", "_b"), `%\_b`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clause, params, err := tt.spec.ToSQL(ctx)
			if err != nil {
				t.Fatalf("ToSQL failed: %v", err)
			}
			if !strings.Contains(clause, `ESCAPE '\'`) {
				t.Errorf("clause %q missing ESCAPE qualifier", clause)
			}
			if len(params) != 1 {
				t.Fatalf("expected one parameter, got %v", params)
			}
			for _, v := range params {
				if v != tt.want {
					t.Errorf("pattern %q, want %q", v, tt.want)
				}
			}
		})
	}
}

func TestNullOperatorsRenderWithoutParameters(t *testing.T) {
	ctx := NewContext("user")

	clause, params, err := IsNull("deleted_at").ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}
	if clause != "deleted_at IS NULL" {
		t.Errorf("unexpected clause: %s", clause)
	}
	if len(params) != 0 {
		t.Errorf("expected no parameters, got %v", params)
	}
}

func TestCompositeSQL(t *testing.T) {
	ctx := NewContext("user")
	spec := And(
		Eq("status", "active"),
		Or(Gt("age", 18), Eq("verified", true)),
		Not(Eq("banned", true)),
	)

	clause, params, err := spec.ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}
	for _, want := range []string{" AND ", " OR ", "NOT "} {
		if !strings.Contains(clause, want) {
			t.Errorf("clause %q missing %q", clause, want)
		}
	}
	if len(params) != 4 {
		t.Errorf("expected 4 parameters, got %d", len(params))
	}
}

func TestFieldMapAndAlias(t *testing.T) {
	ctx := NewContext("user").
		WithFieldMap(map[string]string{"name": "full_name"}).
		WithAlias("u")

	clause, _, err := Eq("name", "ada").ToSQL(ctx)
	if err != nil {
		t.Fatalf("ToSQL failed: %v", err)
	}
	if !strings.HasPrefix(clause, "u.full_name = :") {
		t.Errorf("unexpected clause: %s", clause)
	}

	filter, err := Eq("name", "ada").ToFilter(ctx)
	if err != nil {
		t.Fatalf("ToFilter failed: %v", err)
	}
	if _, ok := filter["full_name"]; !ok {
		t.Errorf("filter did not apply field map: %v", filter)
	}
	if _, ok := filter["u.full_name"]; ok {
		t.Errorf("table alias must not leak into filters: %v", filter)
	}
}

func TestToFilterOperators(t *testing.T) {
	ctx := NewContext("user")

	tests := []struct {
		name string
		spec Specification
		want map[string]interface{}
	}{
		{
			name: "equals",
			spec: Eq("status", "active"),
			want: map[string]interface{}{"status": map[string]interface{}{"$eq": "active"}},
		},
		{
			name: "greater than",
			spec: Gt("age", 18),
			want: map[string]interface{}{"age": map[string]interface{}{"$gt": 18}},
		},
		{
			name: "in",
			spec: In("role", "admin", "editor"),
			want: map[string]interface{}{"role": map[string]interface{}{"$in": []interface{}{"admin", "editor"}}},
		},
		{
			name: "between",
			spec: Between("age", 18, 65),
			want: map[string]interface{}{"age": map[string]interface{}{"$gte": 18, "$lte": 65}},
		},
		{
			name: "is null",
			spec: IsNull("deleted_at"),
			want: map[string]interface{}{"deleted_at": map[string]interface{}{"$eq": nil}},
		},
		{
			name: "starts with",
			spec: StartsWith("name", "ada"),
			want: map[string]interface{}{"name": map[string]interface{}{"$regex": "^ada"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.spec.ToFilter(ctx)
			if err != nil {
				t.Fatalf("ToFilter failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLikeToFilterTranslatesPattern(t *testing.T) {
	ctx := NewContext("user")

	filter, err := Like("name", "a%b_c").ToFilter(ctx)
	if err != nil {
		t.Fatalf("ToFilter failed: %v", err)
	}
	cond := filter["name"].(map[string]interface{})
	if cond["$regex"] != "^a.*b.c$" {
		t.Errorf("unexpected regex: %v", cond["$regex"])
	}

	ifilter, err := ILike("name", "A%").ToFilter(ctx)
	if err != nil {
		t.Fatalf("ToFilter failed: %v", err)
	}
	icond := ifilter["name"].(map[string]interface{})
	if icond["$options"] != "i" {
		t.Errorf("ILIKE filter missing case-insensitive option: %v", icond)
	}
}

func TestCompositeToFilter(t *testing.T) {
	ctx := NewContext("user")
	spec := And(Eq("status", "active"), Not(Eq("banned", true)))

	filter, err := spec.ToFilter(ctx)
	if err != nil {
		t.Fatalf("ToFilter failed: %v", err)
	}
	children, ok := filter["$and"].([]interface{})
	if !ok || len(children) != 2 {
		t.Fatalf("unexpected filter: %v", filter)
	}
	not, ok := children[1].(map[string]interface{})["$not"]
	if !ok {
		t.Errorf("missing $not wrapper: %v", children[1])
	}
	if _, ok := not.(map[string]interface{})["banned"]; !ok {
		t.Errorf("unexpected negated filter: %v", not)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		spec Specification
	}{
		{"empty field name", Field("", OpEquals, 1)},
		{"unknown operator", Field("age", Operator("APPROX"), 1)},
		{"equals with nil value", Field("status", OpEquals, nil)},
		{"greater than with nil value", Field("age", OpGT, nil)},
		{"in with non-list", Field("role", OpIn, "admin")},
		{"in with empty list", Field("role", OpIn, []interface{}{})},
		{"between with one bound", Field("age", OpBetween, []interface{}{1})},
		{"like with non-string", Field("name", OpLike, 42)},
		{"empty and", And()},
		{"empty or", Or()},
		{"not without child", Not(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.spec.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
			if _, _, err := tt.spec.ToSQL(NewContext("user")); err == nil {
				t.Error("expected ToSQL error, got nil")
			}
		})
	}
}

func TestToMapRoundsTrip(t *testing.T) {
	spec := And(Eq("status", "active"), Not(In("role", "admin")))

	m := spec.ToMap()
	if m["type"] != "and" {
		t.Errorf("unexpected root type: %v", m["type"])
	}
	children := m["specifications"].([]interface{})
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	field := children[0].(map[string]interface{})
	if field["type"] != "field" || field["field"] != "status" || field["operator"] != string(OpEquals) {
		t.Errorf("unexpected field node: %v", field)
	}
	not := children[1].(map[string]interface{})
	if not["type"] != "not" {
		t.Errorf("unexpected not node: %v", not)
	}
}
