package stores

import (
	"regexp"
	"sort"
	"strings"

	"github.com/polystore/polystore/pkg/repository"
)

// matchesFilter evaluates a document-store filter against one document.
// Supported operators: $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $regex
// (with $options "i"), $exists, plus the logical combinators $and, $or, and
// $not. A bare value is shorthand for $eq. An empty filter matches
// everything.
func matchesFilter(doc repository.Document, filter repository.Filter) bool {
	for key, condition := range filter {
		switch key {
		case "$and":
			for _, sub := range toFilterList(condition) {
				if !matchesFilter(doc, sub) {
					return false
				}
			}
		case "$or":
			subs := toFilterList(condition)
			if len(subs) == 0 {
				return false
			}
			matched := false
			for _, sub := range subs {
				if matchesFilter(doc, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "$not":
			if sub, ok := toFilter(condition); ok && matchesFilter(doc, sub) {
				return false
			}
		default:
			if !matchesField(doc[key], condition) {
				return false
			}
		}
	}
	return true
}

func toFilterList(v interface{}) []repository.Filter {
	switch list := v.(type) {
	case []repository.Filter:
		return list
	case []interface{}:
		out := make([]repository.Filter, 0, len(list))
		for _, item := range list {
			if f, ok := toFilter(item); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}

func toFilter(v interface{}) (repository.Filter, bool) {
	f, ok := v.(map[string]interface{})
	return f, ok
}

// matchesField evaluates one field condition. Operator maps apply all their
// operators conjunctively; any other value is an equality test.
func matchesField(value, condition interface{}) bool {
	ops, ok := condition.(map[string]interface{})
	if !ok || !hasOperatorKey(ops) {
		return valuesEqual(value, condition)
	}

	for op, operand := range ops {
		switch op {
		case "$eq":
			if !valuesEqual(value, operand) {
				return false
			}
		case "$ne":
			if valuesEqual(value, operand) {
				return false
			}
		case "$gt":
			if c, ok := compareValues(value, operand); !ok || c <= 0 {
				return false
			}
		case "$gte":
			if c, ok := compareValues(value, operand); !ok || c < 0 {
				return false
			}
		case "$lt":
			if c, ok := compareValues(value, operand); !ok || c >= 0 {
				return false
			}
		case "$lte":
			if c, ok := compareValues(value, operand); !ok || c > 0 {
				return false
			}
		case "$in":
			if !containsValue(operand, value) {
				return false
			}
		case "$nin":
			if containsValue(operand, value) {
				return false
			}
		case "$exists":
			want, _ := operand.(bool)
			if (value != nil) != want {
				return false
			}
		case "$regex":
			pattern, _ := operand.(string)
			if opts, _ := ops["$options"].(string); strings.Contains(opts, "i") {
				pattern = "(?i)" + pattern
			}
			str, isStr := value.(string)
			if !isStr {
				return false
			}
			re, err := regexp.Compile(pattern)
			if err != nil || !re.MatchString(str) {
				return false
			}
		case "$options":
			// consumed by $regex
		default:
			return false
		}
	}
	return true
}

func hasOperatorKey(m map[string]interface{}) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func containsValue(list, value interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if valuesEqual(value, item) {
			return true
		}
	}
	return false
}

// valuesEqual compares with numeric coercion so 3 matches 3.0 regardless of
// how the value round-tripped through JSON.
func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

// compareValues orders two values: -1, 0, or 1. Only numbers and strings
// order; everything else reports not comparable.
func compareValues(a, b interface{}) (int, bool) {
	if fa, aok := toFloat(a); aok {
		fb, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// sortDocuments orders documents by the criteria in order. Values that do
// not compare keep their relative order.
func sortDocuments(docs []repository.Document, criteria []repository.SortCriteria) {
	if len(criteria) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, c := range criteria {
			cmp, ok := compareValues(docs[i][c.Field], docs[j][c.Field])
			if !ok || cmp == 0 {
				continue
			}
			if c.Direction == repository.SortDesc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// applyWindow slices limit/offset out of an already-sorted result.
func applyWindow(docs []repository.Document, limit, offset int) []repository.Document {
	if offset > 0 {
		if offset >= len(docs) {
			return nil
		}
		docs = docs[offset:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// applyProjection keeps only the named fields. The ID field always survives.
func applyProjection(doc repository.Document, fields []string) repository.Document {
	if len(fields) == 0 {
		return doc
	}
	out := repository.Document{repository.IDField: doc[repository.IDField]}
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

// copyDocument deep-copies maps and slices so callers cannot mutate stored
// state through a returned document.
func copyDocument(doc repository.Document) repository.Document {
	out := make(repository.Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, item := range tv {
			out[k] = copyValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}
