package processor

import (
	"time"
)

const (
	businessHoursStart = 9
	businessHoursEnd   = 17
)

var highRiskRegions = map[string]struct{}{
	"Pakistan":   {},
	"Bangladesh": {},
}

// FactSource resolves a fact name to its value. domain.Facts implements it.
type FactSource interface {
	Lookup(name string) (any, bool)
}

// MapFacts is a FactSource backed by a plain map.
type MapFacts map[string]any

func (m MapFacts) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Evaluate reports whether p holds for facts. It never fails: a missing fact
// or an operand whose type does not suit the operator makes that comparison
// false, and the surrounding tree is evaluated as usual. Note this also
// applies to notEqual and notIn, which are false on a type mismatch.
func Evaluate(p Predicate, facts FactSource) bool {
	switch n := p.(type) {
	case All:
		for _, child := range n.Children {
			if !Evaluate(child, facts) {
				return false
			}
		}
		return true
	case Any:
		for _, child := range n.Children {
			if Evaluate(child, facts) {
				return true
			}
		}
		return false
	case Not:
		if n.Child == nil {
			return false
		}
		return !Evaluate(n.Child, facts)
	case Comparison:
		return compare(n, facts)
	default:
		return false
	}
}

func compare(c Comparison, facts FactSource) bool {
	if facts == nil {
		return false
	}
	fact, ok := facts.Lookup(c.Fact)
	if !ok || fact == nil {
		return false
	}

	switch c.Operator {
	case OpEqual:
		eq, ok := equalValues(fact, c.Value)
		return ok && eq
	case OpNotEqual:
		eq, ok := equalValues(fact, c.Value)
		return ok && !eq

	case OpGreaterThan:
		cmp, ok := order(fact, c.Value)
		return ok && cmp > 0
	case OpGreaterThanInclusive:
		cmp, ok := order(fact, c.Value)
		return ok && cmp >= 0
	case OpLessThan:
		cmp, ok := order(fact, c.Value)
		return ok && cmp < 0
	case OpLessThanInclusive:
		cmp, ok := order(fact, c.Value)
		return ok && cmp <= 0

	case OpIn:
		found, ok := member(fact, c.Value)
		return ok && found
	case OpNotIn:
		found, ok := member(fact, c.Value)
		return ok && !found

	case OpIsBusinessHours:
		ts, ok := fact.(time.Time)
		want, okV := c.Value.(bool)
		if !ok || !okV {
			return false
		}
		h := ts.Hour()
		return (h >= businessHoursStart && h <= businessHoursEnd) == want

	case OpIsHighRiskRegion:
		region, ok := fact.(string)
		want, okV := c.Value.(bool)
		if !ok || !okV {
			return false
		}
		_, risky := highRiskRegions[region]
		return risky == want

	case OpExceedsThreshold:
		amount, ok := toFloat(fact)
		threshold, okV := toFloat(c.Value)
		return ok && okV && amount > threshold

	default:
		return false
	}
}

// equalValues compares two scalars of the same kind. Timestamps compare
// with an RFC 3339 literal. ok is false when the kinds differ.
func equalValues(fact, value any) (eq bool, ok bool) {
	if a, isNum := toFloat(fact); isNum {
		b, isNum := toFloat(value)
		return a == b, isNum
	}

	switch f := fact.(type) {
	case string:
		v, ok := value.(string)
		return f == v, ok
	case bool:
		v, ok := value.(bool)
		return f == v, ok
	case time.Time:
		v, ok := toTime(value)
		return f.Equal(v), ok
	default:
		return false, false
	}
}

// order returns -1, 0 or 1 comparing fact to value. Numbers order with
// numbers and timestamps with timestamps.
func order(fact, value any) (int, bool) {
	if a, isNum := toFloat(fact); isNum {
		b, isNum := toFloat(value)
		if !isNum {
			return 0, false
		}
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		default:
			return 0, true
		}
	}

	if a, isTime := fact.(time.Time); isTime {
		b, isTime := toTime(value)
		if !isTime {
			return 0, false
		}
		return a.Compare(b), true
	}

	return 0, false
}

// member reports whether fact equals any element of the set. ok is false
// when value is not a set or no element has a comparable kind.
func member(fact, value any) (found bool, ok bool) {
	items, isSet := value.([]any)
	if !isSet {
		return false, false
	}

	comparable := false
	for _, item := range items {
		eq, sameKind := equalValues(fact, item)
		if !sameKind {
			continue
		}
		comparable = true
		if eq {
			return true, true
		}
	}
	// An empty set holds nothing, so every fact is notIn it.
	if len(items) == 0 {
		return false, true
	}
	return false, comparable
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
