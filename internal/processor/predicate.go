package processor

import (
	"fraud_explorer/internal/domain"
	"time"
)

// Predicate is a node of a compiled condition tree: All, Any, Not or
// Comparison. The set is closed.
type Predicate interface {
	predicate()
}

// All is true iff every child is true; an empty All is true.
type All struct {
	Children []Predicate
}

// Any is true iff at least one child is true; an empty Any is false.
type Any struct {
	Children []Predicate
}

type Not struct {
	Child Predicate
}

// Comparison tests a named fact against a literal. Value has already been
// normalized by the compiler: float64, string, bool, time.Time, or []any of
// those for set operators.
type Comparison struct {
	Fact     string
	Operator Operator
	Value    any
}

func (All) predicate()        {}
func (Any) predicate()        {}
func (Not) predicate()        {}
func (Comparison) predicate() {}

type Operator int

const (
	OpEqual Operator = iota + 1
	OpNotEqual
	OpGreaterThan
	OpGreaterThanInclusive
	OpLessThan
	OpLessThanInclusive
	OpIn
	OpNotIn
	OpIsBusinessHours
	OpIsHighRiskRegion
	OpExceedsThreshold
)

var operatorNames = map[Operator]string{
	OpEqual:                "equal",
	OpNotEqual:             "notEqual",
	OpGreaterThan:          "greaterThan",
	OpGreaterThanInclusive: "greaterThanInclusive",
	OpLessThan:             "lessThan",
	OpLessThanInclusive:    "lessThanInclusive",
	OpIn:                   "in",
	OpNotIn:                "notIn",
	OpIsBusinessHours:      "isBusinessHours",
	OpIsHighRiskRegion:     "isHighRiskRegion",
	OpExceedsThreshold:     "exceedsThreshold",
}

// operatorAliases maps names written by older rule composers.
var operatorAliases = map[string]Operator{
	"isHighRiskstate": OpIsHighRiskRegion,
}

func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return "unknown"
}

func ParseOperator(name string) (Operator, bool) {
	for op, n := range operatorNames {
		if n == name {
			return op, true
		}
	}
	op, ok := operatorAliases[name]
	return op, ok
}

// CompiledRule is the executable form of one active rule.
type CompiledRule struct {
	ID        string
	Name      string
	Predicate Predicate
	Event     domain.RuleEvent
	UpdatedAt time.Time
}
