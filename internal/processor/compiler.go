package processor

import (
	"encoding/json"
	"fmt"
	"fraud_explorer/internal/domain"
	"time"
)

const maxPredicateDepth = 32

// factAliases maps fact names used by older rules onto the current set.
var factAliases = map[string]string{
	"state": domain.FactRegion,
}

// Compile validates a rule definition and converts its conditions into a
// predicate tree. Conditions use the {"all"|"any"|"not"|"fact"} JSON shape.
// Compile does not look at rule.Active; callers filter inactive rules.
func Compile(rule *domain.Rule) (*CompiledRule, error) {
	if rule == nil {
		return nil, &CompileError{Reason: "rule is nil"}
	}
	if rule.ID == "" {
		return nil, &CompileError{Reason: "rule id is required"}
	}
	if !rule.Event.Severity.Valid() {
		return nil, &CompileError{
			RuleID: rule.ID,
			Path:   "event.severity",
			Reason: fmt.Sprintf("severity %q is not one of low, medium, high", rule.Event.Severity),
		}
	}
	if rule.Event.RuleID == "" {
		return nil, &CompileError{RuleID: rule.ID, Path: "event.ruleId", Reason: "ruleId is required"}
	}
	if rule.Event.RuleID != rule.ID {
		return nil, &CompileError{
			RuleID: rule.ID,
			Path:   "event.ruleId",
			Reason: fmt.Sprintf("ruleId %q does not match rule id", rule.Event.RuleID),
		}
	}
	if len(rule.Conditions) == 0 {
		return nil, &CompileError{RuleID: rule.ID, Path: "conditions", Reason: "conditions are required"}
	}

	c := compiler{ruleID: rule.ID}
	pred, err := c.node(rule.Conditions, "conditions", 1)
	if err != nil {
		return nil, err
	}

	return &CompiledRule{
		ID:        rule.ID,
		Name:      rule.Name,
		Predicate: pred,
		Event:     rule.Event,
		UpdatedAt: rule.UpdatedAt,
	}, nil
}

type compiler struct {
	ruleID string
}

func (c compiler) fail(path, format string, args ...any) error {
	return &CompileError{RuleID: c.ruleID, Path: path, Reason: fmt.Sprintf(format, args...)}
}

func (c compiler) node(raw json.RawMessage, path string, depth int) (Predicate, error) {
	if depth > maxPredicateDepth {
		return nil, c.fail(path, "predicate tree deeper than %d levels", maxPredicateDepth)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, c.fail(path, "condition must be a JSON object")
	}

	kinds := 0
	for _, k := range []string{"all", "any", "not", "fact"} {
		if _, ok := obj[k]; ok {
			kinds++
		}
	}
	if kinds != 1 {
		return nil, c.fail(path, "condition must have exactly one of all, any, not or fact")
	}

	switch {
	case obj["all"] != nil:
		children, err := c.children(obj, "all", path, depth)
		if err != nil {
			return nil, err
		}
		return All{Children: children}, nil
	case obj["any"] != nil:
		children, err := c.children(obj, "any", path, depth)
		if err != nil {
			return nil, err
		}
		return Any{Children: children}, nil
	case obj["not"] != nil:
		if len(obj) != 1 {
			return nil, c.fail(path, "not must be the only key")
		}
		child, err := c.node(obj["not"], path+".not", depth+1)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	default:
		return c.comparison(obj, path)
	}
}

func (c compiler) children(obj map[string]json.RawMessage, key, path string, depth int) ([]Predicate, error) {
	if len(obj) != 1 {
		return nil, c.fail(path, "%s must be the only key", key)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(obj[key], &raws); err != nil || raws == nil {
		return nil, c.fail(path+"."+key, "must be an array of conditions")
	}

	children := make([]Predicate, 0, len(raws))
	for i, raw := range raws {
		child, err := c.node(raw, fmt.Sprintf("%s.%s[%d]", path, key, i), depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func (c compiler) comparison(obj map[string]json.RawMessage, path string) (Predicate, error) {
	for k := range obj {
		if k != "fact" && k != "operator" && k != "value" {
			return nil, c.fail(path, "unknown key %q", k)
		}
	}

	var fact, opName string
	if err := json.Unmarshal(obj["fact"], &fact); err != nil || fact == "" {
		return nil, c.fail(path+".fact", "fact must be a non-empty string")
	}
	if alias, ok := factAliases[fact]; ok {
		fact = alias
	}
	if !domain.IsFactName(fact) {
		return nil, c.fail(path+".fact", "unknown fact %q", fact)
	}

	rawOp, ok := obj["operator"]
	if !ok {
		return nil, c.fail(path+".operator", "operator is required")
	}
	if err := json.Unmarshal(rawOp, &opName); err != nil {
		return nil, c.fail(path+".operator", "operator must be a string")
	}
	op, ok := ParseOperator(opName)
	if !ok {
		return nil, c.fail(path+".operator", "unknown operator %q", opName)
	}

	rawValue, ok := obj["value"]
	if !ok {
		return nil, c.fail(path+".value", "value is required")
	}
	var value any
	if err := json.Unmarshal(rawValue, &value); err != nil {
		return nil, c.fail(path+".value", "invalid value: %v", err)
	}

	normalized, err := normalizeOperand(op, value)
	if err != nil {
		return nil, c.fail(path+".value", "%s: %v", op, err)
	}

	return Comparison{Fact: fact, Operator: op, Value: normalized}, nil
}

// normalizeOperand checks that a literal suits its operator and converts
// timestamp strings for ordering operators into time.Time.
func normalizeOperand(op Operator, value any) (any, error) {
	switch op {
	case OpEqual, OpNotEqual:
		if !isScalar(value) {
			return nil, fmt.Errorf("value must be a number, string or bool")
		}
		return value, nil

	case OpGreaterThan, OpGreaterThanInclusive, OpLessThan, OpLessThanInclusive:
		switch v := value.(type) {
		case float64:
			return v, nil
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("value must be a number or RFC 3339 timestamp")
			}
			return t, nil
		default:
			return nil, fmt.Errorf("value must be a number or RFC 3339 timestamp")
		}

	case OpIn, OpNotIn:
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("value must be an array")
		}
		for i, item := range items {
			if !isScalar(item) {
				return nil, fmt.Errorf("element %d must be a number, string or bool", i)
			}
		}
		return items, nil

	case OpIsBusinessHours, OpIsHighRiskRegion:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("value must be a bool")
		}
		return b, nil

	case OpExceedsThreshold:
		n, ok := value.(float64)
		if !ok {
			return nil, fmt.Errorf("value must be a number")
		}
		return n, nil

	default:
		return nil, fmt.Errorf("unsupported operator")
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case float64, string, bool:
		return true
	default:
		return false
	}
}
