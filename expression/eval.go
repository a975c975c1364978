package expression

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/c360/eventpipe/event"
)

func (n *literalNode) eval(*event.Event) (any, error) {
	return n.value, nil
}

// a missing key evaluates to null
func (n *pathNode) eval(e *event.Event) (any, error) {
	v, _ := e.Get(n.path)
	return v, nil
}

func (n *notNode) eval(e *event.Event) (any, error) {
	b, err := evalBool(n.operand, e, "not")
	if err != nil {
		return nil, err
	}
	return !b, nil
}

func (n *logicalNode) eval(e *event.Event) (any, error) {
	left, err := evalBool(n.left, e, n.op)
	if err != nil {
		return nil, err
	}
	if n.op == "and" && !left {
		return false, nil
	}
	if n.op == "or" && left {
		return true, nil
	}
	return evalBool(n.right, e, n.op)
}

func (n *compareNode) eval(e *event.Event) (any, error) {
	left, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	}

	cmp, err := order(left, right)
	if err != nil {
		return nil, fmt.Errorf("operator %s: %w", n.op, err)
	}
	switch n.op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return nil, fmt.Errorf("unknown operator %s", n.op)
}

func (n *matchNode) eval(e *event.Event) (any, error) {
	v, err := n.operand.eval(e)
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("regex match needs a string, got %T", v)
	}
	return n.re.MatchString(s) != n.negate, nil
}

func (n *setNode) eval(e *event.Event) (any, error) {
	v, err := n.operand.eval(e)
	if err != nil {
		return nil, err
	}
	for _, m := range n.members {
		mv, err := m.eval(e)
		if err != nil {
			return nil, err
		}
		if valuesEqual(v, mv) {
			return !n.negate, nil
		}
	}
	return n.negate, nil
}

func (n *callNode) eval(e *event.Event) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(e)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch n.name {
	case "length":
		switch v := args[0].(type) {
		case string:
			return int64(len([]rune(v))), nil
		case []any:
			return int64(len(v)), nil
		case []string:
			return int64(len(v)), nil
		case map[string]any:
			return int64(len(v)), nil
		case nil:
			return nil, nil
		}
		return nil, fmt.Errorf("length of %T", args[0])

	case "contains":
		switch v := args[0].(type) {
		case string:
			needle, ok := args[1].(string)
			if !ok {
				return nil, fmt.Errorf("contains on a string needs a string, got %T", args[1])
			}
			return strings.Contains(v, needle), nil
		case []any:
			for _, item := range v {
				if valuesEqual(item, args[1]) {
					return true, nil
				}
			}
			return false, nil
		case []string:
			for _, item := range v {
				if item == args[1] {
					return true, nil
				}
			}
			return false, nil
		case nil:
			return false, nil
		}
		return nil, fmt.Errorf("contains on %T", args[0])
	}
	return nil, fmt.Errorf("unknown function %s", n.name)
}

func evalBool(n node, e *event.Event, context string) (bool, error) {
	v, err := n.eval(e)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s needs a boolean operand, got %T", context, v)
	}
	return b, nil
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case uint32:
		return float64(val), true
	default:
		return 0, false
	}
}

func valuesEqual(left, right any) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return lf == rf
	}
	if lok != rok {
		return false
	}
	return reflect.DeepEqual(left, right)
}

// order returns -1, 0 or 1. Only numbers against numbers and strings
// against strings are ordered.
func order(left, right any) (int, error) {
	if lf, ok := toFloat64(left); ok {
		rf, ok := toFloat64(right)
		if !ok {
			return 0, fmt.Errorf("cannot order %T against %T", left, right)
		}
		switch {
		case lf < rf:
			return -1, nil
		case lf > rf:
			return 1, nil
		}
		return 0, nil
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return strings.Compare(ls, rs), nil
	}
	return 0, fmt.Errorf("cannot order %T against %T", left, right)
}
