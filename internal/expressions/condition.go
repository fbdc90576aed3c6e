package expressions

import (
	"strconv"
	"strings"

	"github.com/rendis/procflow/pkg/schema"
)

// Env is the evaluation environment a condition sees: the instance variable
// bag and the current activity input.
type Env struct {
	Variables map[string]any
	Input     map[string]any
}

// Resolver turns an operand token into a value. Injected so the engine can
// change the literal/variable syntax without touching gateway code.
type Resolver interface {
	Resolve(operand string, env Env) (any, error)
}

// comparison operators, two-character operators first. Matching order is
// significant: ">=" must be tested before ">" to avoid mis-tokenizing.
var operators = []string{">=", "<=", "==", "!=", ">", "<"}

// Evaluate evaluates a binary comparison expression against the environment.
// Empty or whitespace-only expressions evaluate to false. An expression with
// no operator resolves as a single operand: booleans evaluate to themselves,
// anything else to false.
//
// String comparisons are case-insensitive. This mirrors the documented
// behavior of the condition dialect; pending product confirmation it must not
// be changed to case-sensitive.
func Evaluate(expression string, env Env, resolver Resolver) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false, nil
	}

	for _, op := range operators {
		idx := strings.Index(expression, op)
		if idx < 0 {
			continue
		}

		left := strings.TrimSpace(expression[:idx])
		right := strings.TrimSpace(expression[idx+len(op):])
		if left == "" || right == "" {
			return false, schema.NewErrorf(schema.ErrCodeExecution,
				"malformed condition %q: missing operand", expression)
		}

		lv, err := resolver.Resolve(left, env)
		if err != nil {
			return false, err
		}
		rv, err := resolver.Resolve(right, env)
		if err != nil {
			return false, err
		}

		return compare(op, lv, rv, expression)
	}

	// No operator: bare operand, truthy only for booleans.
	v, err := resolver.Resolve(expression, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	return ok && b, nil
}

func compare(op string, lv, rv any, expression string) (bool, error) {
	if lf, lok := toFloat(lv); lok {
		if rf, rok := toFloat(rv); rok {
			switch op {
			case "==":
				return lf == rf, nil
			case "!=":
				return lf != rf, nil
			case ">":
				return lf > rf, nil
			case "<":
				return lf < rf, nil
			case ">=":
				return lf >= rf, nil
			case "<=":
				return lf <= rf, nil
			}
		}
	}

	if lb, lok := lv.(bool); lok {
		rb, rok := rv.(bool)
		if !rok {
			return false, nil
		}
		switch op {
		case "==":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		}
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"operator %q not defined for booleans in %q", op, expression)
	}

	// Fall back to case-insensitive string comparison.
	ls := strings.ToLower(toString(lv))
	rs := strings.ToLower(toString(rv))
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case "<":
		return ls < rs, nil
	case ">=":
		return ls >= rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExecution, "unknown operator %q", op)
}

// DefaultResolver resolves the standard operand syntax: var.X, input.X,
// numeric/boolean/quoted-string literals. Bare names resolve from the
// variable bag when present, otherwise as their literal text.
type DefaultResolver struct{}

func (DefaultResolver) Resolve(operand string, env Env) (any, error) {
	operand = strings.TrimSpace(operand)

	switch {
	case operand == "":
		return nil, nil
	case strings.HasPrefix(operand, "var."):
		return env.Variables[operand[len("var."):]], nil
	case strings.HasPrefix(operand, "input."):
		return env.Input[operand[len("input."):]], nil
	case len(operand) >= 2 && (operand[0] == '\'' || operand[0] == '"') && operand[len(operand)-1] == operand[0]:
		return operand[1 : len(operand)-1], nil
	case operand == "true":
		return true, nil
	case operand == "false":
		return false, nil
	case operand == "null":
		return nil, nil
	}

	if f, err := strconv.ParseFloat(operand, 64); err == nil {
		return f, nil
	}
	if v, ok := env.Variables[operand]; ok {
		return v, nil
	}
	return operand, nil
}

// ResolveValue resolves a single operand expression, as used by mapping
// expressions and signal payloads.
func ResolveValue(expression string, env Env, resolver Resolver) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}
	return resolver.Resolve(expression, env)
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
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if b, ok := v.(bool); ok {
		return strconv.FormatBool(b)
	}
	return ""
}
