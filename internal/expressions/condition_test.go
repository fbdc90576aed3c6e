package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalCond(t *testing.T, expression string, env Env) bool {
	t.Helper()
	out, err := Evaluate(expression, env, DefaultResolver{})
	require.NoError(t, err)
	return out
}

// --- Literal comparisons ---

func TestEvaluate_NumericLiterals(t *testing.T) {
	assert.True(t, evalCond(t, "10 >= 5", Env{}))
	assert.False(t, evalCond(t, "5 >= 10", Env{}))
	assert.True(t, evalCond(t, "3 < 4", Env{}))
	assert.True(t, evalCond(t, "7 == 7", Env{}))
	assert.True(t, evalCond(t, "7 != 8", Env{}))
}

func TestEvaluate_Boundary(t *testing.T) {
	// ">=" must win over ">" during tokenization.
	assert.True(t, evalCond(t, "100 >= 100", Env{}))
	assert.False(t, evalCond(t, "100 > 100", Env{}))
	assert.True(t, evalCond(t, "100 <= 100", Env{}))
}

func TestEvaluate_EmptyExpression(t *testing.T) {
	assert.False(t, evalCond(t, "", Env{}))
	assert.False(t, evalCond(t, "   ", Env{}))
	assert.False(t, evalCond(t, "\t\n", Env{}))
}

// --- Variable and input resolution ---

func TestEvaluate_VariableOperands(t *testing.T) {
	env := Env{Variables: map[string]any{"amount": 150}}
	assert.True(t, evalCond(t, "var.amount >= 100", env))
	assert.False(t, evalCond(t, "var.amount < 100", env))
}

func TestEvaluate_InputOperands(t *testing.T) {
	env := Env{Input: map[string]any{"approved": true}}
	assert.True(t, evalCond(t, "input.approved == true", env))
	assert.False(t, evalCond(t, "input.approved == false", env))
}

func TestEvaluate_BareVariableName(t *testing.T) {
	env := Env{Variables: map[string]any{"count": 3}}
	assert.True(t, evalCond(t, "count == 3", env))
}

func TestEvaluate_BareBooleanOperand(t *testing.T) {
	assert.True(t, evalCond(t, "true", Env{}))
	assert.False(t, evalCond(t, "false", Env{}))
	// Non-boolean bare operands are never truthy.
	assert.False(t, evalCond(t, "hello", Env{}))
	assert.False(t, evalCond(t, "1", Env{}))

	env := Env{Variables: map[string]any{"flag": true}}
	assert.True(t, evalCond(t, "var.flag", env))
}

// --- String comparison ---

func TestEvaluate_StringCaseInsensitive(t *testing.T) {
	env := Env{Variables: map[string]any{"status": "APPROVED"}}
	assert.True(t, evalCond(t, `var.status == 'approved'`, env))
	assert.True(t, evalCond(t, `var.status == "Approved"`, env))
	assert.False(t, evalCond(t, `var.status != 'approved'`, env))
}

func TestEvaluate_NumericStringsCompareNumerically(t *testing.T) {
	env := Env{Variables: map[string]any{"total": "9"}}
	// "9" > "10" lexically, but numeric comparison must win.
	assert.False(t, evalCond(t, "var.total > 10", env))
}

// --- Malformed expressions ---

func TestEvaluate_MissingOperand(t *testing.T) {
	_, err := Evaluate("5 >=", Env{}, DefaultResolver{})
	require.Error(t, err)

	_, err = Evaluate("== 5", Env{}, DefaultResolver{})
	require.Error(t, err)
}

// --- DefaultResolver ---

func TestDefaultResolver_Literals(t *testing.T) {
	r := DefaultResolver{}

	v, err := r.Resolve("42.5", Env{})
	require.NoError(t, err)
	assert.Equal(t, 42.5, v)

	v, err = r.Resolve("'quoted'", Env{})
	require.NoError(t, err)
	assert.Equal(t, "quoted", v)

	v, err = r.Resolve("null", Env{})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = r.Resolve("true", Env{})
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestDefaultResolver_UnknownNameResolvesAsText(t *testing.T) {
	r := DefaultResolver{}
	v, err := r.Resolve("pending", Env{})
	require.NoError(t, err)
	assert.Equal(t, "pending", v)
}

func TestDefaultResolver_MissingVariableIsNil(t *testing.T) {
	r := DefaultResolver{}
	v, err := r.Resolve("var.absent", Env{Variables: map[string]any{}})
	require.NoError(t, err)
	assert.Nil(t, v)
}

// --- ResolveValue ---

func TestResolveValue_Empty(t *testing.T) {
	v, err := ResolveValue("  ", Env{}, DefaultResolver{})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestResolveValue_Variable(t *testing.T) {
	env := Env{Variables: map[string]any{"name": "order-7"}}
	v, err := ResolveValue("var.name", env, DefaultResolver{})
	require.NoError(t, err)
	assert.Equal(t, "order-7", v)
}
