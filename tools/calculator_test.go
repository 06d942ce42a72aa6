package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/cire-orchestrator/agent"
)

func runCalculator(t *testing.T, payload map[string]interface{}, workingQuery string) agent.ToolResult {
	t.Helper()
	tool := &CalculatorTool{}
	return tool.Run(context.Background(), payload, StateView{WorkingQuery: workingQuery}, RuntimeContext{})
}

func TestCalculatorEvaluatesExpression(t *testing.T) {
	result := runCalculator(t, map[string]interface{}{"expression": "5*(20+2)"}, "")
	require.True(t, result.OK)
	assert.Equal(t, float64(110), result.Output["result"])
}

func TestCalculatorInfersExpressionFromQuery(t *testing.T) {
	result := runCalculator(t, map[string]interface{}{},
		"Calcula 5*(20+2) con los limites del 9.1")
	require.True(t, result.OK, "error: %s", result.Error)
	assert.Equal(t, "5*(20+2)", result.Output["expression"])
	assert.Equal(t, float64(110), result.Output["result"])
}

func TestCalculatorMissingExpression(t *testing.T) {
	result := runCalculator(t, map[string]interface{}{}, "sin numeros aqui")
	require.False(t, result.OK)
	assert.Equal(t, agent.CodeMissingExpression, result.Error)
}

func TestCalculatorDivisionByZero(t *testing.T) {
	result := runCalculator(t, map[string]interface{}{"expression": "4/0"}, "")
	require.False(t, result.OK)
	assert.Contains(t, result.Error, agent.ToolErrorPrefix)
}

func TestCalculatorOperatorPrecedence(t *testing.T) {
	cases := map[string]float64{
		"2+3*4":       14,
		"(2+3)*4":     20,
		"10-4/2":      8,
		"1.5*2":       3,
		"-3+5":        2,
		"2*(3+(4-1))": 12,
	}
	for expression, expected := range cases {
		result := runCalculator(t, map[string]interface{}{"expression": expression}, "")
		require.True(t, result.OK, "expression %q: %s", expression, result.Error)
		assert.Equal(t, expected, result.Output["result"], "expression %q", expression)
	}
}

func TestCalculatorRejectsGarbage(t *testing.T) {
	result := runCalculator(t, map[string]interface{}{"expression": "2+abc"}, "")
	assert.False(t, result.OK)
}
