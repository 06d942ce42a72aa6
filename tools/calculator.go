package tools

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
)

var expressionRE = regexp.MustCompile(`(\d+(?:\.\d+)?(?:\s*[\+\-\*/]\s*\(?\d+(?:\.\d+)?\)?)+)`)

// CalculatorTool evaluates an arithmetic expression deterministically. When
// the plan omitted the expression, a conservative regex extracts plain
// arithmetic from the working query; anything fancier stays unsupported and
// fails with missing_expression.
type CalculatorTool struct{}

func (t *CalculatorTool) Name() string { return NameCalculator }

func (t *CalculatorTool) Run(ctx context.Context, payload map[string]interface{}, state StateView, rc RuntimeContext) agent.ToolResult {
	expression, _ := payload["expression"].(string)
	expression = strings.TrimSpace(expression)
	if expression == "" {
		expression = InferExpression(state.WorkingQuery)
	}
	if expression == "" {
		return agent.ToolResult{Tool: t.Name(), OK: false, Error: agent.CodeMissingExpression}
	}

	value, err := evalExpression(expression)
	if err != nil {
		return agent.ToolResult{
			Tool:  t.Name(),
			OK:    false,
			Error: agent.ToolErrorPrefix + err.Error(),
		}
	}
	return agent.ToolResult{
		Tool: t.Name(),
		OK:   true,
		Output: map[string]interface{}{
			"expression": expression,
			"result":     value,
		},
	}
}

// InferExpression extracts a plain arithmetic expression from free text.
func InferExpression(text string) string {
	return strings.TrimSpace(expressionRE.FindString(text))
}

// evalExpression is a small recursive-descent evaluator over + - * / and
// parentheses. Division by zero is an error, not an Inf.
func evalExpression(input string) (float64, error) {
	p := &exprParser{input: strings.ReplaceAll(input, " ", "")}
	value, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected character at %d", p.pos)
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseSum() (float64, error) {
	value, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for p.pos < len(p.input) {
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			break
		}
		p.pos++
		rhs, err := p.parseProduct()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			value += rhs
		} else {
			value -= rhs
		}
	}
	return value, nil
}

func (p *exprParser) parseProduct() (float64, error) {
	value, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for p.pos < len(p.input) {
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			break
		}
		p.pos++
		rhs, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			value *= rhs
		} else {
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			value /= rhs
		}
	}
	return value, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		p.pos++
		value, err := p.parseUnary()
		return -value, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	if p.pos < len(p.input) && p.input[p.pos] == '(' {
		p.pos++
		value, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at %d", start)
	}
	value, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return value, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
