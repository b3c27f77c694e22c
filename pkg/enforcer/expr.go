package enforcer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// The enforcement expression language is deliberately tiny: boolean
// combinators over equality, numeric comparison, string contains, and
// named field access. No function calls, no loops, no assignment. A rule
// like `not (response contains "refund") and urgency != "critical"`
// covers the intended space.

// EvalContext is the sandboxed namespace an expression reads from.
type EvalContext struct {
	// Response is the generated response text, bound to the name
	// "response".
	Response string
	// Variables bind by their snake_case names.
	Variables map[string]models.TypedValue
}

type valKind int

const (
	valString valKind = iota
	valNumber
	valBool
)

type value struct {
	kind valKind
	s    string
	n    float64
	b    bool
}

func (v value) truthy() bool {
	switch v.kind {
	case valBool:
		return v.b
	case valString:
		return v.s != ""
	default:
		return v.n != 0
	}
}

// Evaluate parses and evaluates an enforcement expression. The result is
// the expression's truth value; type mismatches and unknown names are
// errors, not false, so misconfigured rules surface loudly.
func Evaluate(expr string, ec EvalContext) (bool, error) {
	toks, err := lex(expr)
	if err != nil {
		return false, err
	}
	p := &parser{toks: toks, ec: ec}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("unexpected token %q", p.toks[p.pos].text)
	}
	return v.truthy(), nil
}

// ─── lexer ───

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, s[i+1 : j]})
			i = j + 1
		case strings.ContainsRune("=!<>&|", rune(c)):
			j := i + 1
			for j < len(s) && strings.ContainsRune("=!<>&|", rune(s[j])) {
				j++
			}
			op := s[i:j]
			switch op {
			case "==", "!=", "<", "<=", ">", ">=", "&&", "||", "!":
				toks = append(toks, token{tokOp, op})
			default:
				return nil, fmt.Errorf("unknown operator %q", op)
			}
			i = j
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i + 1
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_' || s[j] == '.') {
				j++
			}
			word := s[i:j]
			switch word {
			case "and", "or", "not", "contains":
				toks = append(toks, token{tokOp, word})
			case "true", "false":
				toks = append(toks, token{tokIdent, word})
			default:
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return toks, nil
}

// ─── parser / evaluator ───

type parser struct {
	toks []token
	pos  int
	ec   EvalContext
}

func (p *parser) peekOp(ops ...string) bool {
	if p.pos >= len(p.toks) || p.toks[p.pos].kind != tokOp {
		return false
	}
	for _, op := range ops {
		if p.toks[p.pos].text == op {
			return true
		}
	}
	return false
}

func (p *parser) parseOr() (value, error) {
	left, err := p.parseAnd()
	if err != nil {
		return value{}, err
	}
	for p.peekOp("or", "||") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return value{}, err
		}
		left = value{kind: valBool, b: left.truthy() || right.truthy()}
	}
	return left, nil
}

func (p *parser) parseAnd() (value, error) {
	left, err := p.parseNot()
	if err != nil {
		return value{}, err
	}
	for p.peekOp("and", "&&") {
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return value{}, err
		}
		left = value{kind: valBool, b: left.truthy() && right.truthy()}
	}
	return left, nil
}

func (p *parser) parseNot() (value, error) {
	if p.peekOp("not", "!") {
		p.pos++
		v, err := p.parseNot()
		if err != nil {
			return value{}, err
		}
		return value{kind: valBool, b: !v.truthy()}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (value, error) {
	left, err := p.parseTerm()
	if err != nil {
		return value{}, err
	}
	if !p.peekOp("==", "!=", "<", "<=", ">", ">=", "contains") {
		return left, nil
	}
	op := p.toks[p.pos].text
	p.pos++
	right, err := p.parseTerm()
	if err != nil {
		return value{}, err
	}
	return compare(op, left, right)
}

func compare(op string, left, right value) (value, error) {
	switch op {
	case "contains":
		if left.kind != valString || right.kind != valString {
			return value{}, fmt.Errorf("contains requires string operands")
		}
		return value{kind: valBool, b: strings.Contains(strings.ToLower(left.s), strings.ToLower(right.s))}, nil
	case "==", "!=":
		eq, err := equal(left, right)
		if err != nil {
			return value{}, err
		}
		if op == "!=" {
			eq = !eq
		}
		return value{kind: valBool, b: eq}, nil
	default: // numeric comparison
		if left.kind != valNumber || right.kind != valNumber {
			return value{}, fmt.Errorf("operator %s requires numeric operands", op)
		}
		var b bool
		switch op {
		case "<":
			b = left.n < right.n
		case "<=":
			b = left.n <= right.n
		case ">":
			b = left.n > right.n
		case ">=":
			b = left.n >= right.n
		}
		return value{kind: valBool, b: b}, nil
	}
}

func equal(left, right value) (bool, error) {
	if left.kind != right.kind {
		return false, fmt.Errorf("cannot compare %v with %v", left.kind, right.kind)
	}
	switch left.kind {
	case valString:
		return left.s == right.s, nil
	case valNumber:
		return left.n == right.n, nil
	default:
		return left.b == right.b, nil
	}
}

func (p *parser) parseTerm() (value, error) {
	if p.pos >= len(p.toks) {
		return value{}, fmt.Errorf("unexpected end of expression")
	}
	t := p.toks[p.pos]
	switch t.kind {
	case tokLParen:
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return value{}, err
		}
		if p.pos >= len(p.toks) || p.toks[p.pos].kind != tokRParen {
			return value{}, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case tokString:
		p.pos++
		return value{kind: valString, s: t.text}, nil
	case tokNumber:
		p.pos++
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return value{}, fmt.Errorf("bad number %q", t.text)
		}
		return value{kind: valNumber, n: n}, nil
	case tokIdent:
		p.pos++
		return p.resolve(t.text)
	default:
		return value{}, fmt.Errorf("unexpected token %q", t.text)
	}
}

// resolve looks up a name in the evaluation context.
func (p *parser) resolve(name string) (value, error) {
	switch name {
	case "true":
		return value{kind: valBool, b: true}, nil
	case "false":
		return value{kind: valBool, b: false}, nil
	case "response":
		return value{kind: valString, s: p.ec.Response}, nil
	}
	tv, ok := p.ec.Variables[name]
	if !ok {
		return value{}, fmt.Errorf("unknown name %q", name)
	}
	switch tv.Type {
	case models.ValueTypeInt:
		return value{kind: valNumber, n: float64(tv.Int)}, nil
	case models.ValueTypeFloat:
		return value{kind: valNumber, n: tv.Float}, nil
	case models.ValueTypeBool:
		return value{kind: valBool, b: tv.Bool}, nil
	default:
		return value{kind: valString, s: tv.Format()}, nil
	}
}
