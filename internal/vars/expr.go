package vars

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrExpression is wrapped by every expression evaluation failure.
var ErrExpression = errors.New("expression error")

// Truth reports whether s is true in a dialplan condition: non-empty and,
// when numeric, non-zero.
func Truth(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if f, ok := toNumber(s); ok {
		return f != 0
	}
	return true
}

// Eval evaluates a $[...] expression body. Operators, lowest precedence
// first: "a ? b :: c", "|", "&", comparisons (= == != < > <= >=), "+ -",
// "* / %", unary "! -", regex match "a : re" (anchored) and "a =~ re".
func Eval(expr string) (string, error) {
	toks, err := lex(expr)
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return "", nil
	}
	p := &parser{toks: toks}
	v, err := p.ternary()
	if err != nil {
		return "", err
	}
	if p.pos != len(p.toks) {
		return "", fmt.Errorf("%w: unexpected %q", ErrExpression, p.toks[p.pos].text)
	}
	return v, nil
}

type token struct {
	text string
	op   bool
}

var twoCharOps = []string{"!=", "<=", ">=", "==", "=~", "::"}

const opChars = "|&=<>+-*/%!?:()"

func lex(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated string", ErrExpression)
			}
			toks = append(toks, token{text: s[i+1 : i+1+end]})
			i += end + 2
		case strings.IndexByte(opChars, c) >= 0:
			if i+1 < len(s) {
				two := s[i : i+2]
				matched := false
				for _, op := range twoCharOps {
					if two == op {
						toks = append(toks, token{text: op, op: true})
						i += 2
						matched = true
						break
					}
				}
				if matched {
					continue
				}
			}
			toks = append(toks, token{text: string(c), op: true})
			i++
		default:
			start := i
			for i < len(s) && strings.IndexByte(opChars, s[i]) < 0 && s[i] != ' ' && s[i] != '\t' && s[i] != '"' {
				i++
			}
			toks = append(toks, token{text: s[start:i]})
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peekOp(ops ...string) (string, bool) {
	if p.pos >= len(p.toks) || !p.toks[p.pos].op {
		return "", false
	}
	for _, op := range ops {
		if p.toks[p.pos].text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) ternary() (string, error) {
	cond, err := p.or()
	if err != nil {
		return "", err
	}
	if _, ok := p.peekOp("?"); !ok {
		return cond, nil
	}
	p.pos++
	a, err := p.ternary()
	if err != nil {
		return "", err
	}
	if _, ok := p.peekOp("::"); !ok {
		return "", fmt.Errorf("%w: missing '::' in conditional", ErrExpression)
	}
	p.pos++
	b, err := p.ternary()
	if err != nil {
		return "", err
	}
	if Truth(cond) {
		return a, nil
	}
	return b, nil
}

func (p *parser) or() (string, error) {
	left, err := p.and()
	if err != nil {
		return "", err
	}
	for {
		if _, ok := p.peekOp("|"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.and()
		if err != nil {
			return "", err
		}
		if !Truth(left) {
			left = right
		}
	}
}

func (p *parser) and() (string, error) {
	left, err := p.compare()
	if err != nil {
		return "", err
	}
	for {
		if _, ok := p.peekOp("&"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.compare()
		if err != nil {
			return "", err
		}
		if !Truth(left) || !Truth(right) {
			left = "0"
		}
	}
}

func (p *parser) compare() (string, error) {
	left, err := p.additive()
	if err != nil {
		return "", err
	}
	for {
		op, ok := p.peekOp("=", "==", "!=", "<", ">", "<=", ">=")
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.additive()
		if err != nil {
			return "", err
		}
		left = boolString(compareValues(left, right, op))
	}
}

func compareValues(a, b, op string) bool {
	var c int
	fa, aok := toNumber(a)
	fb, bok := toNumber(b)
	if aok && bok {
		switch {
		case fa < fb:
			c = -1
		case fa > fb:
			c = 1
		}
	} else {
		c = strings.Compare(a, b)
	}
	switch op {
	case "=", "==":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	default:
		return c >= 0
	}
}

func (p *parser) additive() (string, error) {
	left, err := p.multiplicative()
	if err != nil {
		return "", err
	}
	for {
		op, ok := p.peekOp("+", "-")
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.multiplicative()
		if err != nil {
			return "", err
		}
		if left, err = arith(left, right, op); err != nil {
			return "", err
		}
	}
}

func (p *parser) multiplicative() (string, error) {
	left, err := p.unary()
	if err != nil {
		return "", err
	}
	for {
		op, ok := p.peekOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.unary()
		if err != nil {
			return "", err
		}
		if left, err = arith(left, right, op); err != nil {
			return "", err
		}
	}
}

func arith(a, b, op string) (string, error) {
	fa, aok := toNumber(a)
	fb, bok := toNumber(b)
	if !aok || !bok {
		return "", fmt.Errorf("%w: non-numeric argument to %q", ErrExpression, op)
	}
	var r float64
	switch op {
	case "+":
		r = fa + fb
	case "-":
		r = fa - fb
	case "*":
		r = fa * fb
	case "/":
		if fb == 0 {
			return "", fmt.Errorf("%w: division by zero", ErrExpression)
		}
		r = fa / fb
	case "%":
		ia, ib := int64(fa), int64(fb)
		if ib == 0 {
			return "", fmt.Errorf("%w: division by zero", ErrExpression)
		}
		r = float64(ia % ib)
	}
	return formatNumber(r), nil
}

func (p *parser) unary() (string, error) {
	op, ok := p.peekOp("!", "-")
	if !ok {
		return p.match()
	}
	p.pos++
	v, err := p.unary()
	if err != nil {
		return "", err
	}
	if op == "!" {
		return boolString(!Truth(v)), nil
	}
	f, ok := toNumber(v)
	if !ok {
		return "", fmt.Errorf("%w: non-numeric argument to unary '-'", ErrExpression)
	}
	return formatNumber(-f), nil
}

func (p *parser) match() (string, error) {
	left, err := p.primary()
	if err != nil {
		return "", err
	}
	for {
		op, ok := p.peekOp(":", "=~")
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.primary()
		if err != nil {
			return "", err
		}
		if left, err = regexMatch(left, right, op == ":"); err != nil {
			return "", err
		}
	}
}

func regexMatch(s, pattern string, anchored bool) (string, error) {
	if anchored {
		pattern = "^(?:" + pattern + ")"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExpression, err)
	}
	m := re.FindStringSubmatchIndex(s)
	if re.NumSubexp() > 0 {
		if m == nil || m[2] < 0 {
			return "", nil
		}
		return s[m[2]:m[3]], nil
	}
	if m == nil {
		return "0", nil
	}
	return strconv.Itoa(m[1] - m[0]), nil
}

func (p *parser) primary() (string, error) {
	if p.pos >= len(p.toks) {
		return "", fmt.Errorf("%w: unexpected end of expression", ErrExpression)
	}
	t := p.toks[p.pos]
	if t.op {
		if t.text != "(" {
			return "", fmt.Errorf("%w: unexpected %q", ErrExpression, t.text)
		}
		p.pos++
		v, err := p.ternary()
		if err != nil {
			return "", err
		}
		if _, ok := p.peekOp(")"); !ok {
			return "", fmt.Errorf("%w: missing ')'", ErrExpression)
		}
		p.pos++
		return v, nil
	}
	p.pos++
	return t.text, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// toNumber parses a decimal number with optional sign and fraction.
func toNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	digits, dot := 0, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' && !dot:
			dot = true
		case (c == '-' || c == '+') && i == 0:
		default:
			return 0, false
		}
	}
	if digits == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
