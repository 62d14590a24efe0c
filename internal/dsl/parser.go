package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Compile parses a condition string into an evaluable tree.
// The grammar is whitespace-insensitive and keywords are case-insensitive:
//
//	expr    := comp | and | or | not
//	and     := "AND(" expr ("," expr)+ ")"
//	or      := "OR("  expr ("," expr)+ ")"
//	not     := "NOT(" expr ")"
//	comp    := operand (op number | cross number)
//	operand := "price(" asset ")" | ident "(" [arg ","]* asset ")"
//	op      := ">" | ">=" | "<" | "<=" | "==" | "!="
//	cross   := "crosses_above" | "crosses_below"
func Compile(src string) (*Condition, error) {
	p := &parser{input: src}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("unexpected trailing input at offset %d: %q", p.pos, p.rest())
	}
	return &Condition{root: root, source: src}, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) rest() string {
	r := p.input[p.pos:]
	if len(r) > 20 {
		r = r[:20] + "..."
	}
	return r
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

// peekKeyword reports whether the case-insensitive keyword followed by '('
// is next, without consuming it.
func (p *parser) peekKeyword(kw string) bool {
	p.skipSpace()
	end := p.pos + len(kw)
	if end > len(p.input) {
		return false
	}
	if !strings.EqualFold(p.input[p.pos:end], kw) {
		return false
	}
	// Must be immediately followed by '(' (whitespace allowed).
	i := end
	for i < len(p.input) && unicode.IsSpace(rune(p.input[i])) {
		i++
	}
	return i < len(p.input) && p.input[i] == '('
}

func (p *parser) expect(ch byte) error {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != ch {
		return fmt.Errorf("expected %q at offset %d, got %q", string(ch), p.pos, p.rest())
	}
	p.pos++
	return nil
}

func (p *parser) consumeKeyword(kw string) {
	p.skipSpace()
	p.pos += len(kw)
}

func (p *parser) parseExpr() (node, error) {
	switch {
	case p.peekKeyword("AND"):
		return p.parseVariadic("AND", true)
	case p.peekKeyword("OR"):
		return p.parseVariadic("OR", false)
	case p.peekKeyword("NOT"):
		return p.parseNot()
	default:
		return p.parseComp()
	}
}

func (p *parser) parseVariadic(kw string, isAnd bool) (node, error) {
	p.consumeKeyword(kw)
	if err := p.expect('('); err != nil {
		return nil, err
	}

	var children []node
	for {
		child, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		children = append(children, child)

		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == ',' {
			p.pos++
			continue
		}
		break
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	if len(children) < 2 {
		return nil, fmt.Errorf("%s requires at least two operands", kw)
	}

	if isAnd {
		return &andNode{children: children}, nil
	}
	return &orNode{children: children}, nil
}

func (p *parser) parseNot() (node, error) {
	p.consumeKeyword("NOT")
	if err := p.expect('('); err != nil {
		return nil, err
	}
	child, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return &notNode{child: child}, nil
}

func (p *parser) parseComp() (node, error) {
	lhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if kw, ok := p.tryCrossKeyword(); ok {
		rhs, err := p.parseNumber()
		if err != nil {
			return nil, err
		}
		return &crossNode{lhs: lhs, above: kw == "crosses_above", rhs: rhs}, nil
	}

	op, err := p.parseOp()
	if err != nil {
		return nil, err
	}
	rhs, err := p.parseNumber()
	if err != nil {
		return nil, err
	}
	return &compareNode{lhs: lhs, op: op, rhs: rhs}, nil
}

func (p *parser) tryCrossKeyword() (string, bool) {
	for _, kw := range []string{"crosses_above", "crosses_below"} {
		end := p.pos + len(kw)
		if end <= len(p.input) && strings.EqualFold(p.input[p.pos:end], kw) {
			p.pos = end
			return kw, true
		}
	}
	return "", false
}

func (p *parser) parseOp() (compareOp, error) {
	p.skipSpace()
	two := ""
	if p.pos+2 <= len(p.input) {
		two = p.input[p.pos : p.pos+2]
	}
	switch two {
	case ">=":
		p.pos += 2
		return opGE, nil
	case "<=":
		p.pos += 2
		return opLE, nil
	case "==":
		p.pos += 2
		return opEQ, nil
	case "!=":
		p.pos += 2
		return opNE, nil
	}
	if p.pos < len(p.input) {
		switch p.input[p.pos] {
		case '>':
			p.pos++
			return opGT, nil
		case '<':
			p.pos++
			return opLT, nil
		}
	}
	return 0, fmt.Errorf("expected comparison operator at offset %d, got %q", p.pos, p.rest())
}

func (p *parser) parseOperand() (operand, error) {
	name, err := p.parseIdent()
	if err != nil {
		return operand{}, err
	}
	if err := p.expect('('); err != nil {
		return operand{}, err
	}

	var args []string
	for {
		arg, err := p.parseArg()
		if err != nil {
			return operand{}, err
		}
		args = append(args, arg)

		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == ',' {
			p.pos++
			continue
		}
		break
	}
	if err := p.expect(')'); err != nil {
		return operand{}, err
	}

	// The final argument is always the asset; leading args become part of
	// the canonical indicator key.
	asset := args[len(args)-1]
	leading := args[:len(args)-1]

	if strings.EqualFold(name, "price") {
		if len(leading) != 0 {
			return operand{}, fmt.Errorf("price() takes only an asset, got %d extra args", len(leading))
		}
		return operand{asset: asset}, nil
	}
	return operand{asset: asset, indicatorKey: canonicalKey(name, leading)}, nil
}

func (p *parser) parseIdent() (string, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return "", fmt.Errorf("expected identifier at offset %d, got %q", p.pos, p.rest())
	}
	return p.input[start:p.pos], nil
}

// parseArg reads an operand argument: a period, parameter, or asset symbol.
// '/' is allowed so asset pairs like BTC/USD parse as one token.
func (p *parser) parseArg() (string, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '/' || c == '-' || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return "", fmt.Errorf("expected argument at offset %d, got %q", p.pos, p.rest())
	}
	return strings.TrimSpace(p.input[start:p.pos]), nil
}

func (p *parser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return 0, fmt.Errorf("expected number at offset %d, got %q", p.pos, p.rest())
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", p.input[start:p.pos], err)
	}
	return v, nil
}
