package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Condition is a parsed step condition: a restricted boolean expression over
// the run context. Supported: and/or/not, the six comparisons, and
// membership (in / not in). Operands are literals, list literals, and
// dotted paths into the context. No calls, no arithmetic.
type Condition struct {
	root node
	src  string
}

// ParseCondition compiles an expression. Parse errors are reported at
// definition validation time, not mid-run.
func ParseCondition(src string) (*Condition, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q", p.toks[p.pos].text)
	}
	return &Condition{root: root, src: src}, nil
}

// Eval evaluates the condition against the run context. Missing paths
// evaluate to nil, which is falsy and compares unequal to everything.
func (c *Condition) Eval(ctx map[string]any) bool {
	return truthy(c.root.eval(ctx))
}

func (c *Condition) String() string { return c.src }

// ============================================================================
// Lexer
// ============================================================================

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp    // == != < <= > >=
	tokPunct // ( ) [ ] ,
)

type token struct {
	kind tokKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n':
			i++
		case ch == '(' || ch == ')' || ch == '[' || ch == ']' || ch == ',':
			toks = append(toks, token{tokPunct, string(ch)})
			i++
		case ch == '\'' || ch == '"':
			quote := ch
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j == len(src) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{tokString, src[i+1 : j]})
			i = j + 1
		case strings.ContainsRune("=!<>", rune(ch)):
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, src[i : i+2]})
				i += 2
			} else if ch == '<' || ch == '>' {
				toks = append(toks, token{tokOp, string(ch)})
				i++
			} else {
				return nil, fmt.Errorf("unexpected %q", string(ch))
			}
		case unicode.IsDigit(rune(ch)) || (ch == '-' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(ch):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected %q", string(ch))
		}
	}
	return toks, nil
}

func isIdentStart(ch byte) bool {
	return ch == '_' || unicode.IsLetter(rune(ch))
}

func isIdentPart(ch byte) bool {
	return ch == '_' || ch == '.' || unicode.IsLetter(rune(ch)) || unicode.IsDigit(rune(ch))
}

// ============================================================================
// Parser
// ============================================================================

type node interface {
	eval(ctx map[string]any) any
}

type condParser struct {
	toks []token
	pos  int
}

func (p *condParser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *condParser) accept(kind tokKind, text string) bool {
	if t, ok := p.peek(); ok && t.kind == kind && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokIdent, "or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept(tokIdent, "and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseNot() (node, error) {
	if p.accept(tokIdent, "not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner}, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if t, ok := p.peek(); ok {
		switch {
		case t.kind == tokOp:
			p.pos++
			right, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			return &binNode{op: t.text, left: left, right: right}, nil
		case t.kind == tokIdent && t.text == "in":
			p.pos++
			right, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			return &binNode{op: "in", left: left, right: right}, nil
		case t.kind == tokIdent && t.text == "not":
			// "x not in y"
			if p.pos+1 < len(p.toks) && p.toks[p.pos+1].kind == tokIdent && p.toks[p.pos+1].text == "in" {
				p.pos += 2
				right, err := p.parseOperand()
				if err != nil {
					return nil, err
				}
				return &notNode{&binNode{op: "in", left: left, right: right}}, nil
			}
		}
	}
	return left, nil
}

func (p *condParser) parseOperand() (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch {
	case t.kind == tokPunct && t.text == "(":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(tokPunct, ")") {
			return nil, fmt.Errorf("missing )")
		}
		return inner, nil
	case t.kind == tokPunct && t.text == "[":
		p.pos++
		var items []node
		for {
			if p.accept(tokPunct, "]") {
				break
			}
			item, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if p.accept(tokPunct, ",") {
				continue
			}
			if !p.accept(tokPunct, "]") {
				return nil, fmt.Errorf("missing ]")
			}
			break
		}
		return &listNode{items}, nil
	case t.kind == tokNumber:
		p.pos++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return &litNode{f}, nil
	case t.kind == tokString:
		p.pos++
		return &litNode{t.text}, nil
	case t.kind == tokIdent:
		p.pos++
		switch t.text {
		case "true", "True":
			return &litNode{true}, nil
		case "false", "False":
			return &litNode{false}, nil
		case "null", "none", "None":
			return &litNode{nil}, nil
		case "and", "or", "not", "in":
			return nil, fmt.Errorf("unexpected keyword %q", t.text)
		}
		return &pathNode{path: strings.Split(t.text, ".")}, nil
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}

// ============================================================================
// Evaluation
// ============================================================================

type litNode struct{ v any }

func (n *litNode) eval(map[string]any) any { return n.v }

type listNode struct{ items []node }

func (n *listNode) eval(ctx map[string]any) any {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		out[i] = item.eval(ctx)
	}
	return out
}

type pathNode struct{ path []string }

func (n *pathNode) eval(ctx map[string]any) any {
	var cur any = ctx
	for _, seg := range n.path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

type notNode struct{ inner node }

func (n *notNode) eval(ctx map[string]any) any { return !truthy(n.inner.eval(ctx)) }

type binNode struct {
	op          string
	left, right node
}

func (n *binNode) eval(ctx map[string]any) any {
	switch n.op {
	case "and":
		if !truthy(n.left.eval(ctx)) {
			return false
		}
		return truthy(n.right.eval(ctx))
	case "or":
		if truthy(n.left.eval(ctx)) {
			return true
		}
		return truthy(n.right.eval(ctx))
	}

	l, r := n.left.eval(ctx), n.right.eval(ctx)
	switch n.op {
	case "==":
		return looseEqual(l, r)
	case "!=":
		return !looseEqual(l, r)
	case "<", "<=", ">", ">=":
		lf, lok := toNumber(l)
		rf, rok := toNumber(r)
		if lok && rok {
			switch n.op {
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			}
		}
		ls, lok2 := l.(string)
		rs, rok2 := r.(string)
		if lok2 && rok2 {
			switch n.op {
			case "<":
				return ls < rs
			case "<=":
				return ls <= rs
			case ">":
				return ls > rs
			case ">=":
				return ls >= rs
			}
		}
		return false
	case "in":
		return contains(r, l)
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func looseEqual(l, r any) bool {
	if lf, ok := toNumber(l); ok {
		if rf, ok2 := toNumber(r); ok2 {
			return lf == rf
		}
	}
	if l == nil || r == nil {
		return l == r
	}
	// Paths can resolve to step-result objects; == on those would panic.
	if !reflect.TypeOf(l).Comparable() || !reflect.TypeOf(r).Comparable() {
		return reflect.DeepEqual(l, r)
	}
	return l == r
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func contains(container, item any) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case []any:
		for _, v := range c {
			if looseEqual(v, item) {
				return true
			}
		}
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false
		}
		_, present := c[s]
		return present
	}
	return false
}
