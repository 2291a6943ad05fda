package expr

import "strings"

// node is a parsed expression.
type node interface {
	position() int
}

type (
	literalNode struct {
		pos int
		val any
	}
	stateNode struct {
		pos int
	}
	funcNode struct {
		pos  int
		name string
	}
	listNode struct {
		pos   int
		elems []node
	}
	unaryNode struct {
		pos int
		op  string
		x   node
	}
	notNode struct {
		pos int
		x   node
	}
	binaryNode struct {
		pos  int
		op   string
		l, r node
	}
	logicalNode struct {
		pos  int
		op   string // "and" | "or"
		l, r node
	}
	compareNode struct {
		pos      int
		operands []node
		ops      []string
	}
	indexNode struct {
		pos   int
		x     node
		index node
	}
	attrNode struct {
		pos  int
		x    node
		name string
	}
	callNode struct {
		pos  int
		fn   node
		args []node
	}
)

func (n *literalNode) position() int { return n.pos }
func (n *stateNode) position() int   { return n.pos }
func (n *funcNode) position() int    { return n.pos }
func (n *listNode) position() int    { return n.pos }
func (n *unaryNode) position() int   { return n.pos }
func (n *notNode) position() int     { return n.pos }
func (n *binaryNode) position() int  { return n.pos }
func (n *logicalNode) position() int { return n.pos }
func (n *compareNode) position() int { return n.pos }
func (n *indexNode) position() int   { return n.pos }
func (n *attrNode) position() int    { return n.pos }
func (n *callNode) position() int    { return n.pos }

// stateName is the only variable in scope.
const stateName = "state"

// keywordLiterals maps literal keywords to their values.
var keywordLiterals = map[string]any{
	"True":  true,
	"False": false,
	"None":  nil,
	"true":  true,
	"false": false,
	"null":  nil,
}

var comparisonOps = map[string]bool{
	"<": true, ">": true, "<=": true, ">=": true, "==": true, "!=": true,
}

type parser struct {
	src  string
	toks []token
	pos  int
}

// parse turns a condition into a syntax tree, rejecting anything outside
// the allowed closure of names, attributes and calls.
func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	if p.peek().kind == tokEOF {
		return nil, newError(ErrConditionSyntax, src, 0, "empty condition")
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.unexpected(t)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(text string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == text
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokName && t.text == word
}

func (p *parser) expectOp(text string) error {
	t := p.peek()
	if t.kind != tokOp || t.text != text {
		if t.kind == tokEOF {
			return newError(ErrConditionSyntax, p.src, t.pos, "expected %q, found end of condition", text)
		}
		return newError(ErrConditionSyntax, p.src, t.pos, "expected %q, found %s", text, describe(t))
	}
	p.next()
	return nil
}

func (p *parser) unexpected(t token) error {
	if t.kind == tokEOF {
		return newError(ErrConditionSyntax, p.src, t.pos, "unexpected end of condition")
	}
	// A bare name where an operator belongs is most often a statement
	// keyword such as "import" or "lambda"; report it as unsafe.
	if t.kind == tokName && !isOperatorKeyword(t.text) {
		if _, ok := keywordLiterals[t.text]; !ok && t.text != stateName && !isAllowedFunction(t.text) {
			return newError(ErrUnsafeExpression, p.src, t.pos, "name %q is not allowed", t.text)
		}
	}
	return newError(ErrConditionSyntax, p.src, t.pos, "unexpected %s", describe(t))
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		t := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{pos: t.pos, op: "or", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		t := p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{pos: t.pos, op: "and", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isKeyword("not") {
		t := p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{pos: t.pos, x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	first, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	cmp := &compareNode{pos: first.position(), operands: []node{first}}
	for {
		t := p.peek()
		if t.kind != tokOp || !comparisonOps[t.text] {
			break
		}
		p.next()
		operand, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		cmp.ops = append(cmp.ops, t.text)
		cmp.operands = append(cmp.operands, operand)
	}
	if len(cmp.ops) == 0 {
		return first, nil
	}
	return cmp, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") {
		t := p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: t.pos, op: t.text, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") {
		t := p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: t.pos, op: t.text, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("-") || p.isOp("+") {
		t := p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{pos: t.pos, op: t.text, x: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isOp("["):
			t := p.next()
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			x = &indexNode{pos: t.pos, x: x, index: idx}

		case p.isOp("."):
			p.next()
			t := p.next()
			if t.kind != tokName {
				return nil, newError(ErrConditionSyntax, p.src, t.pos, "expected attribute name, found %s", describe(t))
			}
			if strings.HasPrefix(t.text, "_") {
				return nil, newError(ErrUnsafeExpression, p.src, t.pos, "attribute %q is not allowed", t.text)
			}
			x = &attrNode{pos: t.pos, x: x, name: t.text}

		case p.isOp("("):
			t := p.next()
			if err := p.checkCallable(x, t.pos); err != nil {
				return nil, err
			}
			args, err := p.parseList(")")
			if err != nil {
				return nil, err
			}
			x = &callNode{pos: t.pos, fn: x, args: args}

		default:
			return x, nil
		}
	}
}

// checkCallable allows calls to allow-listed functions and the map method
// get; every other call target is outside the closure.
func (p *parser) checkCallable(fn node, pos int) error {
	switch f := fn.(type) {
	case *funcNode:
		return nil
	case *attrNode:
		if f.name == "get" {
			return nil
		}
		return newError(ErrUnsafeExpression, p.src, f.pos, "method %q is not allowed", f.name)
	default:
		return newError(ErrUnsafeExpression, p.src, pos, "expression is not callable")
	}
}

// parseList parses comma-separated expressions up to the closing operator.
// A trailing comma is accepted.
func (p *parser) parseList(closing string) ([]node, error) {
	var items []node
	for !p.isOp(closing) {
		item, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.isOp(",") {
			p.next()
			continue
		}
		break
	}
	if err := p.expectOp(closing); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &literalNode{pos: t.pos, val: t.num}, nil
	case tokString:
		return &literalNode{pos: t.pos, val: t.str}, nil
	case tokName:
		if v, ok := keywordLiterals[t.text]; ok {
			return &literalNode{pos: t.pos, val: v}, nil
		}
		if t.text == stateName {
			return &stateNode{pos: t.pos}, nil
		}
		if isAllowedFunction(t.text) {
			return &funcNode{pos: t.pos, name: t.text}, nil
		}
		if isOperatorKeyword(t.text) {
			return nil, newError(ErrConditionSyntax, p.src, t.pos, "unexpected keyword %q", t.text)
		}
		return nil, newError(ErrUnsafeExpression, p.src, t.pos, "name %q is not allowed", t.text)
	case tokOp:
		switch t.text {
		case "(":
			x, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return x, nil
		case "[":
			elems, err := p.parseList("]")
			if err != nil {
				return nil, err
			}
			return &listNode{pos: t.pos, elems: elems}, nil
		}
	}
	return nil, p.unexpectedAt(t)
}

func (p *parser) unexpectedAt(t token) error {
	if t.kind == tokEOF {
		return newError(ErrConditionSyntax, p.src, t.pos, "unexpected end of condition")
	}
	return newError(ErrConditionSyntax, p.src, t.pos, "unexpected %s", describe(t))
}

func isOperatorKeyword(name string) bool {
	return name == "and" || name == "or" || name == "not"
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of condition"
	case tokNumber:
		return "number " + t.text
	case tokString:
		return "string"
	case tokName:
		return "name " + t.text
	default:
		return "'" + t.text + "'"
	}
}
