package style

import (
	"strings"
)

var comparisonOps = map[string]compareOp{
	"PropertyIsEqualTo":              opEqual,
	"PropertyIsNotEqualTo":           opNotEqual,
	"PropertyIsLessThan":             opLess,
	"PropertyIsLessThanOrEqualTo":    opLessEqual,
	"PropertyIsGreaterThan":          opGreater,
	"PropertyIsGreaterThanOrEqualTo": opGreaterEqual,
}

// filterRoot parses an ogc:Filter element, which holds exactly one operator.
func (p *parser) filterRoot(n *node, path string) (Filter, error) {
	if len(n.Nodes) != 1 {
		return nil, parseErrorf(path, "filter must contain exactly one operator, found %d", len(n.Nodes))
	}
	return p.filter(&n.Nodes[0], path)
}

func (p *parser) filter(n *node, path string) (Filter, error) {
	name := n.name()
	path = path + "/" + name

	if op, ok := comparisonOps[name]; ok {
		operands, err := p.operands(n, path)
		if err != nil {
			return nil, err
		}
		if len(operands) != 2 {
			return nil, parseErrorf(path, "comparison needs two operands, found %d", len(operands))
		}
		return &compareFilter{op: op, left: operands[0], right: operands[1], matchCase: matchCase(n)}, nil
	}

	switch name {
	case "And", "Or":
		if len(n.Nodes) < 2 {
			return nil, parseErrorf(path, "%s needs at least two operands", name)
		}
		var operands []Filter
		for i := range n.Nodes {
			f, err := p.filter(&n.Nodes[i], path)
			if err != nil {
				return nil, err
			}
			operands = append(operands, f)
		}
		if name == "And" {
			return &andFilter{operands: operands}, nil
		}
		return &orFilter{operands: operands}, nil

	case "Not":
		if len(n.Nodes) != 1 {
			return nil, parseErrorf(path, "Not needs exactly one operand")
		}
		f, err := p.filter(&n.Nodes[0], path)
		if err != nil {
			return nil, err
		}
		return &notFilter{operand: f}, nil

	case "PropertyIsBetween":
		subject, err := p.subject(n, path)
		if err != nil {
			return nil, err
		}
		lower, err := p.boundary(n, "LowerBoundary", path)
		if err != nil {
			return nil, err
		}
		upper, err := p.boundary(n, "UpperBoundary", path)
		if err != nil {
			return nil, err
		}
		return &betweenFilter{subject: subject, lower: lower, upper: upper}, nil

	case "PropertyIsLike":
		subject, err := p.subject(n, path)
		if err != nil {
			return nil, err
		}
		lit := n.child("Literal")
		if lit == nil {
			return nil, parseErrorf(path, "PropertyIsLike without Literal")
		}
		wild := attrOr(n, "wildCard", "*")
		single := attrOr(n, "singleChar", ".")
		escape := attrOr(n, "escapeChar", attrOr(n, "escape", "!"))
		re, err := likePattern(lit.text(), wild, single, escape, matchCase(n))
		if err != nil {
			return nil, &ParseError{Path: path, Msg: "bad like pattern", Err: err}
		}
		return &likeFilter{subject: subject, pattern: lit.text(), re: re}, nil

	case "PropertyIsNull":
		subject, err := p.subject(n, path)
		if err != nil {
			return nil, err
		}
		return &nullFilter{subject: subject}, nil
	}

	return nil, parseErrorf(path, "unsupported filter operator %s", name)
}

// operands parses the expression children of a comparison.
func (p *parser) operands(n *node, path string) ([]expr, error) {
	var out []expr
	for i := range n.Nodes {
		e, err := p.expr(&n.Nodes[i], path)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *parser) expr(n *node, path string) (expr, error) {
	switch n.name() {
	case "PropertyName", "ValueReference":
		name := n.text()
		if name == "" {
			return nil, parseErrorf(path, "empty property name")
		}
		if err := p.checkProperty(path, name); err != nil {
			return nil, err
		}
		return propertyExpr{name: name}, nil
	case "Literal":
		return literalExpr{text: n.text()}, nil
	default:
		return nil, parseErrorf(path, "unsupported expression %s", n.name())
	}
}

func (p *parser) subject(n *node, path string) (expr, error) {
	for i := range n.Nodes {
		c := &n.Nodes[i]
		if c.name() == "PropertyName" || c.name() == "ValueReference" {
			return p.expr(c, path)
		}
	}
	return nil, parseErrorf(path, "missing property name")
}

func (p *parser) boundary(n *node, name, path string) (expr, error) {
	b := n.child(name)
	if b == nil || len(b.Nodes) != 1 {
		return nil, parseErrorf(path, "%s must hold one expression", name)
	}
	return p.expr(&b.Nodes[0], path+"/"+name)
}

func matchCase(n *node) bool {
	v, ok := n.attr("matchCase")
	if !ok {
		return true
	}
	return !strings.EqualFold(v, "false") && v != "0"
}

func attrOr(n *node, name, def string) string {
	if v, ok := n.attr(name); ok && v != "" {
		return v
	}
	return def
}
