package style

import (
	"fmt"
	"regexp"
	"strings"

	"wmstiles/internal/feature"
)

// Filter is a boolean predicate over feature attributes.
type Filter interface {
	Eval(f feature.Feature) bool
	// String is the canonical form used for fingerprints.
	String() string
}

// expr is a filter operand.
type expr interface {
	value(f feature.Feature) (feature.Value, bool)
	String() string
}

type propertyExpr struct{ name string }

func (p propertyExpr) value(f feature.Feature) (feature.Value, bool) {
	v, ok := f.Attr(p.name)
	if !ok || v.IsNull() {
		return feature.Null(), false
	}
	return v, true
}

func (p propertyExpr) String() string { return "prop(" + p.name + ")" }

type literalExpr struct{ text string }

func (l literalExpr) value(feature.Feature) (feature.Value, bool) {
	return feature.String(l.text), true
}

func (l literalExpr) String() string { return fmt.Sprintf("lit(%q)", l.text) }

type compareOp string

const (
	opEqual        compareOp = "eq"
	opNotEqual     compareOp = "ne"
	opLess         compareOp = "lt"
	opLessEqual    compareOp = "le"
	opGreater      compareOp = "gt"
	opGreaterEqual compareOp = "ge"
)

// compareFilter compares two operands numerically when both are numbers and
// as strings otherwise. A missing attribute never matches.
type compareFilter struct {
	op          compareOp
	left, right expr
	matchCase   bool
}

func (c *compareFilter) Eval(f feature.Feature) bool {
	a, ok := c.left.value(f)
	if !ok {
		return false
	}
	b, ok := c.right.value(f)
	if !ok {
		return false
	}
	return c.op.holds(compareValues(a, b, c.matchCase))
}

func (c *compareFilter) String() string {
	return fmt.Sprintf("%s(%s,%s,%t)", c.op, c.left, c.right, c.matchCase)
}

func (op compareOp) holds(cmp int) bool {
	switch op {
	case opEqual:
		return cmp == 0
	case opNotEqual:
		return cmp != 0
	case opLess:
		return cmp < 0
	case opLessEqual:
		return cmp <= 0
	case opGreater:
		return cmp > 0
	case opGreaterEqual:
		return cmp >= 0
	}
	return false
}

func compareValues(a, b feature.Value, matchCase bool) int {
	if x, ok := a.Float(); ok {
		if y, ok := b.Float(); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	}
	s, t := a.String(), b.String()
	if !matchCase {
		s, t = strings.ToLower(s), strings.ToLower(t)
	}
	return strings.Compare(s, t)
}

type betweenFilter struct {
	subject      expr
	lower, upper expr
}

func (b *betweenFilter) Eval(f feature.Feature) bool {
	v, ok := b.subject.value(f)
	if !ok {
		return false
	}
	lo, ok := b.lower.value(f)
	if !ok {
		return false
	}
	hi, ok := b.upper.value(f)
	if !ok {
		return false
	}
	return compareValues(v, lo, true) >= 0 && compareValues(v, hi, true) <= 0
}

func (b *betweenFilter) String() string {
	return fmt.Sprintf("between(%s,%s,%s)", b.subject, b.lower, b.upper)
}

type likeFilter struct {
	subject expr
	pattern string
	re      *regexp.Regexp
}

func (l *likeFilter) Eval(f feature.Feature) bool {
	v, ok := l.subject.value(f)
	if !ok {
		return false
	}
	return l.re.MatchString(v.String())
}

func (l *likeFilter) String() string {
	return fmt.Sprintf("like(%s,%q)", l.subject, l.re.String())
}

// likePattern converts an OGC Like pattern into an anchored regular expression.
func likePattern(pattern, wildCard, singleChar, escape string, matchCase bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if !matchCase {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := string(runes[i])
		switch {
		case escape != "" && r == escape:
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("pattern %q ends with escape character", pattern)
			}
			i++
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		case r == wildCard:
			b.WriteString(".*")
		case r == singleChar:
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(r))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

type nullFilter struct{ subject expr }

func (n *nullFilter) Eval(f feature.Feature) bool {
	_, ok := n.subject.value(f)
	return !ok
}

func (n *nullFilter) String() string { return fmt.Sprintf("null(%s)", n.subject) }

type andFilter struct{ operands []Filter }

func (a *andFilter) Eval(f feature.Feature) bool {
	for _, op := range a.operands {
		if !op.Eval(f) {
			return false
		}
	}
	return true
}

func (a *andFilter) String() string { return "and(" + joinFilters(a.operands) + ")" }

type orFilter struct{ operands []Filter }

func (o *orFilter) Eval(f feature.Feature) bool {
	for _, op := range o.operands {
		if op.Eval(f) {
			return true
		}
	}
	return false
}

func (o *orFilter) String() string { return "or(" + joinFilters(o.operands) + ")" }

type notFilter struct{ operand Filter }

func (n *notFilter) Eval(f feature.Feature) bool { return !n.operand.Eval(f) }
func (n *notFilter) String() string              { return "not(" + n.operand.String() + ")" }

func joinFilters(fs []Filter) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}
