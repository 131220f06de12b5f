package segmentation

import (
	"strings"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// Evaluate reports whether customer c belongs to the audience described by t.
// It is pure: the same inputs always give the same answer. A missing or
// uncoercible attribute makes its leaf false.
func Evaluate(c domain.Customer, t *Tree) bool {
	if t == nil || t.Root == nil {
		return false
	}
	return evalNode(c, t.Root)
}

func evalNode(c domain.Customer, n Node) bool {
	switch n := n.(type) {
	case *Leaf:
		return evalLeaf(c, n)
	case *Group:
		return evalGroup(c, n)
	}
	return false
}

func evalGroup(c domain.Customer, g *Group) bool {
	switch g.Combinator {
	case CombinatorAnd:
		for _, child := range g.Rules {
			if !evalNode(c, child) {
				return false
			}
		}
		return true
	case CombinatorOr:
		for _, child := range g.Rules {
			if evalNode(c, child) {
				return true
			}
		}
		return false
	case CombinatorNot:
		return !evalNode(c, g.Rules[0])
	}
	return false
}

func evalLeaf(c domain.Customer, l *Leaf) bool {
	raw, ok := c.Attr(l.Field)
	if !ok {
		return false
	}
	actual, ok := coerce(raw, l.FieldType)
	if !ok {
		return false
	}

	switch l.Operator {
	case OpEquals:
		cmp, ok := compareTyped(l.FieldType, actual, l.Scalar)
		return ok && cmp == 0
	case OpNotEquals:
		cmp, ok := compareTyped(l.FieldType, actual, l.Scalar)
		return ok && cmp != 0
	case OpGreaterThan:
		cmp, ok := compareTyped(l.FieldType, actual, l.Scalar)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := compareTyped(l.FieldType, actual, l.Scalar)
		return ok && cmp < 0
	case OpBetween:
		lo, ok1 := compareTyped(l.FieldType, actual, l.Range[0])
		hi, ok2 := compareTyped(l.FieldType, actual, l.Range[1])
		return ok1 && ok2 && lo >= 0 && hi <= 0
	case OpIn:
		for _, want := range l.List {
			if cmp, ok := compareTyped(l.FieldType, actual, want); ok && cmp == 0 {
				return true
			}
		}
		return false
	case OpContains:
		needle, _ := l.Scalar.(string)
		return contains(l.FieldType, actual, needle)
	}
	return false
}

// contains is a case-insensitive substring test on strings and a
// case-insensitive membership test on lists.
func contains(ft FieldType, actual any, needle string) bool {
	switch ft {
	case FieldString:
		s, _ := actual.(string)
		return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
	case FieldList:
		items, _ := actual.([]any)
		for _, item := range items {
			if s, ok := toText(item); ok && strings.EqualFold(s, needle) {
				return true
			}
		}
	}
	return false
}
