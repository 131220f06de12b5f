package segmentation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Validator turns wire-format rule trees into validated Trees. It is
// immutable and safe for concurrent use.
type Validator struct {
	schema Schema
	limits Limits
}

// NewValidator creates a validator for the given field schema. A nil schema
// means DefaultSchema; zero limits take DefaultLimits values.
func NewValidator(schema Schema, limits Limits) *Validator {
	if schema == nil {
		schema = DefaultSchema()
	}
	def := DefaultLimits()
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = def.MaxDepth
	}
	if limits.MaxNodes <= 0 {
		limits.MaxNodes = def.MaxNodes
	}
	if limits.MaxListValues <= 0 {
		limits.MaxListValues = def.MaxListValues
	}
	return &Validator{schema: schema, limits: limits}
}

// Schema returns the field schema rules are validated against.
func (v *Validator) Schema() Schema {
	return v.schema
}

// Validate parses and validates a JSON rule tree. Unknown keys are rejected.
// The first problem in depth-first order is returned as a *ValidationError.
func (v *Validator) Validate(data []byte) (*Tree, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw RawRule
	if err := dec.Decode(&raw); err != nil {
		return nil, &ValidationError{Path: "$", Reason: "malformed rule JSON: " + err.Error()}
	}
	if dec.More() {
		return nil, &ValidationError{Path: "$", Reason: "unexpected data after rule tree"}
	}
	return v.ValidateRaw(raw)
}

// ValidateRaw validates an already-decoded rule tree.
func (v *Validator) ValidateRaw(raw RawRule) (*Tree, error) {
	w := &walker{v: v}
	root, err := w.node("$", raw, 1)
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root, Depth: w.maxDepth, Size: w.nodes}, nil
}

type walker struct {
	v        *Validator
	nodes    int
	maxDepth int
}

func (w *walker) node(path string, r RawRule, depth int) (Node, error) {
	if depth > w.v.limits.MaxDepth {
		return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("tree exceeds maximum depth of %d", w.v.limits.MaxDepth)}
	}
	w.nodes++
	if w.nodes > w.v.limits.MaxNodes {
		return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("tree exceeds maximum of %d nodes", w.v.limits.MaxNodes)}
	}
	if depth > w.maxDepth {
		w.maxDepth = depth
	}

	isGroup := r.Combinator != "" || r.Rules != nil
	isLeaf := r.Field != "" || r.Operator != "" || len(r.Value) > 0
	switch {
	case isGroup && isLeaf:
		return nil, &ValidationError{Path: path, Reason: "node mixes leaf keys (field/operator/value) with group keys (combinator/rules)"}
	case isGroup:
		return w.group(path, r, depth)
	default:
		return w.leaf(path, r)
	}
}

func (w *walker) group(path string, r RawRule, depth int) (Node, error) {
	switch r.Combinator {
	case CombinatorAnd, CombinatorOr:
		if len(r.Rules) == 0 {
			return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("%s group requires at least one rule", r.Combinator)}
		}
	case CombinatorNot:
		if len(r.Rules) != 1 {
			return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("NOT group requires exactly one rule, got %d", len(r.Rules))}
		}
	case "":
		return nil, &ValidationError{Path: path, Reason: "group requires a combinator"}
	default:
		return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("unknown combinator %q (want AND, OR or NOT)", r.Combinator)}
	}

	g := &Group{Combinator: r.Combinator, Rules: make([]Node, 0, len(r.Rules))}
	for i, child := range r.Rules {
		n, err := w.node(fmt.Sprintf("%s.rules[%d]", path, i), child, depth+1)
		if err != nil {
			return nil, err
		}
		g.Rules = append(g.Rules, n)
	}
	return g, nil
}

func (w *walker) leaf(path string, r RawRule) (Node, error) {
	fail := func(reason string) error {
		return &ValidationError{Path: path, Field: r.Field, Operator: r.Operator, Reason: reason}
	}

	if r.Field == "" {
		return nil, fail("field is required")
	}
	ft, ok := w.v.schema[r.Field]
	if !ok {
		return nil, fail("unknown field")
	}
	if r.Operator == "" {
		return nil, fail("operator is required")
	}
	meta := getOperatorMeta(r.Operator)
	if meta == nil {
		return nil, fail("unknown operator")
	}
	if !meta.applies(ft) {
		return nil, fail(fmt.Sprintf("operator is not supported for %s fields", ft))
	}
	if len(r.Value) == 0 || string(bytes.TrimSpace(r.Value)) == "null" {
		return nil, fail("value is required")
	}

	var decoded any
	if err := json.Unmarshal(r.Value, &decoded); err != nil {
		return nil, fail("value is not valid JSON")
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, r.Value); err != nil {
		return nil, fail("value is not valid JSON")
	}
	l := &Leaf{Field: r.Field, Operator: r.Operator, FieldType: ft, raw: compact.Bytes()}

	// contains on a list field compares against a single element
	elemType := ft
	if ft == FieldList {
		elemType = FieldString
	}

	switch meta.Shape {
	case ShapeScalar:
		if _, isList := decoded.([]any); isList {
			return nil, fail("expects a single value, got a list")
		}
		s, reason := literal(decoded, elemType)
		if reason != "" {
			return nil, fail(reason)
		}
		l.Scalar = s

	case ShapeRange:
		arr, ok := decoded.([]any)
		if !ok || len(arr) != 2 {
			return nil, fail("expects a two-element [low, high] range")
		}
		for i := range arr {
			b, reason := literal(arr[i], elemType)
			if reason != "" {
				return nil, fail(fmt.Sprintf("range bound %d: %s", i, reason))
			}
			l.Range[i] = b
		}
		if c, _ := compareTyped(elemType, l.Range[0], l.Range[1]); c > 0 {
			return nil, fail("range lower bound exceeds upper bound")
		}

	case ShapeList:
		arr, ok := decoded.([]any)
		if !ok || len(arr) == 0 {
			return nil, fail("expects a non-empty list of values")
		}
		if len(arr) > w.v.limits.MaxListValues {
			return nil, fail(fmt.Sprintf("list has %d values, maximum is %d", len(arr), w.v.limits.MaxListValues))
		}
		l.List = make([]any, 0, len(arr))
		for i := range arr {
			e, reason := literal(arr[i], elemType)
			if reason != "" {
				return nil, fail(fmt.Sprintf("list value %d: %s", i, reason))
			}
			l.List = append(l.List, e)
		}
	}
	return l, nil
}

// literal checks that a decoded JSON value is compatible with ft and returns
// its canonical form. A non-empty reason means rejection. Integer fields take
// only whole JSON numbers; decimal fields also take numeric strings.
func literal(v any, ft FieldType) (any, string) {
	switch ft {
	case FieldInteger:
		if _, isStr := v.(string); isStr {
			return nil, "expects a whole number"
		}
		if _, isBool := v.(bool); isBool {
			return nil, "expects a number"
		}
		n, ok := toNumber(v)
		if !ok {
			return nil, "expects a number"
		}
		if n != math.Trunc(n) {
			return nil, "expects a whole number"
		}
		return n, ""
	case FieldDecimal:
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return nil, "expects a number"
		}
		if _, isBool := v.(bool); isBool {
			return nil, "expects a number"
		}
		n, ok := toNumber(v)
		if !ok {
			return nil, "expects a number"
		}
		return n, ""
	case FieldTimestamp:
		s, ok := v.(string)
		if !ok {
			return nil, "expects an RFC 3339 timestamp string"
		}
		t, err := parseTimestamp(s)
		if err != nil {
			return nil, err.Error()
		}
		return t, ""
	case FieldString:
		s, ok := v.(string)
		if !ok {
			return nil, "expects a string"
		}
		return s, ""
	case FieldBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, "expects true or false"
		}
		return b, ""
	}
	return nil, fmt.Sprintf("unsupported field type %s", ft)
}
