// Package segmentation provides the segment rule engine: a closed rule tree
// produced only by the Validator, a pure Evaluator over customer records, and
// a streaming audience Selector.
package segmentation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ==========================================
// OPERATORS
// ==========================================

// Operator is a leaf comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
)

// ValueShape describes what a leaf's "value" must look like for an operator.
type ValueShape string

const (
	ShapeScalar ValueShape = "scalar"
	ShapeRange  ValueShape = "range"
	ShapeList   ValueShape = "list"
)

// OperatorMetadata contains info about an operator
type OperatorMetadata struct {
	Operator        Operator    `json:"operator"`
	Label           string      `json:"label"`
	Description     string      `json:"description"`
	ApplicableTypes []FieldType `json:"applicable_types"`
	Shape           ValueShape  `json:"value_shape"`
}

var operatorMetadata = []OperatorMetadata{
	{OpEquals, "Equals", "Exact match", []FieldType{FieldString, FieldInteger, FieldDecimal, FieldTimestamp, FieldBoolean}, ShapeScalar},
	{OpNotEquals, "Does not equal", "Not an exact match", []FieldType{FieldString, FieldInteger, FieldDecimal, FieldTimestamp, FieldBoolean}, ShapeScalar},
	{OpGreaterThan, "Greater than", "Value is greater than", []FieldType{FieldInteger, FieldDecimal, FieldTimestamp}, ShapeScalar},
	{OpLessThan, "Less than", "Value is less than", []FieldType{FieldInteger, FieldDecimal, FieldTimestamp}, ShapeScalar},
	{OpBetween, "Between", "Value is within an inclusive range", []FieldType{FieldInteger, FieldDecimal, FieldTimestamp}, ShapeRange},
	{OpContains, "Contains", "Case-insensitive substring or list membership", []FieldType{FieldString, FieldList}, ShapeScalar},
	{OpIn, "Is one of", "Value is one of the listed values", []FieldType{FieldString, FieldInteger, FieldDecimal, FieldTimestamp, FieldBoolean}, ShapeList},
}

// GetOperatorMetadata returns metadata for all operators
func GetOperatorMetadata() []OperatorMetadata {
	out := make([]OperatorMetadata, len(operatorMetadata))
	copy(out, operatorMetadata)
	return out
}

func getOperatorMeta(op Operator) *OperatorMetadata {
	for i := range operatorMetadata {
		if operatorMetadata[i].Operator == op {
			return &operatorMetadata[i]
		}
	}
	return nil
}

func (m *OperatorMetadata) applies(ft FieldType) bool {
	for _, t := range m.ApplicableTypes {
		if t == ft {
			return true
		}
	}
	return false
}

// ==========================================
// FIELD TYPES
// ==========================================

// FieldType represents the declared data type of a customer attribute
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInteger   FieldType = "integer"
	FieldDecimal   FieldType = "decimal"
	FieldTimestamp FieldType = "timestamp"
	FieldBoolean   FieldType = "boolean"
	FieldList      FieldType = "list"
)

// Valid reports whether ft is a known field type.
func (ft FieldType) Valid() bool {
	switch ft {
	case FieldString, FieldInteger, FieldDecimal, FieldTimestamp, FieldBoolean, FieldList:
		return true
	}
	return false
}

// Schema maps rule-addressable attribute names to their declared types.
type Schema map[string]FieldType

// DefaultSchema returns the built-in customer fields.
func DefaultSchema() Schema {
	return Schema{
		"age":           FieldInteger,
		"total_spent":   FieldDecimal,
		"order_count":   FieldInteger,
		"last_purchase": FieldTimestamp,
		"email":         FieldString,
		"name":          FieldString,
		"city":          FieldString,
		"tags":          FieldList,
	}
}

// With returns a copy of s extended with extra. Extra entries override
// built-in ones.
func (s Schema) With(extra map[string]FieldType) Schema {
	out := make(Schema, len(s)+len(extra))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// ==========================================
// COMBINATORS
// ==========================================

// Combinator joins a group's children.
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
	CombinatorNot Combinator = "NOT"
)

// ==========================================
// WIRE FORMAT
// ==========================================

// RawRule is the unvalidated wire shape authored by the rule builder. A leaf
// sets Field/Operator/Value; a group sets Combinator/Rules. A nil Rules means
// the key was absent, an empty slice means "rules": [].
type RawRule struct {
	Field      string          `json:"field,omitempty"`
	Operator   Operator        `json:"operator,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Combinator Combinator      `json:"combinator,omitempty"`
	Rules      []RawRule       `json:"rules,omitempty"`
}

// ==========================================
// VALIDATED TREE
// ==========================================

// Node is a validated rule node: either *Leaf or *Group. The set is closed;
// only this package can construct nodes.
type Node interface {
	json.Marshaler
	isNode()
}

// Leaf is a single typed condition on one customer attribute.
type Leaf struct {
	Field     string
	Operator  Operator
	FieldType FieldType

	// Exactly one of the following is populated, according to the
	// operator's ValueShape. Numbers are float64, timestamps time.Time.
	Scalar any
	Range  [2]any
	List   []any

	raw json.RawMessage
}

// Group combines child nodes. NOT groups hold exactly one child; AND/OR
// hold at least one.
type Group struct {
	Combinator Combinator
	Rules      []Node
}

func (*Leaf) isNode()  {}
func (*Group) isNode() {}

// MarshalJSON emits the wire format, preserving the original value bytes.
func (l *Leaf) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Field    string          `json:"field"`
		Operator Operator        `json:"operator"`
		Value    json.RawMessage `json:"value"`
	}{l.Field, l.Operator, l.raw})
}

// MarshalJSON emits the wire format.
func (g *Group) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Combinator Combinator `json:"combinator"`
		Rules      []Node     `json:"rules"`
	}{g.Combinator, g.Rules})
}

// Tree is an immutable validated rule tree.
type Tree struct {
	Root  Node
	Depth int
	Size  int
}

// MarshalJSON emits the root node in wire format.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return t.Root.MarshalJSON()
}

// Fingerprint returns a stable hash of the tree's wire form. Two trees with
// the same fingerprint select the same audience.
func (t *Tree) Fingerprint() string {
	data, _ := t.MarshalJSON()
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Limits bounds the size of accepted trees.
type Limits struct {
	MaxDepth      int `yaml:"max_depth"`
	MaxNodes      int `yaml:"max_nodes"`
	MaxListValues int `yaml:"max_list_values"`
}

// DefaultLimits returns conservative bounds for UI-authored trees.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 16, MaxNodes: 256, MaxListValues: 1000}
}
