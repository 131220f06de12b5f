package segmentation

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustValidate(t *testing.T, src string) *Tree {
	t.Helper()
	tree, err := NewValidator(nil, Limits{}).Validate([]byte(src))
	require.NoError(t, err)
	return tree
}

func TestValidate_Accepts(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		depth int
		size  int
	}{
		{"single leaf", `{"field":"age","operator":"greater_than","value":30}`, 1, 1},
		{"numeric string", `{"field":"total_spent","operator":"less_than","value":"99.5"}`, 1, 1},
		{"between dates", `{"field":"last_purchase","operator":"between","value":["2024-01-01","2024-12-31T23:59:59Z"]}`, 1, 1},
		{"in strings", `{"field":"city","operator":"in","value":["Oslo","Bergen"]}`, 1, 1},
		{"contains list", `{"field":"tags","operator":"contains","value":"vip"}`, 1, 1},
		{"and group", `{"combinator":"AND","rules":[{"field":"total_spent","operator":"greater_than","value":1000},{"field":"order_count","operator":"less_than","value":5}]}`, 2, 3},
		{"nested not", `{"combinator":"NOT","rules":[{"combinator":"OR","rules":[{"field":"age","operator":"equals","value":40}]}]}`, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := mustValidate(t, tt.src)
			assert.Equal(t, tt.depth, tree.Depth)
			assert.Equal(t, tt.size, tree.Size)
		})
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		path   string
		reason string
	}{
		{"unknown field", `{"field":"shoe_size","operator":"equals","value":42}`, "$", "unknown field"},
		{"unknown operator", `{"field":"age","operator":"like","value":42}`, "$", "unknown operator"},
		{"type mismatch", `{"field":"age","operator":"contains","value":"4"}`, "$", "not supported for integer"},
		{"missing value", `{"field":"age","operator":"equals"}`, "$", "value is required"},
		{"null value", `{"field":"age","operator":"equals","value":null}`, "$", "value is required"},
		{"missing field", `{"operator":"equals","value":1}`, "$", "field is required"},
		{"non-numeric", `{"field":"age","operator":"equals","value":"forty"}`, "$", "expects a whole number"},
		{"bool for number", `{"field":"age","operator":"equals","value":true}`, "$", "expects a number"},
		{"fractional integer", `{"field":"age","operator":"equals","value":30.5}`, "$", "expects a whole number"},
		{"numeric string for integer", `{"field":"age","operator":"equals","value":"30"}`, "$", "expects a whole number"},
		{"fractional range bound", `{"field":"order_count","operator":"between","value":[1,2.5]}`, "$", "range bound 1: expects a whole number"},
		{"string in integer list", `{"field":"order_count","operator":"in","value":[1,"2"]}`, "$", "list value 1: expects a whole number"},
		{"list for scalar", `{"field":"age","operator":"equals","value":[1]}`, "$", "single value"},
		{"short range", `{"field":"age","operator":"between","value":[1]}`, "$", "two-element"},
		{"inverted range", `{"field":"age","operator":"between","value":[50,20]}`, "$", "lower bound exceeds"},
		{"bad date", `{"field":"last_purchase","operator":"greater_than","value":"yesterday"}`, "$", "not an RFC 3339"},
		{"empty in", `{"field":"city","operator":"in","value":[]}`, "$", "non-empty list"},
		{"empty and", `{"combinator":"AND","rules":[]}`, "$", "at least one rule"},
		{"not with two", `{"combinator":"NOT","rules":[{"field":"age","operator":"equals","value":1},{"field":"age","operator":"equals","value":2}]}`, "$", "exactly one rule"},
		{"bad combinator", `{"combinator":"XOR","rules":[{"field":"age","operator":"equals","value":1}]}`, "$", "unknown combinator"},
		{"rules without combinator", `{"rules":[{"field":"age","operator":"equals","value":1}]}`, "$", "requires a combinator"},
		{"mixed keys", `{"field":"age","combinator":"AND","rules":[]}`, "$", "mixes leaf keys"},
		{"unknown key", `{"field":"age","operator":"equals","value":1,"negate":true}`, "$", "malformed"},
		{"trailing data", `{"field":"age","operator":"equals","value":1} {}`, "$", "unexpected data"},
		{
			"nested error path",
			`{"combinator":"AND","rules":[{"field":"age","operator":"equals","value":1},{"combinator":"OR","rules":[{"field":"nope","operator":"equals","value":1}]}]}`,
			"$.rules[1].rules[0]", "unknown field",
		},
	}
	v := NewValidator(nil, Limits{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate([]byte(tt.src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.path, ve.Path)
			assert.Contains(t, ve.Reason, tt.reason)
		})
	}
}

func TestValidate_FirstErrorInDepthFirstOrder(t *testing.T) {
	src := `{"combinator":"OR","rules":[
		{"combinator":"AND","rules":[{"field":"age","operator":"like","value":1}]},
		{"field":"nope","operator":"equals","value":1}
	]}`
	_, err := NewValidator(nil, Limits{}).Validate([]byte(src))

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "$.rules[0].rules[0]", ve.Path)
	assert.Equal(t, "age", ve.Field)
	assert.Equal(t, Operator("like"), ve.Operator)
}

func TestValidate_Limits(t *testing.T) {
	leaf := `{"field":"age","operator":"equals","value":1}`
	nested := leaf
	for i := 0; i < 4; i++ {
		nested = `{"combinator":"NOT","rules":[` + nested + `]}`
	}

	_, err := NewValidator(nil, Limits{MaxDepth: 4}).Validate([]byte(nested))
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "maximum depth of 4")

	tree, err := NewValidator(nil, Limits{MaxDepth: 5}).Validate([]byte(nested))
	require.NoError(t, err)
	assert.Equal(t, 5, tree.Depth)

	wide := `{"combinator":"OR","rules":[` + strings.TrimSuffix(strings.Repeat(leaf+",", 5), ",") + `]}`
	_, err = NewValidator(nil, Limits{MaxNodes: 5}).Validate([]byte(wide))
	assert.ErrorContains(t, err, "maximum of 5 nodes")

	_, err = NewValidator(nil, Limits{MaxListValues: 2}).Validate([]byte(`{"field":"age","operator":"in","value":[1,2,3]}`))
	assert.ErrorContains(t, err, "maximum is 2")
}

func TestValidate_Deterministic(t *testing.T) {
	src := []byte(`{"field":"age","operator":"in","value":["x"]}`)
	v := NewValidator(nil, Limits{})
	_, err1 := v.Validate(src)
	_, err2 := v.Validate(src)
	require.Error(t, err1)
	assert.Equal(t, err1.Error(), err2.Error())
}

func TestValidate_ExtendedSchema(t *testing.T) {
	schema := DefaultSchema().With(map[string]FieldType{"loyalty_member": FieldBoolean})
	tree, err := NewValidator(schema, Limits{}).Validate([]byte(`{"field":"loyalty_member","operator":"equals","value":true}`))
	require.NoError(t, err)

	leaf, ok := tree.Root.(*Leaf)
	require.True(t, ok)
	assert.Equal(t, FieldBoolean, leaf.FieldType)
	assert.Equal(t, true, leaf.Scalar)
}

func TestValidate_CanonicalValues(t *testing.T) {
	tree := mustValidate(t, `{"field":"last_purchase","operator":"between","value":["2024-01-01","2024-06-30"]}`)
	leaf := tree.Root.(*Leaf)
	lo, ok := leaf.Range[0].(time.Time)
	require.True(t, ok)
	assert.True(t, lo.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	tree = mustValidate(t, `{"field":"total_spent","operator":"in","value":[1,"2.5"]}`)
	assert.Equal(t, []any{1.0, 2.5}, tree.Root.(*Leaf).List)

	tree = mustValidate(t, `{"field":"order_count","operator":"in","value":[1,2.0]}`)
	assert.Equal(t, []any{1.0, 2.0}, tree.Root.(*Leaf).List, "2.0 is a whole number")
}

func TestTree_RoundTrip(t *testing.T) {
	src := `{"combinator":"AND","rules":[{"field":"total_spent","operator":"greater_than","value":1000},{"combinator":"NOT","rules":[{"field":"city","operator":"in","value":["Oslo", "Bergen"]}]}]}`
	tree := mustValidate(t, src)

	out, err := json.Marshal(tree)
	require.NoError(t, err)
	assert.JSONEq(t, src, string(out))

	again := mustValidate(t, string(out))
	assert.Equal(t, tree.Fingerprint(), again.Fingerprint())
}
