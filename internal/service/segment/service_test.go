package segment_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/repository/memory"
	"github.com/ignite/audience-pipeline/internal/segmentation"
	"github.com/ignite/audience-pipeline/internal/service/segment"
)

func customers() segmentation.SliceSource {
	return segmentation.SliceSource{
		{ID: "c1", Attributes: map[string]any{"city": "Lagos", "age": 31}},
		{ID: "c2", Attributes: map[string]any{"city": "Accra", "age": 25}},
		{ID: "c3", Attributes: map[string]any{"city": "Lagos", "age": 19}},
		{ID: "c4", Attributes: map[string]any{"age": 40}},
	}
}

func newService(t *testing.T, src segmentation.CustomerSource) (*segment.Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return segment.NewService(store.Segments(), segmentation.NewValidator(nil, segmentation.Limits{}), src), store
}

func TestCreate(t *testing.T) {
	svc, _ := newService(t, customers())
	ctx := context.Background()

	seg, err := svc.Create(ctx, segment.CreateInput{
		Name:  "  Lagos  ",
		Rules: json.RawMessage(`{"field":"city","operator":"equals","value":"Lagos"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Lagos", seg.Name)
	assert.Equal(t, 2, seg.EstimatedCount)
	require.NotNil(t, seg.EstimatedAt)

	got, err := svc.Get(ctx, seg.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(seg.Rules), string(got.Rules))
}

func TestCreate_RejectsInvalid(t *testing.T) {
	svc, store := newService(t, customers())
	ctx := context.Background()

	_, err := svc.Create(ctx, segment.CreateInput{Rules: json.RawMessage(`{"field":"age","operator":"equals","value":1}`)})
	assert.ErrorIs(t, err, segment.ErrNameRequired)

	_, err = svc.Create(ctx, segment.CreateInput{
		Name:  "bad",
		Rules: json.RawMessage(`{"combinator":"AND","rules":[{"field":"city","operator":"greater_than","value":"x"}]}`),
	})
	var verr *segmentation.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "$.rules[0]", verr.Path)

	_, total, err := store.Segments().List(ctx, segment.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total, "invalid segments must not be stored")
}

func TestReplaceRules(t *testing.T) {
	svc, _ := newService(t, customers())
	ctx := context.Background()
	seg, err := svc.Create(ctx, segment.CreateInput{Name: "Adults", Rules: json.RawMessage(`{"field":"age","operator":"greater_than","value":20}`)})
	require.NoError(t, err)
	require.Equal(t, 3, seg.EstimatedCount)

	before, err := svc.Tree(ctx, seg.ID)
	require.NoError(t, err)

	updated, err := svc.ReplaceRules(ctx, seg.ID, json.RawMessage(`{"field":"age","operator":"greater_than","value":30}`))
	require.NoError(t, err)
	assert.Equal(t, 2, updated.EstimatedCount)

	after, err := svc.Tree(ctx, seg.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.Fingerprint(), after.Fingerprint())

	_, err = svc.ReplaceRules(ctx, seg.ID, json.RawMessage(`{"field":"age","operator":"nope","value":30}`))
	assert.ErrorIs(t, err, segmentation.ErrValidation)
	kept, err := svc.Tree(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, after.Fingerprint(), kept.Fingerprint())

	_, err = svc.ReplaceRules(ctx, "missing", json.RawMessage(`{"field":"age","operator":"equals","value":1}`))
	assert.ErrorIs(t, err, segment.ErrNotFound)
}

func TestRefreshFollowsLiveData(t *testing.T) {
	src := customers()
	svc, _ := newService(t, &src)
	ctx := context.Background()
	seg, err := svc.Create(ctx, segment.CreateInput{Name: "Lagos", Rules: json.RawMessage(`{"field":"city","operator":"equals","value":"Lagos"}`)})
	require.NoError(t, err)

	src = append(src, domain.Customer{ID: "c5", Attributes: map[string]any{"city": "Lagos"}})
	refreshed, err := svc.Refresh(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, refreshed.EstimatedCount)

	same, err := svc.ReplaceRules(ctx, seg.ID, seg.Rules)
	require.NoError(t, err)
	assert.Equal(t, 3, same.EstimatedCount)
}

func TestTree_CorruptStoredRules(t *testing.T) {
	svc, store := newService(t, customers())
	ctx := context.Background()
	require.NoError(t, store.Segments().Create(ctx, &domain.Segment{ID: "s1", Name: "legacy", Rules: json.RawMessage(`{"field":"loyalty","operator":"equals","value":"gold"}`)}))

	_, err := svc.Tree(ctx, "s1")
	assert.ErrorIs(t, err, segment.ErrCorruptRules)

	_, err = svc.Tree(ctx, "missing")
	assert.ErrorIs(t, err, segment.ErrNotFound)
}

func TestPreview(t *testing.T) {
	svc, store := newService(t, customers())
	ctx := context.Background()

	p, err := svc.Preview(ctx, json.RawMessage(`{"combinator":"OR","rules":[
		{"field":"city","operator":"equals","value":"Accra"},
		{"field":"age","operator":"between","value":[30,50]}
	]}`), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, p.EstimatedCount)
	assert.Equal(t, []string{"c1", "c2"}, p.SampleIDs)
	assert.Equal(t, 2, p.Depth)
	assert.Equal(t, 3, p.Nodes)

	_, total, err := store.Segments().List(ctx, segment.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestFields(t *testing.T) {
	svc, _ := newService(t, customers())
	fields := svc.Fields()
	require.NotEmpty(t, fields)
	for i := 1; i < len(fields); i++ {
		assert.Less(t, fields[i-1].Name, fields[i].Name)
	}
	for _, f := range fields {
		if f.Name != "tags" {
			continue
		}
		var names []segmentation.Operator
		for _, op := range f.Operators {
			names = append(names, op.Operator)
		}
		assert.Contains(t, names, segmentation.OpContains)
		assert.NotContains(t, names, segmentation.OpGreaterThan)
	}
}

type failingSource struct{}

func (failingSource) Scan(context.Context, func(domain.Customer) error) error {
	return errors.New("replica lag")
}

func TestCreate_SourceFailure(t *testing.T) {
	svc, _ := newService(t, failingSource{})
	_, err := svc.Create(context.Background(), segment.CreateInput{Name: "x", Rules: json.RawMessage(`{"field":"age","operator":"equals","value":1}`)})
	assert.ErrorContains(t, err, "replica lag")
}
