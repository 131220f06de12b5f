package segment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
	"github.com/ignite/audience-pipeline/internal/pkg/metrics"
	"github.com/ignite/audience-pipeline/internal/segmentation"
)

// Service implements segment business logic. All public methods are safe
// for concurrent use if the underlying repository and customer source are.
type Service struct {
	repo      Repository
	validator *segmentation.Validator
	source    segmentation.CustomerSource
	now       func() time.Time
}

// NewService creates a segment service. Every segment's audience is
// evaluated against source.
func NewService(repo Repository, validator *segmentation.Validator, source segmentation.CustomerSource) *Service {
	return &Service{repo: repo, validator: validator, source: source, now: time.Now}
}

// CreateInput holds the fields for creating a new segment.
type CreateInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Rules       json.RawMessage `json:"rules"`
}

// Create validates the rule tree, computes the initial estimate and
// persists the segment. Invalid trees return a *segmentation.ValidationError
// and nothing is stored.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Segment, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	tree, err := s.validator.Validate(input.Rules)
	if err != nil {
		return nil, err
	}
	wire, err := tree.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}

	count, err := s.estimate(ctx, tree)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	seg := &domain.Segment{
		ID:             uuid.New().String(),
		Name:           name,
		Description:    input.Description,
		Rules:          wire,
		EstimatedCount: count,
		EstimatedAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, seg); err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}

	logger.Info("segment created", "segment_id", seg.ID, "estimated_count", count, "nodes", tree.Size)
	return seg, nil
}

// Get returns a single segment.
func (s *Service) Get(ctx context.Context, id string) (*domain.Segment, error) {
	return s.repo.Get(ctx, id)
}

// List returns segments matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Segment, int, error) {
	return s.repo.List(ctx, f)
}

// Tree loads a segment's rules and validates them again, so callers always
// evaluate against the current schema.
func (s *Service) Tree(ctx context.Context, id string) (*segmentation.Tree, error) {
	seg, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tree, err := s.validator.Validate(seg.Rules)
	if err != nil {
		return nil, fmt.Errorf("%w: segment %s: %v", ErrCorruptRules, id, err)
	}
	return tree, nil
}

// ReplaceRules validates a new tree and swaps it in. The stored tree is
// never edited in place. Submitting a tree identical to the stored one only
// refreshes the estimate.
func (s *Service) ReplaceRules(ctx context.Context, id string, rules json.RawMessage) (*domain.Segment, error) {
	seg, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tree, err := s.validator.Validate(rules)
	if err != nil {
		return nil, err
	}
	wire, err := tree.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	if bytes.Equal(wire, seg.Rules) {
		return s.Refresh(ctx, id)
	}

	count, err := s.estimate(ctx, tree)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.repo.ReplaceRules(ctx, id, wire, count, now); err != nil {
		return nil, err
	}

	seg.Rules = wire
	seg.EstimatedCount = count
	seg.EstimatedAt = &now
	seg.UpdatedAt = now
	logger.Info("segment rules replaced", "segment_id", id, "fingerprint", tree.Fingerprint()[:12], "estimated_count", count)
	return seg, nil
}

// Refresh recomputes the cached estimate from live customer data.
func (s *Service) Refresh(ctx context.Context, id string) (*domain.Segment, error) {
	seg, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tree, err := s.validator.Validate(seg.Rules)
	if err != nil {
		return nil, fmt.Errorf("%w: segment %s: %v", ErrCorruptRules, id, err)
	}
	count, err := s.estimate(ctx, tree)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.repo.UpdateEstimate(ctx, id, count, now); err != nil {
		return nil, err
	}
	seg.EstimatedCount = count
	seg.EstimatedAt = &now
	return seg, nil
}

// Preview is the result of evaluating an unsaved rule tree.
type Preview struct {
	EstimatedCount int      `json:"estimated_count"`
	SampleIDs      []string `json:"sample_ids"`
	Depth          int      `json:"depth"`
	Nodes          int      `json:"nodes"`
}

// Preview validates rules and counts matching customers without storing
// anything. Up to sampleSize matching ids are returned in source order.
func (s *Service) Preview(ctx context.Context, rules json.RawMessage, sampleSize int) (*Preview, error) {
	tree, err := s.validator.Validate(rules)
	if err != nil {
		return nil, err
	}
	if sampleSize < 0 {
		sampleSize = 0
	}

	start := time.Now()
	sample, total, err := segmentation.Sample(ctx, tree, s.source, sampleSize)
	metrics.ObserveScan("preview", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("preview segment: %w", err)
	}

	p := &Preview{EstimatedCount: total, SampleIDs: make([]string, 0, len(sample)), Depth: tree.Depth, Nodes: tree.Size}
	for _, c := range sample {
		p.SampleIDs = append(p.SampleIDs, c.ID)
	}
	return p, nil
}

// FieldInfo describes one rule-addressable attribute for the rule builder.
type FieldInfo struct {
	Name      string                          `json:"name"`
	Type      segmentation.FieldType          `json:"type"`
	Operators []segmentation.OperatorMetadata `json:"operators"`
}

// Fields returns the field catalogue, sorted by name, with the operators
// each field accepts.
func (s *Service) Fields() []FieldInfo {
	ops := segmentation.GetOperatorMetadata()
	schema := s.validator.Schema()
	out := make([]FieldInfo, 0, len(schema))
	for name, ft := range schema {
		fi := FieldInfo{Name: name, Type: ft}
		for _, op := range ops {
			for _, t := range op.ApplicableTypes {
				if t == ft {
					fi.Operators = append(fi.Operators, op)
					break
				}
			}
		}
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) estimate(ctx context.Context, tree *segmentation.Tree) (int, error) {
	start := time.Now()
	n, err := segmentation.Estimate(ctx, tree, s.source)
	metrics.ObserveScan("estimate", time.Since(start))
	if err != nil {
		metrics.SegmentEstimatesTotal.WithLabelValues("error").Inc()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("estimate audience: %w", err)
	}
	metrics.SegmentEstimatesTotal.WithLabelValues("ok").Inc()
	return n, nil
}
