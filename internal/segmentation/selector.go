package segmentation

import (
	"context"
	"errors"
	"iter"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// CustomerSource streams the full customer population. Scan calls fn once
// per customer and stops at the first error returned by fn, returning it.
// Every call is a fresh pass over the source.
type CustomerSource interface {
	Scan(ctx context.Context, fn func(domain.Customer) error) error
}

var errStopScan = errors.New("segmentation: scan stopped")

// Select returns a lazy sequence of the ids of customers matching t. Each
// range over the sequence performs a new full scan of src. A scan failure
// is yielded once as ("", err) and ends the sequence.
func Select(ctx context.Context, t *Tree, src CustomerSource) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		err := src.Scan(ctx, func(c domain.Customer) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !Evaluate(c, t) {
				return nil
			}
			if !yield(c.ID, nil) {
				return errStopScan
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopScan) {
			yield("", err)
		}
	}
}

// Estimate counts the customers matching t without materialising their ids.
func Estimate(ctx context.Context, t *Tree, src CustomerSource) (int, error) {
	n := 0
	for _, err := range Select(ctx, t, src) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Sample returns up to limit matching customers, in source order, along with
// the total match count. It is used for segment previews.
func Sample(ctx context.Context, t *Tree, src CustomerSource, limit int) ([]domain.Customer, int, error) {
	var (
		out   []domain.Customer
		total int
	)
	err := src.Scan(ctx, func(c domain.Customer) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !Evaluate(c, t) {
			return nil
		}
		total++
		if len(out) < limit {
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// SliceSource is an in-memory CustomerSource.
type SliceSource []domain.Customer

// Scan implements CustomerSource.
func (s SliceSource) Scan(ctx context.Context, fn func(domain.Customer) error) error {
	for _, c := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}
