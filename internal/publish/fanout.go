package publish

import (
	"context"
	"errors"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

// Fanout delivers each record to every publisher in order. All publishers
// are attempted; their errors are joined.
type Fanout []settlement.Publisher

func (f Fanout) Publish(ctx context.Context, r settlement.Record) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to settlement.Publisher.
type Func func(ctx context.Context, r settlement.Record) error

func (fn Func) Publish(ctx context.Context, r settlement.Record) error {
	return fn(ctx, r)
}
