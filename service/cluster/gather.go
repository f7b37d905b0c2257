package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/SplitFi/go-salesindexer/util"
)

// Gather waits for every future and returns their results in the same order. The first failure
// cancels the wait for the rest.
func Gather(ctx context.Context, futures []*Future) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(futures))
	g, ctx := errgroup.WithContext(ctx)
	for i, f := range futures {
		i, f := i, f
		g.Go(func() error {
			result, err := f.Wait(ctx)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ParallelizeMethod splits items into one contiguous slice per online worker, runs method on each
// slice and concatenates the results in item order. The method must be registered with SliceHandler.
func ParallelizeMethod[T, R any](ctx context.Context, m *Manager, method string, items []T, args any) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", method, err)
	}

	n := m.Available()
	if n < 1 {
		n = m.Size()
	}

	slices := util.SplitEvenly(items, n)
	futures := make([]*Future, 0, len(slices))
	for _, slice := range slices {
		f, err := m.Submit(method, sliceRequest[T]{Args: rawArgs, Items: slice})
		if err != nil {
			return nil, err
		}
		futures = append(futures, f)
	}

	results, err := Gather(ctx, futures)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	out := make([]R, 0, len(items))
	for _, raw := range results {
		var part []R
		if err := json.Unmarshal(raw, &part); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", method, err)
		}
		out = append(out, part...)
	}
	return out, nil
}
