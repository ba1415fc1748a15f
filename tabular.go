package poolz

import (
	"context"
	"iter"
)

// MapChunks applies fn to whole chunks instead of single elements, for
// tabular workloads where each worker should receive a contiguous block
// of rows. Chunks are subslices of in (row slices, not copies) and the
// per-chunk output blocks are returned in chunk order, so concatenating
// them reproduces the row order of the input. Use Concat to flatten.
//
// Example:
//
//	pieces, err := pool.MapChunks(ctx, scale, rows, poolz.NSplits(8))
//	if err != nil {
//	    return err
//	}
//	scaled := poolz.Concat(pieces)
func (p *Pool[I, O]) MapChunks(ctx context.Context, fn ChunkFunc[I, O], in []I, opts ...MapOption) ([][]O, error) {
	cfg, cerr := p.buildConfig(opts)
	if cerr != nil {
		return nil, cerr
	}
	if nerr := checkNested[I](ctx, p.name); nerr != nil {
		return nil, nerr
	}
	size := resolveChunkSize(len(in), cfg, p.workers)
	var pieces [][]O
	err := p.run(ctx, p.job(cfg, nil, fn), chunkSlice(in, size), cfg, true, len(in), func(outputs []O) bool {
		pieces = append(pieces, outputs)
		return true
	})
	if err != nil {
		return nil, err
	}
	return pieces, nil
}

// IMapChunks is the lazy counterpart of MapChunks: per-chunk output
// blocks are yielded in chunk order as they become available.
func (p *Pool[I, O]) IMapChunks(ctx context.Context, fn ChunkFunc[I, O], in []I, opts ...MapOption) iter.Seq2[[]O, error] {
	return func(yield func([]O, error) bool) {
		cfg, cerr := p.buildConfig(opts)
		if cerr != nil {
			yield(nil, cerr)
			return
		}
		if nerr := checkNested[I](ctx, p.name); nerr != nil {
			yield(nil, nerr)
			return
		}
		size := resolveChunkSize(len(in), cfg, p.workers)
		stopped := false
		err := p.run(ctx, p.job(cfg, nil, fn), chunkSlice(in, size), cfg, true, len(in), func(outputs []O) bool {
			if !yield(outputs, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// Concat reassembles per-chunk output blocks into a single slice,
// preserving block order.
func Concat[O any](pieces [][]O) []O {
	total := 0
	for _, p := range pieces {
		total += len(p)
	}
	out := make([]O, 0, total)
	for _, p := range pieces {
		out = append(out, p...)
	}
	return out
}
