package poolz

import (
	"iter"
)

// chunk is the unit of dispatch: a contiguous batch of input elements
// processed atomically by one worker. Concatenating chunks in ascending
// id order reproduces the input sequence.
type chunk[I any] struct {
	items []I
	id    int
}

// resolveChunkSize applies the chunking policy: an explicit chunk size
// wins; otherwise the total length (known or hinted) is divided over
// n_splits (default 4 per worker) with the leftover apportioned to the
// last chunk; unsized inputs with no hint fall back to size 1.
func resolveChunkSize(total int, cfg *mapConfig, workers int) int {
	if cfg.chunkSize.set {
		return cfg.chunkSize.value
	}
	if total < 0 {
		return 1
	}
	splits := 4 * workers
	if cfg.nSplits.set {
		splits = cfg.nSplits.value
	}
	size := (total + splits - 1) / splits
	if size < 1 {
		size = 1
	}
	return size
}

// chunkSlice yields fixed-size chunks of the input slice. Chunks are
// subslices of the input, not copies; the last chunk may be shorter.
// An empty input yields no chunks.
func chunkSlice[I any](in []I, size int) iter.Seq[chunk[I]] {
	return func(yield func(chunk[I]) bool) {
		id := 0
		for start := 0; start < len(in); start += size {
			end := start + size
			if end > len(in) {
				end = len(in)
			}
			if !yield(chunk[I]{id: id, items: in[start:end:end]}) {
				return
			}
			id++
		}
	}
}

// chunkSeq yields fixed-size chunks of a sequence of unknown length.
// Elements are accumulated into fresh slices of at most size elements.
func chunkSeq[I any](seq iter.Seq[I], size int) iter.Seq[chunk[I]] {
	return func(yield func(chunk[I]) bool) {
		id := 0
		buf := make([]I, 0, size)
		for item := range seq {
			buf = append(buf, item)
			if len(buf) == size {
				if !yield(chunk[I]{id: id, items: buf}) {
					return
				}
				id++
				buf = make([]I, 0, size)
			}
		}
		if len(buf) > 0 {
			yield(chunk[I]{id: id, items: buf})
		}
	}
}
