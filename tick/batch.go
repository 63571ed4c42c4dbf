package tick

// ComputeBatchSize picks an adaptive batch size: aim for roughly 12
// batches per worker so the deque has enough stealable units under
// load, but never let a batch fall below 100 entities (too much
// per-task overhead) or above 1000 (one slow batch stalls the barrier
// too long).
func ComputeBatchSize(totalEntities, numWorkers int) int {
	if numWorkers < 1 {
		numWorkers = 1
	}
	targetBatches := 12 * numWorkers
	size := totalEntities / targetBatches
	switch {
	case size < 100:
		return 100
	case size > 1000:
		return 1000
	case size == 0:
		return 100
	default:
		return size
	}
}

// Chunk splits ids into batches of size n (the last batch may be
// smaller), used to fan bulk finalization work (e.g. the removal list)
// out across MAP tasks sized by ComputeBatchSize.
func Chunk(ids []uint64, n int) [][]uint64 {
	if n < 1 {
		n = 1
	}
	var out [][]uint64
	for len(ids) > 0 {
		if len(ids) < n {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
