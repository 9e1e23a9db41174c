package memory

// Partition splits n un-ingested messages into chunk sizes. Below
// minChunk nothing is chunked. Otherwise it picks the fewest chunks c
// such that the last chunk, which absorbs the remainder, holds at most
// 2*minChunk messages; every other chunk holds n/c.
func Partition(n, minChunk int) []int {
	if minChunk <= 0 {
		minChunk = DefaultMinChunkSize
	}
	if n < minChunk {
		return nil
	}

	c := 1
	for ; c < n; c++ {
		if n/c+n%c <= 2*minChunk {
			break
		}
	}

	size := n / c
	sizes := make([]int, c)
	for i := range sizes {
		sizes[i] = size
	}
	sizes[c-1] += n % c
	return sizes
}
