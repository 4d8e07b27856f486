package scheduler

// Chunk is a contiguous range [Start, End] (End inclusive) over a request's
// snapshot, numbered from 1.
type Chunk struct {
	Seq   int
	Start int
	End   int
}

// Plan splits n templates into chunks of at most maxWorks entries. A
// non-positive maxWorks yields a single chunk holding everything.
func Plan(n, maxWorks int) []Chunk {
	if n <= 0 {
		return nil
	}
	size := maxWorks
	if size <= 0 {
		size = n
	}
	count := (n + size - 1) / size
	chunks := make([]Chunk, count)
	for seq := 1; seq <= count; seq++ {
		start := (seq - 1) * size
		end := min(start+size, n) - 1
		chunks[seq-1] = Chunk{Seq: seq, Start: start, End: end}
	}
	return chunks
}
