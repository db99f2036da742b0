package monitor

// ring is a fixed-capacity FIFO window. Pushing past capacity drops the
// oldest entry. Not safe for concurrent use; callers hold the monitor lock.
type ring[T any] struct {
	buf   []T
	start int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// items returns entries oldest first
func (r *ring[T]) items() []T {
	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// last returns up to n newest entries, oldest first
func (r *ring[T]) last(n int) []T {
	if n >= r.count {
		return r.items()
	}
	out := make([]T, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// dropWhile removes entries from the oldest end while keep returns false
func (r *ring[T]) dropWhile(stale func(T) bool) {
	for r.count > 0 && stale(r.buf[r.start]) {
		var zero T
		r.buf[r.start] = zero
		r.start = (r.start + 1) % len(r.buf)
		r.count--
	}
}

func (r *ring[T]) len() int { return r.count }
