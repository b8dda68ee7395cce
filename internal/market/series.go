package market

// ring is a bounded append-only buffer. Once max elements are held the
// oldest element is dropped on every Append.
type ring[T any] struct {
	items []T
	max   int
}

func newRing[T any](max int) *ring[T] {
	return &ring[T]{max: max}
}

func (r *ring[T]) Append(item T) {
	r.items = append(r.items, item)
	if len(r.items) > r.max {
		// Copy down instead of reslicing so the backing array does not
		// grow without bound.
		copy(r.items, r.items[1:])
		r.items = r.items[:r.max]
	}
}

func (r *ring[T]) ReplaceLast(item T) {
	if len(r.items) == 0 {
		return
	}
	r.items[len(r.items)-1] = item
}

func (r *ring[T]) Reset() {
	r.items = r.items[:0]
}

func (r *ring[T]) Len() int {
	return len(r.items)
}

func (r *ring[T]) Last() T {
	return r.items[len(r.items)-1]
}

// Items returns a copy of the buffered elements, oldest first.
func (r *ring[T]) Items() []T {
	if len(r.items) == 0 {
		return nil
	}
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}
