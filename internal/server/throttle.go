package server

// latest holds the most recent value until it is taken. Setting a value
// replaces any value not yet taken.
type latest[T any] struct {
	value T
	ok    bool
}

// Set stores v, replacing any pending value.
func (l *latest[T]) Set(v T) {
	l.value = v
	l.ok = true
}

// Take returns the pending value and clears it.
func (l *latest[T]) Take() (T, bool) {
	v, ok := l.value, l.ok
	var zero T
	l.value, l.ok = zero, false
	return v, ok
}
