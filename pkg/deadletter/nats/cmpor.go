package nats

// cmpOr returns the first of its arguments that is not equal to the zero
// value. If no argument is non-zero, it returns the zero value.
// Equivalent to cmp.Or, which requires Go 1.22.
func cmpOr[T comparable](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v != zero {
			return v
		}
	}
	return zero
}
