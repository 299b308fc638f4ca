package qdp

// Optional holds a device-reported value that may be absent, typically because the status
// block carrying it was not part of the reply.
type Optional[T any] struct {
	Value T
	Valid bool
}

// Some returns a present Optional.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Valid: true}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.Valid
}

// OrElse returns the value when present and def otherwise.
func (o Optional[T]) OrElse(def T) T {
	if o.Valid {
		return o.Value
	}
	return def
}
