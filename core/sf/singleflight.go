// Package sf wraps golang.org/x/sync/singleflight with a typed API.
//
// The engine uses it to deduplicate concurrent snapshot loads for the same
// stream and upper revision bound: only the first caller hits the store, the
// rest share the result.
package sf

import "golang.org/x/sync/singleflight"

// Singleflight deduplicates concurrent function calls with the same key.
type Singleflight[T any] struct {
	group singleflight.Group
}

// New creates a new Singleflight instance for type T.
func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}

// Do executes fn for the given key. If a call is already in flight for the
// key, Do blocks until it completes and returns the same result; fn runs at
// most once per key at any given time.
func (s *Singleflight[T]) Do(key string, fn func() (*T, error)) (*T, error) {
	v, err, _ := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}
