package sf

import "golang.org/x/sync/singleflight"

// Singleflight deduplicates concurrent function calls with the same key.
// Only the first caller executes the function; others wait and receive
// the same result.
type Singleflight[T any] struct {
	group singleflight.Group
}

// Do executes fn for the given key, deduplicating concurrent calls.
// If a call is already in-flight for this key, Do blocks until it completes
// and returns the same result. shared reports whether the result was handed
// to more than one caller.
func (s *Singleflight[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	out, err, shared := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return v, shared, err
	}
	return out.(T), shared, nil
}

// Result is the outcome of a call started with [Singleflight.DoChan].
type Result[T any] struct {
	Val    T
	Err    error
	Shared bool
}

// DoChan is like Do but delivers the result on a channel. A caller that
// stops waiting does not affect the shared call or its other waiters.
func (s *Singleflight[T]) DoChan(key string, fn func() (T, error)) <-chan Result[T] {
	src := s.group.DoChan(key, func() (any, error) {
		return fn()
	})
	out := make(chan Result[T], 1)
	go func() {
		r := <-src
		res := Result[T]{Err: r.Err, Shared: r.Shared}
		if r.Err == nil {
			res.Val = r.Val.(T)
		}
		out <- res
	}()
	return out
}

// Forget drops the in-flight call for key so the next Do executes fn again.
func (s *Singleflight[T]) Forget(key string) { s.group.Forget(key) }

// New creates a new Singleflight instance for type T.
func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}
