package sf

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleflight_Do(t *testing.T) {
	s := New[int]()
	v, shared, err := s.Do("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, 7, v)
}

func TestSingleflight_Error(t *testing.T) {
	s := New[int]()
	boom := errors.New("boom")
	v, _, err := s.Do("k", func() (int, error) { return 3, boom })
	require.ErrorIs(t, err, boom)
	require.Zero(t, v)
}

func TestSingleflight_Dedup(t *testing.T) {
	var (
		s       = New[int]()
		calls   atomic.Int32
		release = make(chan struct{})
		wg      sync.WaitGroup
	)

	const callers = 10
	results := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := s.Do("k", func() (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// let every caller join the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.Equal(t, 42, v)
	}
}

func TestSingleflight_DoChan(t *testing.T) {
	var (
		s       = New[int]()
		calls   atomic.Int32
		release = make(chan struct{})
	)
	fn := func() (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	first := s.DoChan("k", fn)
	second := s.DoChan("k", fn)
	close(release)

	r1, r2 := <-first, <-second
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	require.Equal(t, 42, r1.Val)
	require.Equal(t, 42, r2.Val)
	require.True(t, r2.Shared)
	require.Equal(t, int32(1), calls.Load())
}
