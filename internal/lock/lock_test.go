package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexMapSerializesSameKey(t *testing.T) {
	m := NewMutexMap()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.With("seq-1", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestMutexMapTryLock(t *testing.T) {
	m := NewMutexMap()

	require.True(t, m.TryLock("a"))
	assert.False(t, m.TryLock("a"), "held key must not be re-acquired")
	assert.True(t, m.TryLock("b"), "different key is independent")

	m.Unlock("a")
	assert.True(t, m.TryLock("a"))
}
