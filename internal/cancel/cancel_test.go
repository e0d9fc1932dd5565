package cancel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal(t *testing.T) {
	t.Parallel()

	s := NewSignal()
	assert.False(t, s.Fired())
	assert.NoError(t, s.Check())

	s.Fire()
	assert.True(t, s.Fired())
	require.ErrorIs(t, s.Check(), ErrInterrupted)

	// Firing again is a no-op.
	s.Fire()
	assert.True(t, s.Fired())
}

func TestSignalBroadcast(t *testing.T) {
	t.Parallel()

	s := NewSignal()
	const readers = 10
	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			<-s.Done()
		}()
	}
	s.Fire()
	wg.Wait()
}

func TestNilSignalIsInert(t *testing.T) {
	t.Parallel()

	var s *Signal
	assert.False(t, s.Fired())
	assert.NoError(t, s.Check())
	select {
	case <-s.Done():
		t.Fatal("nil signal must never fire")
	default:
	}
}
