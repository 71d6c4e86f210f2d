package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerLocksSerializeSameOwner(t *testing.T) {
	l := newOwnerLocks()
	unlock := l.lock("c1")

	acquired := make(chan struct{})
	go func() {
		release := l.lock("c1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}

func TestOwnerLocksIndependentOwners(t *testing.T) {
	l := newOwnerLocks()
	unlock := l.lock("c1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		l.lock("c2")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for another owner blocked")
	}
}

func TestOwnerLocksAreReleased(t *testing.T) {
	l := newOwnerLocks()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := "a"
			if i%2 == 0 {
				owner = "b"
			}
			l.lock(owner)()
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, l.size())

	var zero Engine
	assert.NotPanics(t, func() {
		unlock, err := zero.lockOwner(context.Background(), "c1")
		require.NoError(t, err)
		unlock()
	})
}
