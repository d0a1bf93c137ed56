package smartlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockDisjointKeysRunConcurrently(t *testing.T) {
	l := New()

	var running int32
	var maxRunning int32

	var wg sync.WaitGroup

	for _, keys := range [][]string{{"a"}, {"b"}, {"c"}} {
		keys := keys

		wg.Add(1)

		go func() {
			defer wg.Done()

			err := l.WithLock(keys, func() error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxRunning)
					if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
						break
					}
				}

				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)

				return nil
			})
			require.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(3), maxRunning, "disjoint key sets must run concurrently")
}

func TestWithLockIntersectingKeysAreSerialized(t *testing.T) {
	l := New()

	var running int32
	var sawOverlap int32

	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := l.WithLock([]string{"shared", "x"}, func() error {
				if atomic.AddInt32(&running, 1) > 1 {
					atomic.StoreInt32(&sawOverlap, 1)
				}

				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)

				return nil
			})
			require.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(0), sawOverlap, "intersecting key sets must never run concurrently")
}

func TestReorgLockDrainsAndBlocksKeyedHolders(t *testing.T) {
	l := New()

	holderStarted := make(chan struct{})
	holderRelease := make(chan struct{})

	go func() {
		_ = l.WithLock([]string{"tx1"}, func() error {
			close(holderStarted)
			<-holderRelease

			return nil
		})
	}()

	<-holderStarted

	reorgDone := make(chan struct{})

	go func() {
		_ = l.ReorgLock(func() error {
			close(reorgDone)

			return nil
		})
	}()

	select {
	case <-reorgDone:
		t.Fatal("reorg_lock must not run while a keyed holder is active")
	case <-time.After(30 * time.Millisecond):
	}

	newWaiterStarted := make(chan struct{})

	go func() {
		_ = l.WithLock([]string{"tx2"}, func() error {
			close(newWaiterStarted)

			return nil
		})
	}()

	select {
	case <-newWaiterStarted:
		t.Fatal("new with_lock callers must block once a reorg is pending")
	case <-time.After(30 * time.Millisecond):
	}

	close(holderRelease)

	select {
	case <-reorgDone:
	case <-time.After(time.Second):
		t.Fatal("reorg_lock never ran after the holder drained")
	}

	select {
	case <-newWaiterStarted:
	case <-time.After(time.Second):
		t.Fatal("with_lock never resumed after reorg_lock released")
	}
}
