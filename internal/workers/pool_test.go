package workers

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var running, peak atomic.Int32
	for i := 0; i < 10; i++ {
		p.Post(func() {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
	}
	p.Wait()
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Equal(t, int32(0), running.Load())
}

func TestPostDoesNotBlock(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	var ran sync.WaitGroup
	ran.Add(3)
	start := time.Now()
	for i := 0; i < 3; i++ {
		p.Post(func() {
			<-release
			ran.Done()
		})
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
	close(release)
	ran.Wait()
	p.Close()
}

func TestClosedPoolDropsTasks(t *testing.T) {
	p := New(0)
	require.Positive(t, p.Size())
	p.Close()
	var ran atomic.Bool
	p.Post(func() { ran.Store(true) })
	p.Wait()
	require.False(t, ran.Load())
}
