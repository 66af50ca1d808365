package foundation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestEpoch_HighContention stresses the epoch with concurrent readers and writers
func TestEpoch_HighContention(t *testing.T) {
	epoch := NewEnhancedEpoch()

	writers := 5
	readers := 20
	iterations := 1000

	var wg sync.WaitGroup
	var wakes atomic.Int64
	stop := make(chan struct{})

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := epoch.Reader()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if r.WaitForChange(time.Millisecond) {
					wakes.Add(1)
				}
			}
		}()
	}

	var writersWg sync.WaitGroup
	for i := 0; i < writers; i++ {
		writersWg.Add(1)
		go func() {
			defer writersWg.Done()
			for j := 0; j < iterations; j++ {
				epoch.Increment()
			}
		}()
	}
	writersWg.Wait()
	close(stop)
	wg.Wait()

	assert.Equal(t, uint32(writers*iterations), epoch.GetValue())
	assert.Greater(t, wakes.Load(), int64(0))
}
