package reservation_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetctl/fleetctl/internal/service/reservation"
)

func TestAcquire_Exclusive(t *testing.T) {
	s := reservation.New()

	release, ok := s.Acquire("acct-1", "allocate")
	assert.True(t, ok)

	_, ok = s.Acquire("acct-1", "migrate")
	assert.False(t, ok)

	holder, held := s.Held("acct-1")
	assert.True(t, held)
	assert.Equal(t, "allocate", holder)

	release()
	release()
	_, ok = s.Acquire("acct-1", "migrate")
	assert.True(t, ok)
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	s := reservation.New()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Acquire("acct", "x"); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
