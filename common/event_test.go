package common

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvent_Broadcast_Wakes_All_Waiters(t *testing.T) {
	var mu sync.Mutex
	e := NewEvent(&mu)

	ready := false
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			for !ready {
				e.Wait()
			}
			mu.Unlock()
		}()
	}

	// let the waiters block first
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	ready = true
	e.Broadcast()
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters were not woken by broadcast")
	}
}

func TestPanicIfErr(t *testing.T) {
	assert.NotPanics(t, func() { PanicIfErr(nil) })
	assert.Panics(t, func() { PanicIfErr(assert.AnError) })
}
