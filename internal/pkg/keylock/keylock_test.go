package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	locks := New()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("conv-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	locks := New()

	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("b")
		unlockB()
		close(done)
	}()

	<-done
}

func TestIdleEntriesEvicted(t *testing.T) {
	locks := New()

	unlock := locks.Lock("conv-1")
	if got := locks.Len(); got != 1 {
		t.Fatalf("Len() while held = %d, want 1", got)
	}
	unlock()
	if got := locks.Len(); got != 0 {
		t.Errorf("Len() after unlock = %d, want 0", got)
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	locks := New()

	unlock := locks.Lock("conv-1")
	unlock()
	unlock() // second call must not panic or corrupt refcounts

	if got := locks.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}
