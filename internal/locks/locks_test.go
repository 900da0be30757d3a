package locks

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	var k Keyed
	const goroutines = 16

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Lock("a")
			counter++
			k.Unlock("a")
		}()
	}
	wg.Wait()

	if counter != goroutines {
		t.Fatalf("expected %d increments, got %d", goroutines, counter)
	}
}

func TestDistinctKeysDoNotBlockEachOther(t *testing.T) {
	var k Keyed
	k.Lock("a")

	done := make(chan struct{})
	go func() {
		k.Lock("b")
		k.Unlock("b")
		close(done)
	}()
	<-done

	k.Unlock("a")
}

func TestEntriesReclaimedAfterRelease(t *testing.T) {
	var k Keyed
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		key := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k.Lock(key)
				k.Unlock(key)
			}
		}()
	}
	wg.Wait()

	if n := k.Len(); n != 0 {
		t.Fatalf("expected all entries reclaimed, %d remain", n)
	}
}

func TestUnlockUnheldKeyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	var k Keyed
	k.Unlock("never-locked")
}
