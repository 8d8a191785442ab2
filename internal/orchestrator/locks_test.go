package orchestrator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	const workers = 16
	const rounds = 100

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				unlock := km.lock("deposit-1")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, workers*rounds, counter)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.lock("a")
	unlockB := km.lock("b")
	unlockA()
	unlockB()

	km.mu.Lock()
	defer km.mu.Unlock()
	require.Empty(t, km.entries)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.lock("b")
		unlockB()
		close(done)
	}()
	<-done
}
