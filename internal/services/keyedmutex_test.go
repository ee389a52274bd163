package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.lock("c1|p1|s1")
			counter++
			km.unlock("c1|p1|s1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, km.size(), "entries are dropped once the last holder unlocks")
}

func TestKeyedMutex_IndependentKeysDoNotAccumulate(t *testing.T) {
	km := newKeyedMutex()

	keys := []string{"c1|p1|", "c1|p2|", "c2|p1|s9"}
	var wg sync.WaitGroup
	for _, key := range keys {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				km.lock(k)
				km.unlock(k)
			}(key)
		}
	}
	wg.Wait()

	assert.Equal(t, 0, km.size())
}
