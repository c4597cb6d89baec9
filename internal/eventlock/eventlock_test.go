// SPDX-License-Identifier: MIT

package eventlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializesSameKey(t *testing.T) {
	m := NewMap()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("e1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 100, counter)
}

func TestEntriesAreReclaimed(t *testing.T) {
	m := NewMap()
	unlock := m.Lock("e1")
	unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Empty(t, m.locks)
}

func TestIndependentKeysDoNotBlock(t *testing.T) {
	m := NewMap()
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := m.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
}
