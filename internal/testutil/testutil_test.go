package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/pistonsync/internal/engine"
)

func TestManualClock(t *testing.T) {
	c := NewManualClock()
	assert.Equal(t, Epoch, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), c.Now())

	c.Advance(-time.Hour)
	assert.Equal(t, Epoch.Add(90*time.Second), c.Now(), "never moves backwards")
}

func TestManualClockConcurrentAdvance(t *testing.T) {
	c := NewManualClock()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
	}
	wg.Wait()
	assert.Equal(t, Epoch.Add(50*time.Second), c.Now())
}

func TestFixedSessionGenerator(t *testing.T) {
	var gen engine.IDGenerator = NewFixedSessionGenerator("s-1")
	for i := 0; i < 3; i++ {
		assert.Equal(t, "s-1", gen.Generate())
	}
	assert.Equal(t, "test-session-default", NewFixedSessionGenerator("").Generate())
}
