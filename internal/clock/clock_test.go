package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixed_AdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFixed(start)

	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestFixed_Concurrent(t *testing.T) {
	c := NewFixed(time.Unix(0, 0))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
			_ = c.Now()
		}()
	}
	wg.Wait()
	assert.Equal(t, time.Unix(0, 0).Add(50*time.Millisecond), c.Now())
}

func TestOrReal(t *testing.T) {
	assert.IsType(t, Real{}, OrReal(nil))

	fixed := NewFixed(time.Unix(10, 0))
	assert.Same(t, fixed, OrReal(fixed))
}
