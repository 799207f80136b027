package billing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 100 * time.Millisecond
	var lastState BreakerState
	cb := NewCircuitBreaker(threshold, timeout, func(state BreakerState) {
		lastState = state
	})

	// Initial state: Closed
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		err := cb.Execute(func() error { return errors.New("fail") })
		assert.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure should open the circuit
	err := cb.Execute(func() error { return errors.New("fail") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	// When open, Execute should fail fast
	called := false
	err = cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Successful execute in half-open should close the circuit
	err = cb.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)

	for i := 0; i < threshold; i++ {
		_ = cb.Execute(func() error { return errors.New("fail") })
	}
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Fail in half-open
	err = cb.Execute(func() error { return errors.New("fail") })
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker(0, time.Second, nil)
	assert.Nil(t, cb)

	for i := 0; i < 10; i++ {
		err := cb.Execute(func() error { return errors.New("fail") })
		assert.EqualError(t, err, "fail")
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cb := NewCircuitBreaker(1000, time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = cb.Execute(func() error {
				if id%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateClosed, cb.State())
}
