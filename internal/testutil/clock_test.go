package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepClock_Advances(t *testing.T) {
	c := NewStepClock(time.Time{}, time.Millisecond)

	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Millisecond), c.Now())
	assert.Equal(t, Epoch.Add(2*time.Millisecond), c.Peek())

	c.Reset()
	assert.Equal(t, Epoch, c.Peek())
}

func TestStepClock_ThreadSafe(t *testing.T) {
	c := NewStepClock(time.Time{}, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Now()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, Epoch.Add(1000*time.Second), c.Peek())
}

func TestFixedIDGenerator(t *testing.T) {
	g := NewFixedIDGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Equal(t, "id-3", g.Generate())
}

func TestDeferred_ResolveOnce(t *testing.T) {
	d := NewDeferred[int]()
	assert.False(t, d.Settled())

	d.Resolve(100)
	d.Resolve(200)
	d.Reject(errors.New("ignored"))

	v, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, v)
	assert.True(t, d.Settled())
}

func TestDeferred_Reject(t *testing.T) {
	d := NewDeferred[string]()
	d.Reject(errors.New("io failed"))

	_, err := d.Wait(context.Background())
	require.EqualError(t, err, "io failed")
}

func TestDeferred_WaitHonoursContext(t *testing.T) {
	d := NewDeferred[int]()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := d.Wait(ctx)
		errc <- err
	}()

	<-d.Waiting()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
