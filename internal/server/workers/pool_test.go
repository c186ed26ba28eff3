package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := NewPool("t", 2, 8, CallerRuns, logging.NewDiscardLogger())
	p.Start()

	var n atomic.Int32
	for i := 0; i < 20; i++ {
		p.Submit(context.Background(), func(context.Context) { n.Add(1) })
	}
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int32(20), n.Load())
}

func TestPool_CallerRunsWhenFull(t *testing.T) {
	p := NewPool("t", 1, 0, CallerRuns, logging.NewDiscardLogger())

	ran := false
	ok := p.Submit(context.Background(), func(context.Context) { ran = true })
	assert.True(t, ok)
	assert.True(t, ran)
}

func TestPool_DiscardWhenFull(t *testing.T) {
	p := NewPool("t", 1, 0, Discard, logging.NewDiscardLogger())

	ran := false
	ok := p.Submit(context.Background(), func(context.Context) { ran = true })
	assert.False(t, ok)
	assert.False(t, ran)
}

func TestPool_DoReturnsResult(t *testing.T) {
	p := NewPool("t", 1, 1, CallerRuns, logging.NewDiscardLogger())
	p.Start()
	defer p.Stop(context.Background())

	err := p.Do(context.Background(), func(context.Context) error { return errors.New("bad") })
	assert.EqualError(t, err, "bad")

	assert.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestPool_DoRecoversPanic(t *testing.T) {
	p := NewPool("t", 1, 1, CallerRuns, logging.NewDiscardLogger())
	p.Start()
	defer p.Stop(context.Background())

	err := p.Do(context.Background(), func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// the worker survives
	assert.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestPool_DoRejectedUnderDiscard(t *testing.T) {
	p := NewPool("t", 1, 0, Discard, logging.NewDiscardLogger())
	err := p.Do(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrRejected)
}

func TestPool_DoHonoursContext(t *testing.T) {
	p := NewPool("t", 1, 1, CallerRuns, logging.NewDiscardLogger())
	p.Start()
	release := make(chan struct{})
	defer func() {
		close(release)
		p.Stop(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := NewPool("t", 1, 4, Discard, logging.NewDiscardLogger())
	p.Start()
	require.NoError(t, p.Stop(context.Background()))

	assert.False(t, p.Submit(context.Background(), func(context.Context) {}))
	require.NoError(t, p.Stop(context.Background()))
}

func TestPools_Lifecycle(t *testing.T) {
	ps := NewPools(Sizes{Workers: 2, Queue: 4}, Sizes{Workers: 1, Queue: 2}, Sizes{Workers: 1, Queue: 2}, logging.NewDiscardLogger())
	ps.Start()

	assert.Equal(t, "e2ee", ps.E2EE.Name())
	assert.Equal(t, CallerRuns, ps.Signature.policy)
	assert.Equal(t, Discard, ps.Cleanup.policy)

	assert.NoError(t, ps.Stop(context.Background()))
}
