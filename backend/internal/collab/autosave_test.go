package collab

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFlusher struct{ n atomic.Int32 }

func (f *countingFlusher) FlushDirty(context.Context) int {
	f.n.Add(1)
	return 0
}

func TestAutosaver_RejectsInvalidCron(t *testing.T) {
	_, err := NewAutosaver("not a cron", &countingFlusher{}, nil)
	require.Error(t, err)
}

func TestAutosaver_NextTick(t *testing.T) {
	a, err := NewAutosaver("*/5 * * * *", &countingFlusher{}, nil)
	require.NoError(t, err)

	ref := time.Date(2024, 3, 1, 10, 2, 30, 0, time.UTC)
	next, err := a.Next(ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC), next)
}

type cancellingFlusher struct {
	n      atomic.Int32
	cancel context.CancelFunc
}

func (f *cancellingFlusher) FlushDirty(context.Context) int {
	f.n.Add(1)
	f.cancel()
	return 1
}

func TestAutosaver_RunWaitsUntilNextTickThenFlushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &cancellingFlusher{cancel: cancel}

	a, err := NewAutosaver("*/5 * * * *", f, nil)
	require.NoError(t, err)
	fixed := time.Date(2024, 3, 1, 10, 2, 30, 0, time.UTC)
	a.now = func() time.Time { return fixed }
	var waited time.Duration
	a.after = func(d time.Duration) <-chan time.Time {
		waited = d
		ch := make(chan time.Time, 1)
		ch <- fixed.Add(d)
		return ch
	}

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("autosaver did not stop")
	}
	assert.Equal(t, int32(1), f.n.Load())
	assert.Equal(t, 2*time.Minute+30*time.Second, waited)
}
