package bufferpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type grantRecorder struct {
	ch chan int64
}

func newGrantRecorder() *grantRecorder {
	return &grantRecorder{ch: make(chan int64, 4)}
}

func (g *grantRecorder) Granted(bytes int64) {
	g.ch <- bytes
}

func TestRequestGranted(t *testing.T) {
	m := NewManager(1024, 512)
	c := newGrantRecorder()
	assert.Equal(t, Granted, m.RequestForIo(c, 512))
	assert.Equal(t, int64(512), m.InUse())
	m.Release(512)
	assert.Zero(t, m.InUse())
}

func TestOverQuota(t *testing.T) {
	m := NewManager(1024, 256)
	c := newGrantRecorder()
	assert.True(t, m.IsOverQuota(512))
	assert.False(t, m.IsOverQuota(256))
	assert.Equal(t, OverQuota, m.RequestForIo(c, 512))
}

func TestQueuedThenGranted(t *testing.T) {
	m := NewManager(1024, 1024)
	first := newGrantRecorder()
	second := newGrantRecorder()
	require.Equal(t, Granted, m.RequestForIo(first, 1024))
	require.Equal(t, Queued, m.RequestForIo(second, 256))

	m.Release(1024)
	select {
	case granted := <-second.ch:
		assert.Equal(t, int64(256), granted)
	case <-time.After(time.Second):
		t.Fatal("expected a grant upcall")
	}
	assert.Equal(t, int64(256), m.InUse())
}

func TestFIFOOrdering(t *testing.T) {
	m := NewManager(100, 100)
	hold := newGrantRecorder()
	require.Equal(t, Granted, m.RequestForIo(hold, 100))

	big := newGrantRecorder()
	small := newGrantRecorder()
	require.Equal(t, Queued, m.RequestForIo(big, 80))
	require.Equal(t, Queued, m.RequestForIo(small, 10))

	// Head of line is the big request; the small one must not jump it.
	m.Release(100)
	select {
	case <-big.ch:
	case <-time.After(time.Second):
		t.Fatal("expected the first waiter to be granted")
	}
	select {
	case <-small.ch:
	case <-time.After(time.Second):
		t.Fatal("expected the second waiter to be granted")
	}
}

func TestCancelRequest(t *testing.T) {
	m := NewManager(100, 100)
	hold := newGrantRecorder()
	require.Equal(t, Granted, m.RequestForIo(hold, 100))

	waiter := newGrantRecorder()
	require.Equal(t, Queued, m.RequestForIo(waiter, 50))
	assert.True(t, m.CancelRequest(waiter))
	assert.False(t, m.CancelRequest(waiter))

	m.Release(100)
	select {
	case <-waiter.ch:
		t.Fatal("cancelled waiter must not be granted")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, m.InUse())
}
