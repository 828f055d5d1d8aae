package fiber

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/goroutineid"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetThreadID(t *testing.T) {
	id := GetThreadID()
	assert.Positive(t, id)
	assert.Equal(t, id, GetThreadID())

	const n = 8
	ids := make([]int, n)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = GetThreadID()
		}()
	}
	wg.Wait()

	seen := map[int]bool{id: true}
	for _, v := range ids {
		assert.False(t, seen[v], "duplicate thread id %d", v)
		seen[v] = true
	}
}

func TestGetGoroutineID(t *testing.T) {
	id := getGoroutineID()
	assert.Positive(t, id)
	assert.Equal(t, goroutineid.Slow(), id)

	other := make(chan int64, 1)
	go func() { other <- getGoroutineID() }()
	select {
	case v := <-other:
		assert.Positive(t, v)
		assert.NotEqual(t, id, v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestGetThreadID_InsideFiber(t *testing.T) {
	id := GetThreadID()
	var inner int
	var name string
	f := NewFiber(func() {
		inner = GetThreadID()
		name = GetThreadName()
	}, 0)
	defer f.Destroy()
	f.Resume()

	assert.Equal(t, id, inner)
	assert.Equal(t, GetThreadName(), name)
}

func TestThreadName_Default(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Regexp(t, `^thread_\d+$`, GetThreadName())
	}()
	waitFor(t, done, "thread name")
}

func TestHookEnabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.False(t, HookEnabled())
		SetHookEnabled(true)
		assert.True(t, HookEnabled())

		// fibers see the flag of the thread resuming them
		var inFiber bool
		f := NewFiber(func() { inFiber = HookEnabled() }, 0)
		f.Resume()
		f.Destroy()
		assert.True(t, inFiber)

		SetHookEnabled(false)
		assert.False(t, HookEnabled())
	}()
	waitFor(t, done, "hook flag")
}

func TestBind(t *testing.T) {
	ctx := newThreadContext("bound")
	done := make(chan struct{})
	go func() {
		defer close(done)
		unbind := ctx.bind()
		assert.Equal(t, ctx.id, GetThreadID())
		assert.Equal(t, "bound", GetThreadName())
		main := GetThis()
		assert.Same(t, ctx.main, main)
		unbind()
		assert.Nil(t, lookupThread())
		assert.Nil(t, ctx.main)
		assert.Nil(t, ctx.current)
	}()
	waitFor(t, done, "bound thread")
}

func TestOptions(t *testing.T) {
	_, err := NewScheduler(WithThreads(0))
	assert.ErrorIs(t, err, ErrInvalidThreadCount)

	_, err = NewScheduler(WithMaxPollTimeout(0))
	assert.ErrorIs(t, err, ErrInvalidPollTimeout)

	cfg, err := resolveOptions([]Option{nil, WithName("n"), WithThreads(2)})
	require.NoError(t, err)
	assert.Equal(t, "n", cfg.name)
	assert.Equal(t, 2, cfg.threads)
	assert.True(t, cfg.useCaller)

	logger := NewJSONLogger(io.Discard, logiface.LevelInformational)
	cfg, err = resolveOptions([]Option{WithLogger(logger)})
	require.NoError(t, err)
	assert.Same(t, logger, cfg.logger)

	cfg, err = resolveOptions([]Option{WithLogger(nil)})
	require.NoError(t, err)
	assert.Nil(t, cfg.logger)
	assert.True(t, cfg.loggerSet)
}
