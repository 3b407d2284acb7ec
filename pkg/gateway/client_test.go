package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(2, 10)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, _, _ := limiter.Acquire()
		assert.True(t, ok)
		limiter.Release()
	}

	ok, code, reason := limiter.Acquire()
	assert.False(t, ok)
	assert.Equal(t, RateLimitExceeded, code)
	assert.Equal(t, "rate limit exceeded", reason)

	now = now.Add(61 * time.Second)
	ok, _, _ = limiter.Acquire()
	assert.True(t, ok)
}

func TestRateLimiter_Concurrency(t *testing.T) {
	limiter := NewRateLimiter(100, 1)

	ok, _, _ := limiter.Acquire()
	assert.True(t, ok)

	ok, code, _ := limiter.Acquire()
	assert.False(t, ok)
	assert.Equal(t, TooManyConcurrent, code)

	limiter.Release()
	ok, _, _ = limiter.Acquire()
	assert.True(t, ok)
}

func TestRateLimiter_Defaults(t *testing.T) {
	limiter := NewRateLimiter(0, -1)
	assert.Equal(t, 60, limiter.requestsPerMinute)
	assert.Equal(t, 10, limiter.maxConcurrent)
}

func TestClientRegistry(t *testing.T) {
	registry := NewClientRegistry()
	a := &Client{ID: "a", connectedAt: time.Now(), lastActivity: time.Now()}
	b := &Client{ID: "b", authenticated: true, connectedAt: time.Now(), lastActivity: time.Now().Add(-10 * time.Minute)}
	registry.Add(a)
	registry.Add(b)

	assert.Equal(t, 2, registry.Count())
	authed := registry.Authenticated()
	if assert.Len(t, authed, 1) {
		assert.Equal(t, "b", authed[0].ID)
	}

	infos := registry.Infos()
	assert.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, info.ID == "b", info.Idle)
	}

	registry.Remove("a")
	assert.Equal(t, 1, registry.Count())
}

func TestClientEnqueueFullQueue(t *testing.T) {
	client := &Client{ID: "slow", send: make(chan []byte, 1), done: make(chan struct{})}

	assert.True(t, client.enqueue([]byte("1")))
	assert.False(t, client.enqueue([]byte("2")))

	close(client.done)
	<-client.send
	assert.False(t, client.enqueue([]byte("3")))
}
