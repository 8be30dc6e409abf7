package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_Burst(t *testing.T) {
	l := New(1, 3)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "attempt %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "other keys have their own bucket")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestLimiter_Cleanup(t *testing.T) {
	l := New(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("a")
	now = now.Add(time.Hour)
	l.Allow("b")
	l.Cleanup(time.Minute)
	assert.Len(t, l.limiters, 1)
	_, ok := l.limiters["b"]
	assert.True(t, ok)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", ClientIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", ClientIP(r), "forwarding headers are ignored")

	// as rewritten by handlers.ProxyHeaders
	r.RemoteAddr = "203.0.113.7"
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}
