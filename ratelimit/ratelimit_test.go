package ratelimit_test

import (
	"sync"
	"testing"
	"time"

	"github.com/finsight/finsight/ratelimit"
)

// fakeClock gives tests control over the limiter's view of time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_AdmitsUpToCapacity(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(3, time.Minute, ratelimit.WithClock(clock.Now))

	for i := range 3 {
		ok, _ := l.Admit("alice")
		if !ok {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}

	ok, retryAfter := l.Admit("alice")
	if ok {
		t.Fatal("request over capacity should be denied")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %v, want positive", retryAfter)
	}
	if retryAfter > time.Minute+time.Millisecond {
		t.Errorf("retryAfter = %v, should not exceed the window", retryAfter)
	}
}

func TestLimiter_DenialIsNotCounted(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(1, time.Minute, ratelimit.WithClock(clock.Now))

	l.Admit("bob")
	for range 10 {
		l.Admit("bob") // denied, must not extend the window
	}

	if got := l.Pending("bob"); got != 1 {
		t.Errorf("Pending = %d, want 1 (denials not recorded)", got)
	}

	clock.Advance(time.Minute + time.Millisecond)
	ok, _ := l.Admit("bob")
	if !ok {
		t.Error("request after window elapsed should be admitted")
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(2, time.Minute, ratelimit.WithClock(clock.Now))

	l.Admit("carol")
	clock.Advance(30 * time.Second)
	l.Admit("carol")

	// Full: the oldest entry expires in 30s.
	ok, retryAfter := l.Admit("carol")
	if ok {
		t.Fatal("expected denial at capacity")
	}
	if retryAfter != 30*time.Second {
		t.Errorf("retryAfter = %v, want 30s", retryAfter)
	}

	// After the oldest entry leaves the window there is room again.
	clock.Advance(30*time.Second + time.Millisecond)
	if ok, _ := l.Admit("carol"); !ok {
		t.Error("expected admission after oldest entry expired")
	}
}

func TestLimiter_PrincipalsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(1, time.Minute, ratelimit.WithClock(clock.Now))

	if ok, _ := l.Admit("dave"); !ok {
		t.Fatal("dave's first request should be admitted")
	}
	if ok, _ := l.Admit("dave"); ok {
		t.Fatal("dave's second request should be denied")
	}
	if ok, _ := l.Admit("erin"); !ok {
		t.Error("erin should not be affected by dave's window")
	}
}

func TestLimiter_ConcurrentAdmission(t *testing.T) {
	l := ratelimit.New(50, time.Minute)

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 200)
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Admit("frank"); ok {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	n := 0
	for range admitted {
		n++
	}
	if n != 50 {
		t.Errorf("admitted %d concurrent requests, want exactly 50", n)
	}
}
