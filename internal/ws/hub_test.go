package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
	fail     bool
}

func (r *recorder) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recorder) received() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestHubDeliversByTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a, b := &recorder{}, &recorder{}
	hub.Register("dep-a", a)
	hub.Register("dep-b", b)
	hub.Broadcast("dep-a", []byte("hello"))

	waitFor(t, func() bool { return a.received() == 1 })
	if b.received() != 0 {
		t.Fatalf("expected other topic untouched")
	}
	if hub.Subscribers("dep-a") != 1 {
		t.Fatalf("expected one subscriber")
	}
}

func TestHubDropsFailingClients(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	bad := &recorder{fail: true}
	hub.Register("dep", bad)
	hub.Broadcast("dep", []byte("x"))

	waitFor(t, func() bool { return hub.Subscribers("dep") == 0 })
	bad.mu.Lock()
	defer bad.mu.Unlock()
	if !bad.closed {
		t.Fatalf("expected failing client closed")
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	c := &recorder{}
	hub.Register("dep", c)
	hub.Close()
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closed
	})
	hub.Broadcast("dep", []byte("late"))
	hub.Close()
}
