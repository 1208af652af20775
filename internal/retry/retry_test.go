package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsAfterAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Interval: time.Millisecond, Attempts: 3}, func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoSucceedsEventually(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Interval: time.Millisecond, Attempts: 5}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("fatal")
	err := Do(context.Background(), Policy{Interval: time.Millisecond, Attempts: 5}, func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestDoZeroPolicyRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if calls != 1 {
		t.Fatalf("expected one attempt, got %d", calls)
	}
}

func TestPollTimeoutReturnsFalse(t *testing.T) {
	start := time.Now()
	ok, err := Poll(context.Background(), Policy{Interval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond}, func(context.Context) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected false on timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("poll exceeded its timeout: %s", elapsed)
	}
}

func TestPollParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Poll(ctx, Policy{Interval: time.Millisecond, Attempts: 3}, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
