package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestHandleResolve(t *testing.T) {
	h := newHandle()
	h.resolve("payload")

	v, err := h.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if v != "payload" {
		t.Fatalf("value = %v", v)
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("Done channel should be closed after resolve")
	}
}

func TestHandleReject(t *testing.T) {
	h := newHandle()
	boom := errors.New("boom")
	h.reject(boom)

	if _, err := h.Await(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestHandleResolvesExactlyOnce(t *testing.T) {
	h := newHandle()
	h.resolve("first")
	h.reject(errors.New("too late"))
	h.resolve("also too late")

	v, err := h.Await(context.Background())
	if err != nil || v != "first" {
		t.Fatalf("got (%v, %v), want (first, nil)", v, err)
	}
}

func TestHandleAwaitHonorsContext(t *testing.T) {
	h := newHandle()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// A later resolve still satisfies fresh waiters.
	h.resolve(1)
	if v, err := h.Await(context.Background()); err != nil || v != 1 {
		t.Fatalf("got (%v, %v)", v, err)
	}
}

func TestHandleConcurrentWaiters(t *testing.T) {
	h := newHandle()

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := h.Await(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			results[i] = v
		}(i)
	}

	h.resolve("shared")
	wg.Wait()

	for i, v := range results {
		if v != "shared" {
			t.Fatalf("waiter %d saw %v", i, v)
		}
	}
}
