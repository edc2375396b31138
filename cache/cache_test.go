package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"batchgofer/batcher"
)

func TestMemoryGetSet(t *testing.T) {
	m, err := NewMemory[string, int](10, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer m.Close()

	if _, ok := m.Get("a"); ok {
		t.Fatal("Get on empty cache returned a value")
	}

	m.Set("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get = %d, %v, want 1, true", v, ok)
	}
}

func TestNewMemoryValidatesArguments(t *testing.T) {
	if _, err := NewMemory[string, int](0, time.Minute); err == nil {
		t.Fatal("NewMemory accepted zero size")
	}
	if _, err := NewMemory[string, int](10, 0); err == nil {
		t.Fatal("NewMemory accepted zero ttl")
	}
	if _, err := NewMemory[string, int](10, -time.Second); err == nil {
		t.Fatal("NewMemory accepted negative ttl")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m, err := NewMemory[string, int](10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer m.Close()

	m.Set("a", 1)
	time.Sleep(40 * time.Millisecond)
	if _, ok := m.Get("a"); ok {
		t.Fatal("Get returned an expired entry")
	}
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	m, err := NewMemory[int, int](2, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer m.Close()

	m.Set(1, 1)
	m.Set(2, 2)
	m.Set(3, 3)
	if _, ok := m.Get(1); ok {
		t.Fatal("oldest entry not evicted at capacity")
	}
	if _, ok := m.Get(3); !ok {
		t.Fatal("newest entry missing")
	}
}

func newTestBatcher(t *testing.T, calls *[][]string, mu *sync.Mutex) *batcher.Batcher[string, string] {
	t.Helper()
	b, err := batcher.New(batcher.Options[string, string]{
		BatchingFunction: func(ctx context.Context, inputs []string) ([]batcher.Result[string], error) {
			mu.Lock()
			*calls = append(*calls, append([]string(nil), inputs...))
			mu.Unlock()
			outputs := make([]batcher.Result[string], len(inputs))
			for i, in := range inputs {
				outputs[i] = batcher.Value("v:" + in)
			}
			return outputs, nil
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("batcher.New: %v", err)
	}
	return b
}

func TestMemoizerDeduplicatesInflight(t *testing.T) {
	var mu sync.Mutex
	var calls [][]string
	b := newTestBatcher(t, &calls, &mu)
	m := NewMemoizer(b, NewNoop[string, string](), zerolog.Nop())
	defer m.Close()

	t1 := m.GetResult("a")
	t2 := m.GetResult("a")
	if t1 != t2 {
		t.Fatal("concurrent identical keys did not share a ticket")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := t1.Wait(ctx)
	if err != nil || v != "v:a" {
		t.Fatalf("Wait = %q, %v, want \"v:a\", nil", v, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || len(calls[0]) != 1 {
		t.Fatalf("batch calls = %v, want one single-input batch", calls)
	}
}

func TestMemoizerServesFromCache(t *testing.T) {
	var mu sync.Mutex
	var calls [][]string
	b := newTestBatcher(t, &calls, &mu)
	c, err := NewMemory[string, string](10, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	m := NewMemoizer(b, c, zerolog.Nop())
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if v, err := m.GetResult("a").Wait(ctx); err != nil || v != "v:a" {
		t.Fatalf("first Wait = %q, %v", v, err)
	}

	// The settled result is cached asynchronously.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := c.Get("a"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("settled result never reached the cache")
		}
		time.Sleep(time.Millisecond)
	}

	if v, err := m.GetResult("a").Wait(ctx); err != nil || v != "v:a" {
		t.Fatalf("cached Wait = %q, %v", v, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("batching function called %d times, want 1 (second request cached)", len(calls))
	}
}

func TestMemoizerDoesNotCacheFailures(t *testing.T) {
	b, err := batcher.New(batcher.Options[string, string]{
		BatchingFunction: func(ctx context.Context, inputs []string) ([]batcher.Result[string], error) {
			outputs := make([]batcher.Result[string], len(inputs))
			for i := range inputs {
				outputs[i] = batcher.Fail[string](context.DeadlineExceeded)
			}
			return outputs, nil
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("batcher.New: %v", err)
	}
	c, err := NewMemory[string, string](10, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	m := NewMemoizer(b, c, zerolog.Nop())
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.GetResult("a").Wait(ctx); err == nil {
		t.Fatal("Wait: expected error")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("failed result was cached")
	}
}
