package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"batchgofer/internal/config"
	"batchgofer/internal/jsonrpc"
)

// echoUpstream is a JSON-RPC test server answering every request with its
// own params as the result. It records the size of every batch it serves.
type echoUpstream struct {
	mu         sync.Mutex
	batchSizes []int
	rejections int32 // remaining calls to reject with 429
}

func (e *echoUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&e.rejections, -1) >= 0 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		data, _ := io.ReadAll(r.Body)
		requests, isBatch, err := jsonrpc.ParseBatchRequest(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if isBatch {
			e.mu.Lock()
			e.batchSizes = append(e.batchSizes, len(requests))
			e.mu.Unlock()
		}

		responses := make([]*jsonrpc.Response, len(requests))
		for i, req := range requests {
			responses[i] = jsonrpc.NewResponse(req.ID, req.Params)
		}

		w.Header().Set("Content-Type", "application/json")
		if isBatch {
			json.NewEncoder(w).Encode(responses)
			return
		}
		json.NewEncoder(w).Encode(responses[0])
	}
}

func (e *echoUpstream) batches() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.batchSizes...)
}

func newTestDispatcher(t *testing.T, upstreamURL string, methodCfg config.BatchMethodConfig) *Dispatcher {
	t.Helper()
	cfg := &config.Config{
		UpstreamURL:    upstreamURL,
		RequestTimeout: 2000,
		Methods:        map[string]config.BatchMethodConfig{"test_echo": methodCfg},
	}
	up := NewUpstream(cfg.UpstreamURL, cfg.GetRequestTimeoutDuration(), zerolog.Nop())
	d, err := NewDispatcher(cfg, up, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func dispatchParams(t *testing.T, d *Dispatcher, method string, i int) *jsonrpc.Response {
	t.Helper()
	req := &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  method,
		Params:  json.RawMessage(fmt.Sprintf("[%d]", i)),
		ID:      jsonrpc.NewIDInt(int64(i)),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Dispatch(ctx, req)
}

func TestDispatcherBatchesConcurrentRequests(t *testing.T) {
	echo := &echoUpstream{}
	srv := httptest.NewServer(echo.handler())
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, config.BatchMethodConfig{QueuingDelay: 50})
	defer d.Close()

	responses := make([]*jsonrpc.Response, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = dispatchParams(t, d, "test_echo", i)
		}(i)
	}
	wg.Wait()

	for i, resp := range responses {
		if resp.HasError() {
			t.Fatalf("response[%d] error: %v", i, resp.Error)
		}
		if got, want := string(resp.Result), fmt.Sprintf("[%d]", i); got != want {
			t.Fatalf("response[%d] result = %s, want %s", i, got, want)
		}
	}

	batches := echo.batches()
	if len(batches) != 1 || batches[0] != 3 {
		t.Fatalf("upstream batch sizes = %v, want [3]", batches)
	}
}

func TestDispatcherRetriesRateLimitedBatch(t *testing.T) {
	echo := &echoUpstream{rejections: 1}
	srv := httptest.NewServer(echo.handler())
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, config.BatchMethodConfig{QueuingDelay: 5})
	defer d.Close()

	resp := dispatchParams(t, d, "test_echo", 1)
	if resp.HasError() {
		t.Fatalf("response error after retry: %v", resp.Error)
	}
	if got := string(resp.Result); got != "[1]" {
		t.Fatalf("result = %s, want [1]", got)
	}
}

func TestDispatcherFailsAfterRepeatedRateLimiting(t *testing.T) {
	// More rejections than the retry budget: the rate-limit error must reach
	// the caller instead of the request requeuing forever.
	echo := &echoUpstream{rejections: 1000}
	srv := httptest.NewServer(echo.handler())
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, config.BatchMethodConfig{QueuingDelay: 5})
	defer d.Close()

	resp := dispatchParams(t, d, "test_echo", 1)
	if !resp.HasError() {
		t.Fatalf("expected rate-limit error, got result %s", resp.Result)
	}
	if resp.Error.Code != jsonrpc.CodeRateLimited {
		t.Fatalf("error code = %d, want %d", resp.Error.Code, jsonrpc.CodeRateLimited)
	}

	rejected := 1000 - atomic.LoadInt32(&echo.rejections)
	if rejected != maxRateLimitRetries {
		t.Fatalf("upstream called %d times, want %d (bounded retries)", rejected, maxRateLimitRetries)
	}
}

func TestDispatcherPassthroughForUnconfiguredMethod(t *testing.T) {
	echo := &echoUpstream{}
	srv := httptest.NewServer(echo.handler())
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, config.BatchMethodConfig{})
	defer d.Close()

	resp := dispatchParams(t, d, "other_method", 7)
	if resp.HasError() {
		t.Fatalf("passthrough error: %v", resp.Error)
	}
	if got := string(resp.Result); got != "[7]" {
		t.Fatalf("result = %s, want [7]", got)
	}
	if batches := echo.batches(); len(batches) != 0 {
		t.Fatalf("passthrough went through batching: %v", batches)
	}
}

func TestDispatcherDrain(t *testing.T) {
	echo := &echoUpstream{}
	srv := httptest.NewServer(echo.handler())
	defer srv.Close()

	// A long queuing delay: only Drain's flush can get the request served.
	d := newTestDispatcher(t, srv.URL, config.BatchMethodConfig{QueuingDelay: 60000})
	defer d.Close()

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		done <- dispatchParams(t, d, "test_echo", 1)
	}()

	// Wait for the request to be queued before draining.
	deadline := time.Now().Add(time.Second)
	for d.methods["test_echo"].Idling() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	select {
	case resp := <-done:
		if resp.HasError() {
			t.Fatalf("response error: %v", resp.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request not served by drain")
	}
}
