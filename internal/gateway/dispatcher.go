package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"batchgofer/batcher"
	"batchgofer/cache"
	"batchgofer/internal/config"
	"batchgofer/internal/jsonrpc"
)

// Dispatcher routes client requests either through a per-method batcher or
// directly to the upstream for methods without batching configured.
type Dispatcher struct {
	upstream *Upstream
	methods  map[string]*cache.Memoizer[string, json.RawMessage]
	logger   zerolog.Logger
}

// NewDispatcher builds one batcher per configured method, each fronted by a
// memoizer (with a shared-config LRU cache, or in-flight dedup only when
// caching is disabled).
func NewDispatcher(cfg *config.Config, up *Upstream, logger zerolog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		upstream: up,
		methods:  make(map[string]*cache.Memoizer[string, json.RawMessage]),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}

	for method, methodCfg := range cfg.Methods {
		b, err := batcher.New(batcher.Options[string, json.RawMessage]{
			BatchingFunction:  batchFunc(up, method, cfg.GetRequestTimeoutDuration()),
			MaxBatchSize:      methodCfg.MaxBatchSize,
			QueuingDelay:      methodCfg.GetQueuingDelayDuration(),
			QueuingThresholds: methodCfg.QueuingThresholds,
		}, logger.With().Str("method", method).Logger())
		if err != nil {
			return nil, fmt.Errorf("method '%s': %w", method, err)
		}

		var methodCache cache.Cache[string, json.RawMessage]
		if cfg.IsCacheEnabled() {
			methodCache, err = cache.NewMemory[string, json.RawMessage](cfg.Cache.Size, cfg.Cache.GetTTLDuration())
			if err != nil {
				return nil, fmt.Errorf("method '%s': %w", method, err)
			}
		} else {
			methodCache = cache.NewNoop[string, json.RawMessage]()
		}

		d.methods[method] = cache.NewMemoizer(b, methodCache, logger)
		d.logger.Info().
			Str("method", method).
			Int("maxBatchSize", methodCfg.MaxBatchSize).
			Msg("batching enabled")
	}

	return d, nil
}

// maxRateLimitRetries bounds how many times one request is requeued after a
// rate-limited upstream call before the rate-limit error reaches the caller.
const maxRateLimitRetries = 5

// batchFunc builds the batching function for one method: it ships the
// accumulated params as a JSON-RPC batch and maps responses back per entry.
// A rate-limited call (whole batch or single entry) becomes a retry, up to
// maxRateLimitRetries attempts per request.
func batchFunc(up *Upstream, method string, timeout time.Duration) batcher.BatchingFunc[string, json.RawMessage] {
	var mu sync.Mutex
	attempts := make(map[string]int)

	retryOrFail := func(params string, rpcErr *jsonrpc.Error) batcher.Result[json.RawMessage] {
		mu.Lock()
		defer mu.Unlock()
		attempts[params]++
		if attempts[params] >= maxRateLimitRetries {
			delete(attempts, params)
			return batcher.Fail[json.RawMessage](rpcErr)
		}
		return batcher.Retry[json.RawMessage]()
	}
	settled := func(params string) {
		mu.Lock()
		delete(attempts, params)
		mu.Unlock()
	}

	return func(ctx context.Context, inputs []string) ([]batcher.Result[json.RawMessage], error) {
		reqs := make([]*jsonrpc.Request, len(inputs))
		for i, params := range inputs {
			req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: method}
			if params != "" {
				req.Params = json.RawMessage(params)
			}
			reqs[i] = req
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		responses, err := up.CallBatch(callCtx, reqs)
		if errors.Is(err, ErrRateLimited) {
			outputs := make([]batcher.Result[json.RawMessage], len(inputs))
			for i, params := range inputs {
				outputs[i] = retryOrFail(params, jsonrpc.NewError(jsonrpc.CodeRateLimited, ErrRateLimited.Error()))
			}
			return outputs, nil
		}
		if err != nil {
			for _, params := range inputs {
				settled(params)
			}
			return nil, err
		}

		outputs := make([]batcher.Result[json.RawMessage], len(responses))
		for i, resp := range responses {
			switch {
			case resp.HasError() && resp.Error.Code == jsonrpc.CodeRateLimited:
				outputs[i] = retryOrFail(inputs[i], resp.Error)
			case resp.HasError():
				settled(inputs[i])
				outputs[i] = batcher.Fail[json.RawMessage](resp.Error)
			default:
				settled(inputs[i])
				outputs[i] = batcher.Value(resp.Result)
			}
		}
		return outputs, nil
	}
}

// Dispatch serves one client request, blocking until its result is
// available or ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if err := req.Validate(); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrInvalidRequest)
	}

	mem, ok := d.methods[req.Method]
	if !ok {
		// Method without batching configured: plain passthrough.
		resp, err := d.upstream.Call(ctx, req)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeServerError, err.Error()))
		}
		resp.ID = req.ID
		return resp
	}

	result, err := mem.GetResult(string(req.Params)).Wait(ctx)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.NewErrorResponse(req.ID, rpcErr)
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeServerError, err.Error()))
	}
	return jsonrpc.NewResponse(req.ID, result)
}

// Drain flushes all batchers and waits for them to go idle, or for ctx.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for _, mem := range d.methods {
		mem.Send()
	}
	for method, mem := range d.methods {
		select {
		case <-mem.Idle():
		case <-ctx.Done():
			return fmt.Errorf("method '%s' did not drain: %w", method, ctx.Err())
		}
	}
	return nil
}

// Close closes all batchers and their caches.
func (d *Dispatcher) Close() {
	for _, mem := range d.methods {
		mem.Close()
	}
}
