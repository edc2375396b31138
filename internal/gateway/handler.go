package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"batchgofer/internal/jsonrpc"
)

const maxBodySize = 10 * 1024 * 1024 // 10MB

// Handler serves JSON-RPC over HTTP POST
type Handler struct {
	dispatcher *Dispatcher
	logger     zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(dispatcher *Dispatcher, logger zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

// ServeHTTP handles JSON-RPC requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	requests, isBatch, err := jsonrpc.ParseBatchRequest(data)
	if err != nil {
		h.writeJSON(w, jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.ErrParse))
		return
	}

	// Each request resolves independently; a client-side batch fans out
	// across the per-method batchers and is reassembled in order.
	responses := make([]*jsonrpc.Response, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req *jsonrpc.Request) {
			defer wg.Done()
			responses[i] = h.dispatcher.Dispatch(r.Context(), req)
		}(i, req)
	}
	wg.Wait()

	if isBatch {
		h.writeJSON(w, responses)
		return
	}
	h.writeJSON(w, responses[0])
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write response")
	}
}
