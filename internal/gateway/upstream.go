package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"batchgofer/internal/jsonrpc"
)

// ErrRateLimited indicates the upstream rejected a call with HTTP 429. The
// dispatcher turns it into a retry rather than a caller-visible failure.
var ErrRateLimited = errors.New("upstream rate limited")

// Upstream is a JSON-RPC client for the single configured upstream endpoint.
type Upstream struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewUpstream creates an upstream client
func NewUpstream(url string, timeout time.Duration, logger zerolog.Logger) *Upstream {
	return &Upstream{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "upstream").Logger(),
	}
}

// Call sends a single JSON-RPC request
func (u *Upstream) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := u.post(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse upstream response: %w", err)
	}
	return &resp, nil
}

// CallBatch sends a JSON-RPC batch and returns the responses reordered to
// match the request order. Requests are assigned fresh sequential ids for
// the wire; upstream responses are matched back by id.
func (u *Upstream) CallBatch(ctx context.Context, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	wire := make([]*jsonrpc.Request, len(reqs))
	for i, req := range reqs {
		wire[i] = req.WithID(jsonrpc.NewIDInt(int64(i + 1)))
	}

	body, err := u.post(ctx, wire)
	if err != nil {
		return nil, err
	}

	responses, err := jsonrpc.ParseBatchResponse(body)
	if err != nil {
		return nil, err
	}
	if len(responses) != len(reqs) {
		return nil, fmt.Errorf("upstream returned %d responses for %d requests", len(responses), len(reqs))
	}

	ordered := make([]*jsonrpc.Response, len(reqs))
	for _, resp := range responses {
		id, ok := resp.ID.Value().(float64)
		index := int(id) - 1
		if !ok || index < 0 || index >= len(reqs) || ordered[index] != nil {
			return nil, fmt.Errorf("upstream response has unknown id %v", resp.ID.Value())
		}
		ordered[index] = resp
	}
	return ordered, nil
}

func (u *Upstream) post(ctx context.Context, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return body, nil
}
