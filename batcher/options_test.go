package batcher

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopFunc(ctx context.Context, inputs []int) ([]Result[int], error) {
	return make([]Result[int], len(inputs)), nil
}

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options[int, int]
		wantErr string
	}{
		{
			name:    "missing batching function",
			opts:    Options[int, int]{},
			wantErr: "batchingFunction is required",
		},
		{
			name: "empty thresholds",
			opts: Options[int, int]{
				BatchingFunction:  noopFunc,
				QueuingThresholds: []int{},
			},
			wantErr: "queuingThresholds must contain at least one number",
		},
		{
			name: "threshold below one",
			opts: Options[int, int]{
				BatchingFunction:  noopFunc,
				QueuingThresholds: []int{1, 0},
			},
			wantErr: "queuingThresholds must only contain numbers greater than 0",
		},
		{
			name: "negative max batch size",
			opts: Options[int, int]{
				BatchingFunction: noopFunc,
				MaxBatchSize:     -1,
			},
			wantErr: "maxBatchSize must be greater than 0",
		},
		{
			name: "negative queuing delay",
			opts: Options[int, int]{
				BatchingFunction: noopFunc,
				QueuingDelay:     -time.Millisecond,
			},
			wantErr: "queuingDelay must be greater than or equal to 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.opts, zerolog.Nop())
			if err == nil {
				b.Close()
				t.Fatal("New: expected error, got nil")
			}
			if err.Error() != tt.wantErr {
				t.Fatalf("New error = %q, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	b, err := New(Options[int, int]{BatchingFunction: noopFunc}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if b.delay != DefaultQueuingDelay {
		t.Fatalf("default queuing delay = %v, want %v", b.delay, DefaultQueuingDelay)
	}
	if len(b.thresholds) != 1 || b.thresholds[0] != 1 {
		t.Fatalf("default thresholds = %v, want [1]", b.thresholds)
	}
	if b.maxSize != 0 {
		t.Fatalf("default max batch size = %d, want 0 (unbounded)", b.maxSize)
	}
}
