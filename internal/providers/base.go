package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	defaultMaxTokens  = 4096
)

// retrier holds the retry policy shared by all transports.
type retrier struct {
	maxRetries int
	retryDelay time.Duration
}

func newRetrier(maxRetries int, retryDelay time.Duration) retrier {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return retrier{maxRetries: maxRetries, retryDelay: retryDelay}
}

// do runs op, retrying transient failures with exponential backoff
// (retryDelay, 2*retryDelay, 4*retryDelay, ...). op must return errors
// already wrapped so Retryable can classify them. The last error is
// returned once attempts are exhausted.
func (r retrier) do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// emptyObjectSchema is the schema sent for tools that declare none.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// toolSchema returns the declared schema, or an empty object schema when the
// declaration carries none.
func toolSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return emptyObjectSchema
	}
	return schema
}

// argsToMap decodes tool-call arguments into a generic map. Empty or null
// arguments become an empty map so every provider sees a JSON object.
func argsToMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
