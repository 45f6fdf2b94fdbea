package scheduler

import (
	"context"
	"fmt"
)

// Handle adapts a typed function to a Handler. A payload of any other type
// fails with ErrPayloadType and is not retried.
func Handle[P Payload](fn func(ctx context.Context, payload P) error) Handler {
	return func(ctx context.Context, payload Payload) error {
		p, ok := payload.(P)
		if !ok {
			return fmt.Errorf("%w: got %T", ErrPayloadType, payload)
		}
		return fn(ctx, p)
	}
}

// HandleBatch is Handle for batch handlers.
func HandleBatch[P Payload](fn func(ctx context.Context, payloads []P) error) BatchHandler {
	return func(ctx context.Context, payloads []Payload) error {
		typed := make([]P, 0, len(payloads))
		for _, payload := range payloads {
			p, ok := payload.(P)
			if !ok {
				return fmt.Errorf("%w: got %T", ErrPayloadType, payload)
			}
			typed = append(typed, p)
		}
		return fn(ctx, typed)
	}
}
