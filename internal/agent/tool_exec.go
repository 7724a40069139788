package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/haasonsaas/agui/internal/tools"
)

// executeLocal runs a local tool handler under the descriptor's timeout.
//
// A handler that outlives its deadline is abandoned; its late result is
// discarded. Panics are recovered and reported as ErrToolPanic. When the
// parent context ends first, the parent's error is returned unwrapped so the
// caller can tell a disconnect from a tool failure.
func executeLocal(ctx context.Context, desc tools.Descriptor, args json.RawMessage, logger *slog.Logger) (json.RawMessage, error) {
	if desc.Handler == nil {
		return nil, fmt.Errorf("tool %s has no local handler", desc.Name)
	}

	toolCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	type execResult struct {
		value json.RawMessage
		err   error
	}
	resultChan := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "tool panicked",
					"tool", desc.Name,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				resultChan <- execResult{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
		}()
		value, err := desc.Handler(toolCtx, args)
		select {
		case resultChan <- execResult{value: value, err: err}:
		default:
		}
	}()

	select {
	case <-toolCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			logger.WarnContext(ctx, "tool execution timed out",
				"tool", desc.Name,
				"timeout", desc.Timeout,
			)
			return nil, fmt.Errorf("%w after %v", ErrToolTimeout, desc.Timeout)
		}
		return nil, toolCtx.Err()
	case res := <-resultChan:
		if res.err != nil {
			return nil, res.err
		}
		return res.value, nil
	}
}
