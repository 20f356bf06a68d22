package functions

import (
	"context"
	"time"

	"github.com/lyzr/dataflow/common/sdk"
)

// TestFunction is the built-in function used by workflow tests and smoke
// checks. It echoes its inputs, honours a delay_ms input, and fails on
// demand via the should_fail input.
type TestFunction struct{}

// NewTestFunction creates the test function
func NewTestFunction() TestFunction {
	return TestFunction{}
}

func (TestFunction) ID() string {
	return "test_function"
}

func (TestFunction) Execute(ctx context.Context, rt *sdk.Runtime) (any, error) {
	startedAt := time.Now().UTC()

	inputs, err := rt.Inputs(ctx)
	if err != nil {
		return nil, err
	}

	// Control values come from node params, with inputs as fallback
	control := func(key string) (any, bool) {
		if value, ok := rt.Params()[key]; ok {
			return value, true
		}
		value, ok := inputs[key]
		return value, ok
	}

	delayMs := 0
	if raw, ok := control("delay_ms"); ok {
		switch v := raw.(type) {
		case float64:
			delayMs = int(v)
		case int:
			delayMs = v
		}
	}

	if delayMs > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
		}
	}

	if raw, ok := control("should_fail"); ok {
		if shouldFail, ok := raw.(bool); ok && shouldFail {
			return nil, &sdk.FuncError{
				Code:    "FUNCTION_EXECUTION_FAILED",
				Message: "Intentional semantic failure triggered by should_fail",
			}
		}
	}

	// Control inputs are not part of the echoed payload
	echo := make(map[string]any, len(inputs))
	for key, value := range inputs {
		if key == "delay_ms" || key == "should_fail" {
			continue
		}
		echo[key] = value
	}

	// A message input is echoed at the top level of the result
	message := "test function executed"
	if m, ok := inputs["message"].(string); ok && m != "" {
		message = m
	}

	return map[string]any{
		"message":       message,
		"processed_by":  "test_function",
		"success":       true,
		"delay_applied": delayMs,
		"input_echo":    echo,
		"started_at":    startedAt.Format(time.RFC3339Nano),
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}
