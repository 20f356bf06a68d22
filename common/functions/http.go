package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/dataflow/common/sdk"
)

// HTTPFunction performs an HTTP request described by the node's params
// (url, method, headers) with the node's inputs as JSON body.
type HTTPFunction struct {
	client *http.Client
}

// NewHTTPFunction creates the http function with a 30s request timeout
func NewHTTPFunction() *HTTPFunction {
	return &HTTPFunction{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (*HTTPFunction) ID() string {
	return "http"
}

func (f *HTTPFunction) Execute(ctx context.Context, rt *sdk.Runtime) (any, error) {
	params := rt.Params()

	url, _ := params["url"].(string)
	if url == "" {
		return nil, &sdk.FuncError{Code: "INVALID_PARAMS", Message: "missing or invalid url in params"}
	}

	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	inputs, err := rt.Inputs(ctx)
	if err != nil {
		return nil, err
	}
	if len(inputs) > 0 {
		body, err = json.Marshal(inputs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dataflow/1.0")
	if headers, ok := params["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, &sdk.FuncError{Code: "HTTP_REQUEST_FAILED", Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// JSON responses decode into structured data, anything else stays a string
	var responseData any
	if err := json.Unmarshal(respBody, &responseData); err != nil {
		responseData = string(respBody)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        responseData,
		"duration_ms": duration.Milliseconds(),
		"url":         url,
		"method":      method,
	}, nil
}
