package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dshills/flowrun/flow"
)

const httpTimeout = 30 * time.Second

var httpMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// httpRequest calls an HTTP endpoint.
//
// Inputs: url (required), method (default GET), headers, query and body.
// A string body is sent as is; any other body is JSON encoded. When
// failOnStatus is true a 4xx or 5xx response fails the node.
//
// Output: status_code, headers and body; a JSON response body is also
// decoded into json.
type httpRequest struct {
	client *http.Client
}

func (*httpRequest) Metadata() flow.Metadata {
	return flow.Metadata{
		Name:        HTTPRequest,
		Label:       "HTTP Request",
		Description: "Sends an HTTP request",
		Category:    "Utilities",
		Type:        flow.NodeAction,
		Inputs: []flow.Param{
			{Name: "url", Type: "string"},
			{Name: "method", Type: "options", Optional: true},
			{Name: "headers", Type: "json", Optional: true},
			{Name: "query", Type: "json", Optional: true},
			{Name: "body", Type: "json", Optional: true},
			{Name: "failOnStatus", Type: "boolean", Optional: true},
		},
		Outputs: []flow.Param{
			{Name: "status_code", Type: "number"},
			{Name: "headers", Type: "json"},
			{Name: "body", Type: "string"},
			{Name: "json", Type: "json"},
		},
	}
}

// Policy implements flow.PolicyProvider.
func (*httpRequest) Policy() flow.NodePolicy {
	return flow.NodePolicy{Timeout: httpTimeout}
}

func (h *httpRequest) Invoke(ctx context.Context, in flow.Invocation) ([]flow.ExecutionData, error) {
	rawURL := stringInput(in.Inputs, "url")
	if rawURL == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := strings.ToUpper(stringInput(in.Inputs, "method"))
	if method == "" {
		method = http.MethodGet
	}
	if !httpMethods[method] {
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if query, ok := in.Inputs["query"].(map[string]any); ok {
		q := u.Query()
		for k, v := range query {
			q.Set(k, text(v))
		}
		u.RawQuery = q.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch b := in.Inputs["body"].(type) {
	case nil:
	case string:
		if b != "" {
			body = strings.NewReader(b)
		}
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := in.Inputs["headers"].(map[string]any); ok {
		for key, value := range headers {
			req.Header.Set(key, text(value))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if fail, _ := in.Inputs["failOnStatus"].(bool); fail && resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s returned status %d", method, u.Redacted(), resp.StatusCode)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			list := make([]any, len(values))
			for i, v := range values {
				list[i] = v
			}
			respHeaders[key] = list
		}
	}

	out := flow.ExecutionData{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}
	var decoded any
	if len(respBody) > 0 && json.Unmarshal(respBody, &decoded) == nil {
		out["json"] = decoded
	}
	return []flow.ExecutionData{out}, nil
}
