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

	"github.com/loomworks/loom/internal/xjson"
	"github.com/loomworks/loom/pkg/schema"
)

const defaultHTTPTimeout = 30 * time.Second

// maxInlineBody is the largest response body kept inline as text when no
// binary store is available.
const maxInlineBody = 1 << 20

// HTTPRequest performs one HTTP request per input item (or a single request
// when the input is empty) and emits one item per response. JSON responses
// are decoded inline; other content types are spilled to the binary store
// and referenced from the item.
//
// Credentials are injected without ever appearing in parameters: a "token"
// entry becomes an Authorization bearer header, and "header_name" plus
// "header_value" set a custom header.
type HTTPRequest struct {
	client *http.Client
}

func NewHTTPRequest(client *http.Client) *HTTPRequest {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPRequest{client: client}
}

func (h *HTTPRequest) Type() string { return "httpRequest" }

func (h *HTTPRequest) Ports() PortSpec {
	return PortSpec{Inputs: 1, Outputs: 1, OutputNames: []string{"response"}}
}

func (h *HTTPRequest) ParamsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
			"url": {"type": "string", "minLength": 1},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"query": {"type": "object", "additionalProperties": {"type": "string"}},
			"body": {},
			"fail_on_error_status": {"type": "boolean"}
		},
		"required": ["url"],
		"additionalProperties": false
	}`)
}

func (h *HTTPRequest) Execute(ctx context.Context, in Input) (*Output, error) {
	var items schema.ItemCollection
	if len(in.InputsByPort) > 0 {
		items = in.InputsByPort[0]
	}
	// A request node with no upstream items still fires once.
	if len(items) == 0 {
		items = schema.ItemCollection{{}}
	}

	out := make(schema.ItemCollection, 0, len(items))
	for i := range items {
		item, err := h.doRequest(ctx, in)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"http request %d/%d failed: %s", i+1, len(items), err.Error()).WithCause(err)
		}
		out = append(out, item)
	}
	return Single(out), nil
}

func (h *HTTPRequest) doRequest(ctx context.Context, in Input) (schema.Item, error) {
	method, _ := in.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	rawURL, _ := in.Params["url"].(string)

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if query, ok := in.Params["query"].(map[string]any); ok {
		q := target.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if raw, ok := in.Params["body"]; ok && raw != nil {
		encoded, err := xjson.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := in.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	injectCredentials(req, in.Credentials)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	failOnStatus, _ := in.Params["fail_on_error_status"].(bool)
	if failOnStatus && resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, target.Host)
	}

	item := schema.Item{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		var decoded any
		if err := xjson.Unmarshal(data, &decoded); err != nil {
			item["body"] = string(data)
		} else {
			item["body"] = decoded
		}
	case in.Binary != nil:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		ref, err := in.Binary.Put(ctx, data, contentType)
		if err != nil {
			return nil, fmt.Errorf("store response body: %w", err)
		}
		item[schema.BinaryKey] = map[string]schema.BinaryRef{"response": ref}
	default:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineBody))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		item["body"] = string(data)
	}

	return item, nil
}

func injectCredentials(req *http.Request, creds map[string]any) {
	if creds == nil {
		return
	}
	if token, ok := creds["token"].(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	name, _ := creds["header_name"].(string)
	value, _ := creds["header_value"].(string)
	if name != "" {
		req.Header.Set(name, value)
	}
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = strings.Join(v, ", ")
		}
	}
	return out
}

var _ Handler = (*HTTPRequest)(nil)
