package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	dp "github.com/unkn0wn-root/dataprovider"
)

// Response is a decoded JSON answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	JSON   any // nil when the body is empty or not JSON
}

// FetchJSON sends a JSON request and decodes the answer. Statuses outside
// 2xx come back as *dp.TransportError carrying the decoded body; the message
// is the body's "message" field when present, else the status text.
// Network failures come back as status 0.
func (c *Client) FetchJSON(ctx context.Context, method, url string, body any) (*Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rest: encode body: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dp.NormalizeError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dp.NewTransportError(dp.StatusUnknown, fmt.Sprintf("read body: %v", err), nil)
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: raw}
	if len(bytes.TrimSpace(raw)) > 0 {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			out.JSON = v
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &dp.TransportError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Body: out.JSON}
		if m, ok := out.JSON.(map[string]any); ok {
			if msg, ok := m["message"].(string); ok && msg != "" {
				te.Message = msg
			}
		} else if out.JSON == nil && len(raw) > 0 {
			te.Body = strings.TrimSpace(string(raw))
		}
		c.log.Debug("http error", dp.Fields{"method": method, "url": url, "status": resp.StatusCode})
		return nil, te
	}
	return out, nil
}
