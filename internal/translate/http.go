package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 4 << 10

// postJSON sends body to url and returns the raw response body for a 2xx
// status. Non-2xx statuses are mapped to the package sentinels.
func postJSON(ctx context.Context, client *http.Client, url string, body any, header http.Header) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(resp.StatusCode, string(snippet))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return data, nil
}

func statusError(code int, body string) error {
	body = strings.TrimSpace(body)
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, code)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrUpstreamTimeout, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, code)
	case mentionsLanguage(body):
		return fmt.Errorf("%w: status %d: %s", ErrUnsupportedLanguage, code, body)
	default:
		return fmt.Errorf("%w: status %d", ErrRequestRejected, code)
	}
}

func mentionsLanguage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "language") || strings.Contains(msg, "lang")
}
