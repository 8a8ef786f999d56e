package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError reports a non-2xx response from DoJSON.
type StatusError struct {
	Status int
	Body   ErrorBody
}

func (e *StatusError) Error() string {
	if e.Body.Error != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Body.Error)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors and 5xx responses only; waits stop early when ctx ends.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries = max(retries, 0)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, retryDelay); err != nil {
				return 0, nil, err
			}
		}
		status, respBody, err := once(ctx, client, method, url, body, headers)
		if err != nil {
			if _, build := err.(buildError); build {
				return 0, nil, err
			}
			lastErr = err
			continue
		}
		if status >= 500 && attempt < retries {
			continue
		}
		return status, respBody, nil
	}
	return 0, nil, lastErr
}

// DoJSON marshals in, sends it through RequestJSON and decodes a 2xx body into out.
// Non-2xx responses become *StatusError.
func DoJSON(ctx context.Context, client *http.Client, method, url string, in, out any, headers map[string]string, retries int, retryDelay time.Duration) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	status, respBody, err := RequestJSON(ctx, client, method, url, body, headers, retries, retryDelay)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		se := &StatusError{Status: status}
		_ = json.Unmarshal(respBody, &se.Body)
		return se
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

type buildError struct{ error }

func once(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, buildError{err}
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
