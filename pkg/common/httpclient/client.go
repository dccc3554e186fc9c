package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

const (
	DefaultBaseDelay = 100 * time.Millisecond
	DefaultMaxDelay  = 2 * time.Second
)

// New creates an HTTP client tuned for calls to backend services and node supervisors.
func New(timeout time.Duration) *http.Client {
	return NewWithTLS(timeout, nil)
}

func NewWithTLS(timeout time.Duration, tlsConfig *tls.Config) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       tlsConfig,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Retry executes fn with capped exponential backoff. Only transient errors are retried.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts <= 1 {
		return fn()
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn()
		if err == nil || !IsRetriable(err) {
			return err
		}

		// Do not sleep after last attempt
		if i == attempts-1 {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > DefaultMaxDelay {
			delay = DefaultMaxDelay
		}
	}

	return err
}

// IsRetriable determines if the error is worth retrying.
func IsRetriable(err error) bool {
	return xterr.IsTransient(err)
}

// StatusError classifies an HTTP status: 408, 429 and 5xx are transient.
func StatusError(resp *http.Response, what string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := xterr.Service("%s: http %d: %s", what, resp.StatusCode, bytes.TrimSpace(body))
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return xterr.MarkTransient(err)
	}
	return err
}

// DoJSON sends in (if non-nil) as JSON and decodes the response into out (if non-nil).
func DoJSON(ctx context.Context, client *http.Client, method, url string, header http.Header, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return xterr.Wrap(xterr.CategoryInternal, err, "encode request")
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return xterr.Wrap(xterr.CategoryInternal, err, "build request")
	}
	for k, v := range header {
		req.Header[k] = append([]string(nil), v...)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return xterr.MarkTransient(xterr.Wrap(xterr.CategoryService, err, fmt.Sprintf("%s %s", method, url)))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return StatusError(resp, fmt.Sprintf("%s %s", method, url))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return xterr.Wrap(xterr.CategoryService, err, "decode response")
	}
	return nil
}
