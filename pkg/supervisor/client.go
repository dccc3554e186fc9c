package supervisor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xt-ml/xt/pkg/common/httpclient"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// DefaultRPCTimeout bounds every supervisor call.
const DefaultRPCTimeout = 10 * time.Second

// Client is the engine side of the supervisor RPC. Every call carries the
// node's box secret.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

// NewClient talks to addr (host:port). A nil tlsConfig uses plain HTTP.
func NewClient(addr string, tlsConfig *tls.Config, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	scheme := "https"
	if tlsConfig == nil {
		scheme = "http"
	}
	base := addr
	if !strings.Contains(addr, "://") {
		base = scheme + "://" + addr
	}
	return &Client{base: strings.TrimRight(base, "/"), http: httpclient.NewWithTLS(timeout, tlsConfig), timeout: timeout}
}

// Connect builds a TLS client trusting the certificate stored in the vault.
func Connect(ctx context.Context, vault Vault, certName, addr string, timeout time.Duration) (*Client, error) {
	cfg, err := ClientTLS(ctx, vault, certName)
	if err != nil {
		return nil, err
	}
	return NewClient(addr, cfg, timeout), nil
}

func (c *Client) call(ctx context.Context, boxSecret, method string, args, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader = http.NoBody
	if args != nil {
		payload, err := json.Marshal(args)
		if err != nil {
			return xterr.Wrap(xterr.CategoryInternal, err, "encode "+method)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/rpc/"+method, body)
	if err != nil {
		return xterr.Wrap(xterr.CategoryInternal, err, "build "+method)
	}
	req.Header.Set("Authorization", "Bearer "+boxSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return xterr.MarkTransient(xterr.Wrap(xterr.CategoryService, err, "supervisor unreachable"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return xterr.WithSentinel(xterr.CategoryService, xterr.ErrUnauthenticated, "%s: box secret rejected", method)
	}
	var r response
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &r) == nil && r.Error != "" {
			return xterr.Service("%s: %s", method, r.Error)
		}
		return httpclient.StatusError(&http.Response{StatusCode: resp.StatusCode, Body: io.NopCloser(bytes.NewReader(data))}, method)
	}
	var raw struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return xterr.Wrap(xterr.CategoryService, err, "decode "+method)
	}
	if out == nil || len(raw.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw.Result, out); err != nil {
		return xterr.Wrap(xterr.CategoryService, err, fmt.Sprintf("decode %s result", method))
	}
	return nil
}

func (c *Client) GetRuns(ctx context.Context, boxSecret, stageFlags, ws, runName string) ([]RunInfo, error) {
	var out []RunInfo
	err := c.call(ctx, boxSecret, MethodGetRuns, getRunsArgs{StageFlags: stageFlags, Workspace: ws, RunName: runName}, &out)
	return out, err
}

func (c *Client) CancelRun(ctx context.Context, boxSecret string, runNames []string) ([]RunCancel, error) {
	var out []RunCancel
	err := c.call(ctx, boxSecret, MethodCancelRun, cancelRunArgs{RunNames: runNames}, &out)
	return out, err
}

func (c *Client) CancelRunsByProperty(ctx context.Context, boxSecret, name, value string) ([]RunCancel, error) {
	var out []RunCancel
	err := c.call(ctx, boxSecret, MethodCancelRunsByProperty, cancelByPropertyArgs{Name: name, Value: value}, &out)
	return out, err
}

func (c *Client) GetStatusOfRuns(ctx context.Context, boxSecret, ws string, names []string) (map[string]string, error) {
	out := map[string]string{}
	err := c.call(ctx, boxSecret, MethodGetStatusOfRuns, statusOfRunsArgs{Workspace: ws, NamesJoined: strings.Join(names, RunNamesSep)}, &out)
	return out, err
}

func (c *Client) GetIPAddr(ctx context.Context, boxSecret string) (string, error) {
	var out string
	err := c.call(ctx, boxSecret, MethodGetIPAddr, nil, &out)
	return out, err
}

func (c *Client) GetConcurrent(ctx context.Context, boxSecret string) (int, error) {
	var out int
	err := c.call(ctx, boxSecret, MethodGetConcurrent, nil, &out)
	return out, err
}

func (c *Client) SetConcurrent(ctx context.Context, boxSecret string, n int) error {
	return c.call(ctx, boxSecret, MethodSetConcurrent, setConcurrentArgs{Concurrent: n}, nil)
}

// ElapsedTime is the controller's uptime.
func (c *Client) ElapsedTime(ctx context.Context, boxSecret string) (time.Duration, error) {
	var secs float64
	err := c.call(ctx, boxSecret, MethodElapsedTime, nil, &secs)
	return time.Duration(secs * float64(time.Second)), err
}

func (c *Client) XTVersion(ctx context.Context, boxSecret string) (string, error) {
	var out string
	err := c.call(ctx, boxSecret, MethodXTVersion, nil, &out)
	return out, err
}

func (c *Client) ControllerLog(ctx context.Context, boxSecret string) (string, error) {
	var out string
	err := c.call(ctx, boxSecret, MethodControllerLog, nil, &out)
	return out, err
}

// RestartController cancels the active runs and re-executes the controller
// after delay.
func (c *Client) RestartController(ctx context.Context, boxSecret string, delay time.Duration) error {
	return c.call(ctx, boxSecret, MethodRestartController, restartArgs{DelaySeconds: delay.Seconds()}, nil)
}
