// Package bybit implements the exchange adapter contract against the Bybit
// v5 unified-trading REST API (linear contracts).
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tradegate/pkg/cache"
	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/logger"
)

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"

	categoryLinear = "linear"
	settleCoin     = "USDT"
)

// Config holds Bybit credentials and tunables.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64         // ms; auth window, generous to tolerate skew
	Timeout    time.Duration // per-request socket timeout
	BaseURL    string        // override, used by tests
}

// Adapter talks to Bybit v5 and implements common.Exchange.
type Adapter struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	clock      *common.TimeSync
	policy     *common.CallPolicy
	connected  atomic.Bool

	filters *cache.Cache[common.SymbolFilter]
}

// New creates an adapter. The policy carries the shared rate limiter and
// retry settings; pass common.NewCallPolicy(limiter) for defaults.
func New(cfg Config, policy *common.CallPolicy) *Adapter {
	base := mainnetURL
	if cfg.Testnet {
		base = testnetURL
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 10000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	a := &Adapter{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy:     policy,
		filters:    cache.New[common.SymbolFilter](0),
	}
	a.clock = common.NewTimeSync(a.getServerTime)
	return a
}

// Name implements common.Exchange.
func (a *Adapter) Name() string { return "bybit" }

// IsConnected implements common.Exchange.
func (a *Adapter) IsConnected() bool { return a.connected.Load() }

// getServerTime probes the public time endpoint; no auth, no rate gate.
func (a *Adapter) getServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v5/market/time", nil)
	if err != nil {
		return 0, err
	}
	res, err := a.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	if env.RetCode != 0 {
		return 0, fmt.Errorf("server time retCode=%d: %s", env.RetCode, env.RetMsg)
	}
	var st serverTimeResult
	if err := json.Unmarshal(env.Result, &st); err != nil {
		return 0, fmt.Errorf("decode server time result: %w", err)
	}
	sec, err := strconv.ParseInt(st.TimeSecond, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server time %q: %w", st.TimeSecond, err)
	}
	return sec * 1000, nil
}

// sign produces the v5 request signature:
// HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload).
func (a *Adapter) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
	mac.Write([]byte(timestamp + a.cfg.APIKey + strconv.FormatInt(a.cfg.RecvWindow, 10) + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// do issues one signed request and translates the response envelope into the
// error taxonomy. Timestamp/recv-window rejections re-probe the clock and
// drop the session instead of being retried blindly.
func (a *Adapter) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var (
		payload string
		reader  io.Reader
	)
	endpoint := a.baseURL + path
	switch method {
	case http.MethodGet:
		payload = query.Encode()
		if payload != "" {
			endpoint += "?" + payload
		}
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	timestamp := strconv.FormatInt(a.clock.Now(), 10)
	req.Header.Set("X-BAPI-API-KEY", a.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.FormatInt(a.cfg.RecvWindow, 10))
	req.Header.Set("X-BAPI-SIGN", a.sign(timestamp, payload))
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := a.httpClient.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, &common.TransientError{Exchange: a.Name(), Err: err}
		}
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		return nil, &common.TransientError{
			Exchange: a.Name(),
			Err:      fmt.Errorf("%s %s status %d", method, path, res.StatusCode),
		}
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("bybit %s %s status %d: %s", method, path, res.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	if env.RetCode != 0 {
		return nil, a.classify(ctx, env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

// Application-level retCodes Bybit documents as retryable.
const (
	codeTimestampWindow = 10002 // request outside recv_window
	codeRateLimited     = 10006
	codeServerBusy      = 10016
)

func (a *Adapter) classify(ctx context.Context, code int, msg string) error {
	switch {
	case code == codeTimestampWindow:
		// Clock drifted past the recv window. Re-probe and force the
		// gateway to reconnect rather than retrying with a stale offset.
		if err := a.clock.Sync(ctx); err != nil {
			logger.WithComponent("bybit").WithError(err).Warn("clock re-probe failed")
		}
		a.connected.Store(false)
		return &common.ConnectionError{
			Exchange: a.Name(),
			Err:      fmt.Errorf("timestamp outside recv_window (retCode=%d): %s", code, msg),
		}
	case code == codeRateLimited || code == codeServerBusy ||
		strings.Contains(strings.ToLower(msg), "retryable"):
		return &common.TransientError{
			Exchange: a.Name(),
			Err:      fmt.Errorf("retCode=%d: %s", code, msg),
		}
	default:
		return &common.RejectedError{Exchange: a.Name(), Code: code, Message: msg}
	}
}

// call runs a wire request through the rate-limit/retry pipeline.
func (a *Adapter) call(ctx context.Context, endpoint string, fn func() error) error {
	if a.policy == nil {
		return fn()
	}
	return a.policy.Do(ctx, a.Name(), endpoint, fn)
}

// getJSON is a signed GET through the pipeline, decoding result into out.
func (a *Adapter) getJSON(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	return a.call(ctx, endpoint, func() error {
		raw, err := a.do(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	})
}

// postJSON is a signed POST through the pipeline, decoding result into out
// when out is non-nil.
func (a *Adapter) postJSON(ctx context.Context, endpoint, path string, body, out any) error {
	return a.call(ctx, endpoint, func() error {
		raw, err := a.do(ctx, http.MethodPost, path, nil, body)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(raw, out)
	})
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
