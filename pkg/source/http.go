package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout  = 60 * time.Second
	defaultHTTPMaxTries = 5
	defaultUserAgent    = "sofia-collector/1.0"
	maxBodyBytes        = 512 << 20
)

type HTTPConfig struct {
	Logger *slog.Logger
	Client *http.Client
	// RatePerSecond limits requests; zero disables the limiter.
	RatePerSecond float64
	MaxTries      uint
	UserAgent     string
	// NewBackOff builds the retry schedule for one request.
	NewBackOff func() backoff.BackOff
}

func (cfg *HTTPConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: gzhttp.Transport(http.DefaultTransport),
		}
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaultHTTPMaxTries
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return nil
}

// ErrNotFound is wrapped into the error for a 404 response.
var ErrNotFound = errors.New("not found")

// HTTPClient retries 5xx and network errors with exponential backoff and
// maps terminal responses onto adapter error codes.
type HTTPClient struct {
	log     *slog.Logger
	cfg     HTTPConfig
	limiter *rate.Limiter
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &HTTPClient{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: limiter,
	}, nil
}

func (c *HTTPClient) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	return c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		return req, nil
	})
}

func (c *HTTPClient) PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error) {
	body := form.Encode()
	return c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

// Do sends the request built by newReq and returns the body of a 2xx
// response. newReq is called once per attempt.
func (c *HTTPClient) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	attempt := 0
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		req, err := newReq(ctx)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		resp, err := c.cfg.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			c.log.Debug("source: request failed, retrying", "url", redactURL(req.URL), "attempt", attempt, "error", err)
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			c.log.Warn("source: rate limited", "url", redactURL(req.URL), "attempt", attempt)
			rateErr := Errorf(ErrRateLimit, "%s returned 429", redactURL(req.URL))
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return nil, errors.Join(rateErr, backoff.RetryAfter(secs))
			}
			return nil, rateErr
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, backoff.Permanent(Errorf(ErrAuthMissing, "%s returned %d", redactURL(req.URL), resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(Errorf(ErrUnknown, "%s: %w", redactURL(req.URL), ErrNotFound))
		case resp.StatusCode >= 500:
			c.log.Debug("source: server error, retrying", "url", redactURL(req.URL), "status", resp.StatusCode, "attempt", attempt)
			return nil, fmt.Errorf("%s returned %d", redactURL(req.URL), resp.StatusCode)
		default:
			return nil, backoff.Permanent(Errorf(ErrUnknown, "%s returned %d: %s", redactURL(req.URL), resp.StatusCode, snippet(data)))
		}
	},
		backoff.WithBackOff(c.cfg.NewBackOff()),
		backoff.WithMaxTries(c.cfg.MaxTries),
	)
	if err != nil {
		var srcErr *Error
		if errors.As(err, &srcErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &Error{Code: ErrUnknown, Err: fmt.Errorf("request failed after %d attempts: %w", attempt, err)}
	}
	return body, nil
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	q := clean.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "key") || strings.Contains(lk, "token") || strings.Contains(lk, "password") {
			q.Set(k, "xxxxx")
		}
	}
	clean.RawQuery = q.Encode()
	clean.User = nil
	return clean.String()
}

// snippet returns at most the first 200 runes of a response body as valid
// UTF-8; bodies in other encodings get replacement characters.
func snippet(b []byte) string {
	const n = 200
	s := strings.ToValidUTF8(string(b), "\uFFFD")
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}
