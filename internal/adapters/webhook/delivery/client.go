package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/metabolic-care/intake-api/internal/adapters/submissiondoc"
	"github.com/metabolic-care/intake-api/internal/domain"
)

const (
	HeaderRunID     = "X-Intake-Run-Id"
	HeaderSignature = "X-Intake-Signature"
)

type Config struct {
	URL string
	// Secret, when set, signs each body with HMAC-SHA256.
	Secret     string
	Timeout    time.Duration
	MaxRetries uint64
}

// Client posts submission documents to an HTTP endpoint. Transport errors,
// 429 and 5xx responses are retried with exponential backoff; other non-2xx
// responses fail immediately.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (c *Client) Deliver(ctx context.Context, rec domain.Record) error {
	body, err := submissiondoc.Encode(rec)
	if err != nil {
		return err
	}

	var b backoff.BackOff = backoff.NewExponentialBackOff()
	if c.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.cfg.MaxRetries)
	}
	op := func() error { return c.post(ctx, rec.RunID, body) }
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("webhook delivery %s: %w", rec.RunID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, runID domain.RunID, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRunID, string(runID))
	if c.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(c.cfg.Secret, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}

// Sign returns the signature header value for body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
