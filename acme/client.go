// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package acme implements the client side of the ACME v2 protocol
// (RFC 8555): JWS-signed transport with nonce handling and back-off,
// account management, and the crypto material (keys, CSRs, chains)
// that orders consume and produce.
package acme

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	md "github.com/mkauf/mod-md"
)

const (
	// ACME clients MUST send a User-Agent (RFC 8555 §6.1).
	userAgent = "mod-md/2.0"
	// All signed request bodies use this type (RFC 8555 §6.2).
	joseContentType = "application/jose+json"

	// maxRetryAfter caps how long a CA-advised Retry-After is honored
	// within a single request; a longer value is cut to this cap and the
	// request is retried after that wait.
	maxRetryAfter = 10 * time.Minute

	// maxBodySize bounds response bodies; certificate chains are the
	// largest responses we expect.
	maxBodySize = 1 << 20
)

// backoffSchedule is applied to 5xx responses without Retry-After and
// to plain network errors: four attempts, doubling from one second.
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

// Client is a signing ACME transport bound to one directory URL and
// one account key. A Client is safe for concurrent use.
type Client struct {
	// DirectoryURL is the CA's directory endpoint.
	DirectoryURL string

	// Key signs every request. For a registered account, KID carries
	// the account URL and the JWS uses the kid header; before
	// registration KID is empty and the full JWK is sent.
	Key crypto.Signer
	KID string

	// HTTPClient is the underlying transport; http.DefaultClient
	// when nil.
	HTTPClient *http.Client

	// Logger logs request outcomes; a nop logger when nil.
	Logger *zap.Logger

	// Limiter paces requests against the CA. CAs rate-limit
	// aggressively, so keep a polite default.
	Limiter *rate.Limiter

	// sleep is swapped by tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	dir    *Directory
	nonces []string
}

// NewClient creates a transport for the given directory URL signing
// with key.
func NewClient(directoryURL string, key crypto.Signer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		DirectoryURL: directoryURL,
		Key:          key,
		Logger:       logger,
		Limiter:      rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Directory returns the CA's resource index, fetching it once per
// client and caching it afterwards.
func (c *Client) Directory(ctx context.Context) (*Directory, error) {
	c.mu.Lock()
	if c.dir != nil {
		dir := c.dir
		c.mu.Unlock()
		return dir, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DirectoryURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return nil, md.NewError(md.KindTransient, "", fmt.Errorf("fetching directory: %v", err))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, responseError(res)
	}
	dir := new(Directory)
	if err := json.NewDecoder(io.LimitReader(res.Body, maxBodySize)).Decode(dir); err != nil {
		return nil, fmt.Errorf("decoding directory: %v", err)
	}

	c.mu.Lock()
	c.dir = dir
	c.mu.Unlock()
	return dir, nil
}

// invalidateDirectory drops the cached directory so the next request
// re-fetches it; used when the CA's endpoints appear to have moved.
func (c *Client) invalidateDirectory() {
	c.mu.Lock()
	c.dir = nil
	c.mu.Unlock()
}

// popNonce returns a cached fresh nonce, or "" when the cache is
// empty.
func (c *Client) popNonce() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.nonces) == 0 {
		return ""
	}
	nonce := c.nonces[len(c.nonces)-1]
	c.nonces = c.nonces[:len(c.nonces)-1]
	return nonce
}

// storeNonce remembers the Replay-Nonce of a response for the next
// request. Every response may carry one (RFC 8555 §6.5).
func (c *Client) storeNonce(h http.Header) {
	nonce := h.Get("Replay-Nonce")
	if nonce == "" {
		return
	}
	c.mu.Lock()
	if len(c.nonces) < 16 {
		c.nonces = append(c.nonces, nonce)
	}
	c.mu.Unlock()
}

// fetchNonce gets a fresh nonce from the newNonce endpoint.
func (c *Client) fetchNonce(ctx context.Context) (string, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	if err := c.Limiter.Wait(ctx); err != nil {
		return "", err
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return "", md.NewError(md.KindTransient, "", fmt.Errorf("fetching nonce: %v", err))
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, maxBodySize))

	nonce := res.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", md.Errorf(md.KindTransient, "", "no Replay-Nonce in newNonce response")
	}
	return nonce, nil
}

func (c *Client) nonce(ctx context.Context) (string, error) {
	if nonce := c.popNonce(); nonce != "" {
		return nonce, nil
	}
	return c.fetchNonce(ctx)
}

// Result is the outcome of a signed request: the response body plus
// the headers of interest.
type Result struct {
	Body     []byte
	Location string
	Header   http.Header
}

// PostJSON signs payload and POSTs it to url, decoding a 2xx response
// body into out when out is non-nil. It implements the request policy:
// one badNonce retry, Retry-After honored up to its cap, exponential
// back-off on bare 5xx and network errors, and typed errors otherwise.
func (c *Client) PostJSON(ctx context.Context, url string, payload, out any) (*Result, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	res, err := c.post(ctx, url, body)
	if err != nil {
		return nil, err
	}
	if out != nil && len(res.Body) > 0 {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return nil, fmt.Errorf("decoding %s response: %v", url, err)
		}
	}
	return res, nil
}

// PostAsGet reads a protected resource with an empty-payload signed
// POST (RFC 8555 §6.3).
func (c *Client) PostAsGet(ctx context.Context, url string, out any) (*Result, error) {
	res, err := c.post(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if out != nil && len(res.Body) > 0 {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return nil, fmt.Errorf("decoding %s response: %v", url, err)
		}
	}
	return res, nil
}

// post runs the signed request loop. payload nil means POST-as-GET.
func (c *Client) post(ctx context.Context, url string, payload []byte) (*Result, error) {
	var lastErr error
	nonceRetried := false

	for attempt := 0; attempt < len(backoffSchedule); attempt++ {
		res, err := c.attempt(ctx, url, payload)
		if err == nil {
			return res, nil
		}
		lastErr = err

		switch {
		case isBadNonce(err):
			if nonceRetried {
				// a second badNonce in a row is not worth chasing
				return nil, err
			}
			nonceRetried = true
			attempt--
			continue
		case md.IsKind(err, md.KindRateLimited):
			// a 429 is the CA telling this account to back off; the
			// supervisor defers the whole MD by Retry-After
			return nil, err
		case md.IsKind(err, md.KindTransient):
			delay := backoffSchedule[attempt]
			// a busy server's Retry-After (503) is honored in-request,
			// capped
			if ra := md.RetryAfterOf(err); ra > delay {
				if ra > maxRetryAfter {
					ra = maxRetryAfter
				}
				delay = ra
			}
			c.Logger.Debug("retrying after transient failure",
				zap.String("url", url),
				zap.Duration("backoff", delay),
				zap.Error(err))
			if werr := c.wait(ctx, delay); werr != nil {
				return nil, werr
			}
			continue
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt performs one signed POST.
func (c *Client) attempt(ctx context.Context, url string, payload []byte) (*Result, error) {
	nonce, err := c.nonce(ctx)
	if err != nil {
		return nil, err
	}

	alg, err := algFor(c.Key)
	if err != nil {
		return nil, md.NewError(md.KindFatal, "", err)
	}
	header := protectedHeader{Alg: alg, Nonce: nonce, URL: url}
	if c.KID != "" {
		header.KID = c.KID
	} else {
		k, err := jwkFor(c.Key)
		if err != nil {
			return nil, md.NewError(md.KindFatal, "", err)
		}
		header.JWK = &k
	}

	signed, err := signJWS(c.Key, header, payload)
	if err != nil {
		return nil, fmt.Errorf("signing request for %s: %v", url, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(signed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", joseContentType)
	req.Header.Set("User-Agent", userAgent)

	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return nil, md.NewError(md.KindTransient, "", err)
	}
	defer res.Body.Close()
	c.storeNonce(res.Header)

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, md.NewError(md.KindTransient, "", err)
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return &Result{
			Body:     body,
			Location: res.Header.Get("Location"),
			Header:   res.Header,
		}, nil
	}
	if res.StatusCode == http.StatusNotFound {
		// endpoints derived from a stale directory come back 404
		c.invalidateDirectory()
	}
	return nil, statusError(res.StatusCode, res.Header, body)
}

// isBadNonce reports whether err is the CA's badNonce complaint.
func isBadNonce(err error) bool {
	var p *Problem
	return errors.As(err, &p) && p.IsBadNonce()
}

// statusError converts a non-2xx response into a typed error.
func statusError(status int, h http.Header, body []byte) error {
	retryAfter := parseRetryAfter(h.Get("Retry-After"))

	p := new(Problem)
	if err := json.Unmarshal(body, p); err != nil || p.Type == "" {
		p = &Problem{
			Type:   fmt.Sprintf("HTTP %d", status),
			Detail: string(body),
			Status: status,
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		e := p.toError()
		e.Kind = md.KindRateLimited
		e.RetryAfter = retryAfter
		return e
	case status == http.StatusServiceUnavailable && retryAfter > 0:
		e := p.toError()
		e.Kind = md.KindTransient
		e.RetryAfter = retryAfter
		return e
	case status >= 500:
		e := p.toError()
		e.Kind = md.KindTransient
		return e
	}
	e := p.toError()
	e.RetryAfter = retryAfter
	return e
}

// responseError handles plain (unsigned) request failures.
func responseError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	return statusError(res.StatusCode, res.Header, body)
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return secondsDuration(secs)
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func secondsDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}
