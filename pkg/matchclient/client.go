// Package matchclient is a Go client for the matchlockd HTTP API.
package matchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client

	mu  sync.Mutex
	rng *rand.Rand
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type respondReq struct {
	ProviderID string `json:"provider_id"`
	Decision   string `json:"decision"`
}

type errorResp struct {
	Error string `json:"error"`
}

// Submit opens a request. A refusal comes back as *RejectedError; a store
// outage as *UnavailableError.
func (c *Client) Submit(ctx context.Context, s Submission) (Request, error) {
	if s.RequesterID == "" || s.ProviderID == "" {
		return Request{}, fmt.Errorf("requester and provider ids required")
	}
	var out Request
	if err := c.call(ctx, http.MethodPost, "/v1/requests", s, &out, http.StatusCreated); err != nil {
		return Request{}, err
	}
	return out, nil
}

// Respond records the target provider's decision on a pending request.
func (c *Client) Respond(ctx context.Context, requestID, providerID, decision string) (Request, error) {
	if requestID == "" || providerID == "" {
		return Request{}, fmt.Errorf("request and provider ids required")
	}
	path := "/v1/requests/" + url.PathEscape(requestID) + "/respond"
	var out Request
	if err := c.call(ctx, http.MethodPost, path, respondReq{ProviderID: providerID, Decision: decision}, &out, http.StatusOK); err != nil {
		return Request{}, err
	}
	return out, nil
}

func (c *Client) LockView(ctx context.Context, requesterID string) (LockView, error) {
	if requesterID == "" {
		return LockView{}, fmt.Errorf("requester id required")
	}
	var out LockView
	path := "/v1/requesters/" + url.PathEscape(requesterID) + "/lock"
	if err := c.call(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return LockView{}, err
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, requestID string) (Request, error) {
	var out Request
	err := c.call(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(requestID), nil, &out, http.StatusOK)
	var rej *RejectedError
	if errors.As(err, &rej) && rej.Reason == ReasonNotFound {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, err
	}
	return out, nil
}

// SubmitWithRetry retries Submit while the server is unavailable. Logical
// rejections end the loop immediately. Retrying is safe because a repeated
// submit for the same pair reports duplicate instead of opening a second
// request. A duplicate seen after an unavailable attempt means that attempt
// committed before its response was lost, so the existing request is fetched
// and returned as the result.
func (c *Client) SubmitWithRetry(ctx context.Context, s Submission, opt RetryOptions) (Request, error) {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 10
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 50 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 2 * time.Second
	}
	if opt.JitterFrac == 0 {
		opt.JitterFrac = 0.2
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			break
		}
		req, err := c.Submit(ctx, s)
		if err == nil {
			return req, nil
		}
		var unavail *UnavailableError
		if !errors.As(err, &unavail) {
			if rej, ok := IsRejected(err); ok && lastErr != nil && rej.Reason == ReasonDuplicate && rej.RequestID != "" {
				return c.Get(ctx, rej.RequestID)
			}
			return Request{}, err
		}
		lastErr = err

		// Honor Retry-After when present, otherwise grow by 1.5x per attempt.
		sleep := unavail.RetryAfter
		if sleep <= 0 {
			sleep = time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		}
		if sleep < opt.MinRetry {
			sleep = opt.MinRetry
		}
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = c.jitter(sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Request{}, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return Request{}, lastErr
}

func (c *Client) jitter(d time.Duration, frac float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return addJitter(c.rng, d, frac)
}

func addJitter(r *rand.Rand, d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	// jitter range: [d*(1-frac), d*(1+frac)]
	j := (r.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}

// call sends an optional JSON body and decodes the response into out when
// the status matches want. Other statuses become typed errors.
func (c *Client) call(ctx context.Context, method, path string, in, out any, want int) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &UnavailableError{Method: method, Path: path, Err: err}
	}
	defer rsp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))

	switch {
	case rsp.StatusCode == want:
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return nil
	case rsp.StatusCode == http.StatusConflict || rsp.StatusCode == http.StatusNotFound:
		var rej RejectedError
		if json.Unmarshal(raw, &rej) == nil && rej.Reason != "" {
			return &rej
		}
		if rsp.StatusCode == http.StatusNotFound {
			return &RejectedError{Reason: ReasonNotFound, Message: errorText(raw)}
		}
	case rsp.StatusCode == http.StatusServiceUnavailable:
		return &UnavailableError{Method: method, Path: path, RetryAfter: retryAfter(rsp.Header.Get("Retry-After"))}
	case rsp.StatusCode == http.StatusBadRequest:
		return &InvalidError{Path: path, Message: errorText(raw)}
	}
	return &UnexpectedStatusError{Method: method, Path: path, Code: rsp.StatusCode, Body: strings.TrimSpace(string(raw))}
}

func errorText(raw []byte) string {
	var e errorResp
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
