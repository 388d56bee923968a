// Package remote talks to the discussion API of the remote service. It is the
// mutation collaborator the comment controller and the reconciliation engine
// replay against, plus the read side used to render a discussion.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/agentworkforce/discussync/internal/discussion"
)

var ErrNotFound = errors.New("not found")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether retrying the same request later can succeed.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case discussion.ErrNotAuthenticated:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case discussion.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// IsTransient classifies err for the queue-or-surface decision. Network
// failures, timeouts, 429 and 5xx responses are transient. Everything else,
// including a caller cancelling its own context, is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Transient()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

type Client interface {
	CreateComment(ctx context.Context, projectID, text string) (discussion.Comment, error)
	UpdateComment(ctx context.Context, projectID string, id int64, text string) (discussion.Comment, error)
	DeleteComment(ctx context.Context, projectID string, id int64) error
	ActiveDiscussion(ctx context.Context, projectID string) (discussion.Discussion, error)
	ListComments(ctx context.Context, projectID string, page int) (discussion.Page, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000/v1"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// WithRetry overrides how often transient failures are retried in-process
// before they are reported to the caller.
func (c *HTTPClient) WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) *HTTPClient {
	if maxRetries >= 0 {
		c.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		c.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		c.maxDelay = maxDelay
	}
	return c
}

type commentRequest struct {
	Text string `json:"text"`
}

func (c *HTTPClient) CreateComment(ctx context.Context, projectID, text string) (discussion.Comment, error) {
	var out discussion.Comment
	err := c.doJSON(ctx, http.MethodPost, commentsPath(projectID), commentRequest{Text: text}, &out)
	return out, err
}

func (c *HTTPClient) UpdateComment(ctx context.Context, projectID string, id int64, text string) (discussion.Comment, error) {
	var out discussion.Comment
	err := c.doJSON(ctx, http.MethodPut, commentPath(projectID, id), commentRequest{Text: text}, &out)
	return out, err
}

func (c *HTTPClient) DeleteComment(ctx context.Context, projectID string, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, commentPath(projectID, id), nil, nil)
}

func (c *HTTPClient) ActiveDiscussion(ctx context.Context, projectID string) (discussion.Discussion, error) {
	var out discussion.Discussion
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/projects/%s/discussion", url.PathEscape(projectID)), nil, &out)
	return out, err
}

// ListComments fetches one page of the active discussion's comments. Pages
// start at 1; zero asks for the first page.
func (c *HTTPClient) ListComments(ctx context.Context, projectID string, page int) (discussion.Page, error) {
	requestPath := commentsPath(projectID)
	if page > 1 {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		requestPath += "?" + q.Encode()
	}
	var out discussion.Page
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out, err
}

func commentsPath(projectID string) string {
	return fmt.Sprintf("/projects/%s/discussion/comments", url.PathEscape(projectID))
}

func commentPath(projectID string, id int64) string {
	return fmt.Sprintf("%s/%d", commentsPath(projectID), id)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	policy := c.retryPolicy()
	for {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			retry, waitErr := c.pause(ctx, policy, "")
			if waitErr != nil {
				return waitErr
			}
			if retry {
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			retry, waitErr := c.pause(ctx, policy, resp.Header.Get("Retry-After"))
			if waitErr != nil {
				return waitErr
			}
			if retry {
				continue
			}
		}
		return decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

// decodeHTTPError accepts {"code","message"}, {"detail"} and field error maps
// such as {"text":["This field may not be blank."]}.
func decodeHTTPError(status int, payload []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: status}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil {
		httpErr.Code = envelope.Code
		httpErr.Message = envelope.Message
		if httpErr.Message == "" {
			httpErr.Message = envelope.Detail
		}
	}
	if httpErr.Message == "" {
		var fields map[string][]string
		if err := json.Unmarshal(payload, &fields); err == nil && len(fields) > 0 {
			parts := make([]string, 0, len(fields))
			for field, messages := range fields {
				parts = append(parts, field+": "+strings.Join(messages, " "))
			}
			httpErr.Message = strings.Join(parts, "; ")
		}
	}
	if httpErr.Message == "" {
		httpErr.Message = http.StatusText(status)
	}
	return httpErr
}

// retryPolicy is the schedule for retrying one request: exponential from
// baseDelay, capped at maxDelay, at most maxRetries times.
func (c *HTTPClient) retryPolicy() backoff.BackOff {
	if c.maxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.maxRetries))
}

// pause waits for the next retry. A Retry-After hint replaces the scheduled
// delay but never exceeds maxDelay. It reports false once retries are used up.
func (c *HTTPClient) pause(ctx context.Context, policy backoff.BackOff, retryAfter string) (bool, error) {
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		return false, nil
	}
	if hinted, ok := parseRetryAfter(retryAfter, time.Now()); ok {
		delay = min(hinted, c.maxDelay)
	}
	if delay <= 0 {
		return true, nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}

// parseRetryAfter reads delay-seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	at, err := http.ParseTime(header)
	if err != nil {
		return 0, false
	}
	return max(at.Sub(now), 0), true
}
