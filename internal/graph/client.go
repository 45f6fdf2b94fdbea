// Package graph is a small client for the upstream social API: comment
// replies, direct messages, messaging-id lookup, token refresh, and metric reads.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"inbound-automation/internal/models"
	"inbound-automation/internal/telemetry"
)

// Limiter hands out one token per upstream call for an account.
type Limiter interface {
	Allow(ctx context.Context, account string) (bool, float64, error)
}

// Auth identifies the account a call is made on behalf of.
type Auth struct {
	AccountID  string
	Credential models.Credential
}

// Config for New. Zero values fall back to defaults.
type Config struct {
	BaseURL      string
	Version      string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Limiter      Limiter
	ReadAttempts uint
	ReadDelay    time.Duration
	Now          func() time.Time
}

// Client is safe for concurrent use.
type Client struct {
	base         string
	version      string
	http         *http.Client
	limiter      Limiter
	readAttempts uint
	readDelay    time.Duration
	now          func() time.Time
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.ReadAttempts == 0 {
		cfg.ReadAttempts = 3
	}
	if cfg.ReadDelay <= 0 {
		cfg.ReadDelay = 500 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		base:         strings.TrimRight(cfg.BaseURL, "/"),
		version:      strings.Trim(cfg.Version, "/"),
		http:         cfg.HTTPClient,
		limiter:      cfg.Limiter,
		readAttempts: cfg.ReadAttempts,
		readDelay:    cfg.ReadDelay,
		now:          cfg.Now,
	}
}

// PostCommentReply answers a comment publicly and returns the reply id.
func (c *Client) PostCommentReply(ctx context.Context, auth Auth, commentID, text string) (string, error) {
	form := url.Values{"message": {text}}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, auth, http.MethodPost, escape(commentID)+"/replies", nil, form, &out); err != nil {
		return "", fmt.Errorf("reply to comment %s: %w", commentID, err)
	}
	return out.ID, nil
}

// SendDirectMessage sends text to a messaging id and returns the message id.
func (c *Client) SendDirectMessage(ctx context.Context, auth Auth, recipientID, text string) (string, error) {
	body := map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message":   map[string]string{"text": text},
	}
	var out struct {
		RecipientID string `json:"recipient_id"`
		MessageID   string `json:"message_id"`
	}
	if err := c.call(ctx, auth, http.MethodPost, escape(auth.AccountID)+"/messages", nil, body, &out); err != nil {
		return "", fmt.Errorf("send message to %s: %w", recipientID, err)
	}
	return out.MessageID, nil
}

// ErrNoMessagingID means the author has no conversation with the account yet.
var ErrNoMessagingID = errors.New("graph: no messaging id for author")

// ResolveMessagingID maps a public comment author id to the id that direct
// messages must be addressed to, via the account's conversations.
func (c *Client) ResolveMessagingID(ctx context.Context, auth Auth, authorID string) (string, error) {
	q := url.Values{
		"platform": {"instagram"},
		"user_id":  {authorID},
		"fields":   {"participants"},
	}
	var out struct {
		Data []struct {
			Participants struct {
				Data []struct {
					ID       string `json:"id"`
					Username string `json:"username"`
				} `json:"data"`
			} `json:"participants"`
		} `json:"data"`
	}
	if err := c.call(ctx, auth, http.MethodGet, escape(auth.AccountID)+"/conversations", q, nil, &out); err != nil {
		return "", fmt.Errorf("resolve messaging id for %s: %w", authorID, err)
	}
	for _, conv := range out.Data {
		for _, p := range conv.Participants.Data {
			if p.ID != "" && p.ID != auth.AccountID {
				return p.ID, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoMessagingID, authorID)
}

// RefreshToken exchanges a long-lived token for a fresh one.
func (c *Client) RefreshToken(ctx context.Context, auth Auth) (models.Credential, error) {
	q := url.Values{"grant_type": {"ig_refresh_token"}}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.call(ctx, auth, http.MethodGet, "refresh_access_token", q, nil, &out); err != nil {
		return models.Credential{}, fmt.Errorf("refresh token for %s: %w", auth.AccountID, err)
	}
	if out.AccessToken == "" {
		return models.Credential{}, fmt.Errorf("refresh token for %s: empty access_token", auth.AccountID)
	}
	cred := models.Credential{AccessToken: out.AccessToken}
	if out.ExpiresIn > 0 {
		cred.ExpiresAt = c.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// FetchMetrics reads numeric fields for several objects in one request.
// Non-numeric fields are ignored.
func (c *Client) FetchMetrics(ctx context.Context, auth Auth, objectIDs, fields []string) (map[string]map[string]int64, error) {
	if len(objectIDs) == 0 {
		return map[string]map[string]int64{}, nil
	}
	q := url.Values{
		"ids":    {strings.Join(objectIDs, ",")},
		"fields": {strings.Join(fields, ",")},
	}
	var raw map[string]map[string]json.RawMessage
	if err := c.call(ctx, auth, http.MethodGet, "", q, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch metrics for %d objects: %w", len(objectIDs), err)
	}
	out := make(map[string]map[string]int64, len(raw))
	for id, obj := range raw {
		values := make(map[string]int64)
		for field, v := range obj {
			var n int64
			if err := json.Unmarshal(v, &n); err == nil {
				values[field] = n
			}
		}
		out[id] = values
	}
	return out, nil
}

// RecentMedia lists the account's latest media ids, newest first.
func (c *Client) RecentMedia(ctx context.Context, auth Auth, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 25
	}
	q := url.Values{"fields": {"id"}, "limit": {strconv.Itoa(limit)}}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.call(ctx, auth, http.MethodGet, escape(auth.AccountID)+"/media", q, nil, &out); err != nil {
		return nil, fmt.Errorf("list media for %s: %w", auth.AccountID, err)
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// call performs one API request. GETs are retried on transient failures;
// writes are attempted once and left to the caller's retry policy.
func (c *Client) call(ctx context.Context, auth Auth, method, path string, query url.Values, body any, out any) error {
	if auth.Credential.AccessToken == "" {
		return fmt.Errorf("%w: no credential for account %s", ErrUnauthorized, auth.AccountID)
	}
	if auth.Credential.Expired(c.now()) {
		return fmt.Errorf("%w: credential for account %s expired at %s", ErrUnauthorized, auth.AccountID, auth.Credential.ExpiresAt.Format(time.RFC3339))
	}

	attempt := func() error {
		if err := c.take(ctx, auth.AccountID); err != nil {
			return err
		}
		return c.do(ctx, auth, method, path, query, body, out)
	}
	if method != http.MethodGet {
		return attempt()
	}

	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = attempt()
			return lastErr
		},
		retry.Attempts(c.readAttempts),
		retry.Delay(c.readDelay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(c.readDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.WarnContext(ctx, "graph read failed, retrying", "path", path, "attempt", n+1, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

func (c *Client) take(ctx context.Context, account string) error {
	if c.limiter == nil {
		return nil
	}
	allowed, _, err := c.limiter.Allow(ctx, account)
	if err != nil {
		// Throttling is advisory; an unavailable Redis must not stop dispatch.
		slog.WarnContext(ctx, "rate limiter unavailable, allowing call", "account", account, "error", err)
		return nil
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		return fmt.Errorf("%w: local budget exhausted for account %s", ErrRateLimited, account)
	}
	return nil
}

func (c *Client) do(ctx context.Context, auth Auth, method, path string, query url.Values, body any, out any) error {
	endpoint := c.base + "/" + c.version + "/" + path
	if c.version == "" {
		endpoint = c.base + "/" + path
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var (
		reader      io.Reader = http.NoBody
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case url.Values:
		reader = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+auth.Credential.AccessToken)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	slog.DebugContext(ctx, "graph call",
		"method", method,
		"path", path,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, payload []byte) error {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Error == nil {
		return &APIError{Status: status, Message: strings.TrimSpace(string(payload))}
	}
	envelope.Error.Status = status
	return envelope.Error
}

// retryable selects errors worth repeating inside a single job attempt.
// Local throttling is excluded: the bucket will not refill within the retry window.
func retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func escape(id string) string {
	return url.PathEscape(id)
}
