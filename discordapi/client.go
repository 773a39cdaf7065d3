// Package discordapi contains a minimal client for the Discord REST API:
// channel metadata lookup and incremental message fetching with bounded
// retry/backoff. Every HTTP call, successful or not, produces exactly one
// rate sample forwarded to the configured recorder.
package discordapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/chat-archiver/ratelimit"
)

const (
	// DefaultBaseURL is the Discord REST API root.
	DefaultBaseURL = "https://discord.com/api/v10"

	// MaxPageSize is the largest page the messages endpoint accepts.
	MaxPageSize = 100

	userAgent = "DiscordBot (https://github.com/onnwee/chat-archiver, 1.0)"

	defaultMaxAttempts = 4
	baseBackoff        = 500 * time.Millisecond
)

// Author identifies who wrote a message.
type Author struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
}

// Attachment describes one file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Message is one channel message as returned by the API. Embeds are kept
// as opaque payloads; the archive formatter decides what to render.
type Message struct {
	ID          string            `json:"id"`
	Author      Author            `json:"author"`
	Content     string            `json:"content"`
	Attachments []Attachment      `json:"attachments"`
	Embeds      []json.RawMessage `json:"embeds"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Snowflake returns the message ID as an unsigned integer. Discord IDs
// are monotonically increasing, so this is the comparison key for
// cursor arithmetic.
func (m Message) Snowflake() uint64 {
	n, _ := strconv.ParseUint(m.ID, 10, 64)
	return n
}

// Channel is the subset of channel metadata the archiver cares about.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RateRecorder receives one sample per API call. *ratelimit.Accountant
// satisfies it.
type RateRecorder interface {
	Record(ratelimit.Sample) ratelimit.Snapshot
}

// Client calls the Discord REST API with a bot token.
type Client struct {
	Token       string
	HTTPClient  *http.Client
	BaseURL     string       // DefaultBaseURL when empty
	Recorder    RateRecorder // optional
	MaxAttempts int          // per-call retry budget; default 4
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

func (c *Client) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return defaultMaxAttempts
}

// GetChannel fetches channel metadata (used for the archive header).
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channelID empty")
	}
	var ch Channel
	err := c.getJSON(ctx, c.baseURL()+"/channels/"+channelID, "channel", &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetMessages fetches one page of messages with ID strictly greater than
// after (all available history when after is empty). The wire order is
// newest-first; the returned slice is reversed into ascending ID order.
func (c *Client) GetMessages(ctx context.Context, channelID, after string, limit int) ([]Message, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channelID empty")
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	url := fmt.Sprintf("%s/channels/%s/messages?limit=%d", c.baseURL(), channelID, limit)
	if after != "" {
		url += "&after=" + after
	}
	var msgs []Message
	if err := c.getJSON(ctx, url, "messages", &msgs); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// FetchAfter drains all unread messages newer than after, repeating the
// page call with an updated after parameter until a short or empty page,
// and concatenating results in chronological order. Any page failure
// discards the whole batch.
func (c *Client) FetchAfter(ctx context.Context, channelID, after string, limit int) ([]Message, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	var all []Message
	cursor := after
	for {
		page, err := c.GetMessages(ctx, channelID, cursor, limit)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < limit {
			return all, nil
		}
		cursor = page[len(page)-1].ID
		if c.shouldBackoff() {
			slog.Warn("rate quota low; pausing before next page", slog.String("channel_id", channelID))
			select {
			case <-ctx.Done():
				return nil, &TransportError{Err: ctx.Err()}
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Client) shouldBackoff() bool {
	type backoffer interface{ ShouldBackoff() bool }
	if b, ok := c.Recorder.(backoffer); ok {
		return b.ShouldBackoff()
	}
	return false
}

// getJSON performs one GET with the per-call retry loop: 429 honors the
// server hint, transport/5xx failures back off exponentially, auth
// failures abort immediately.
func (c *Client) getJSON(ctx context.Context, url, endpoint string, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts(); attempt++ {
		err := c.doOnce(ctx, url, endpoint, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var auth *AuthError
		if errors.As(err, &auth) {
			return err
		}
		if !Retryable(err) {
			return err
		}
		if attempt == c.maxAttempts()-1 {
			break
		}
		wait := baseBackoff << uint(attempt)
		var rl *RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			wait = rl.RetryAfter
		}
		slog.Debug("retrying discord call", slog.String("endpoint", endpoint), slog.Int("attempt", attempt+1), slog.Duration("wait", wait), slog.Any("err", err))
		select {
		case <-ctx.Done():
			return &TransportError{Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("discord %s: retries exhausted: %w", endpoint, lastErr)
}

func (c *Client) doOnce(ctx context.Context, url, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Authorization", c.Token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http().Do(req)
	if err != nil {
		c.record(endpoint, start, 0, nil)
		return &TransportError{Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	c.record(endpoint, start, resp.StatusCode, resp.Header)

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter(resp.Header)}
	case resp.StatusCode >= 500:
		return &TransportError{Status: resp.StatusCode}
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord %s: unexpected status %d: %s", endpoint, resp.StatusCode, string(b))
	}
}

// record forwards one rate sample per call. Headers may be nil when the
// request never reached the server.
func (c *Client) record(endpoint string, start time.Time, status int, h http.Header) {
	if c.Recorder == nil {
		return
	}
	s := ratelimit.Sample{
		Endpoint:  endpoint,
		At:        start,
		Status:    status,
		Remaining: -1,
		Latency:   time.Since(start),
	}
	if h != nil {
		if v := h.Get("X-RateLimit-Remaining"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				s.Remaining = n
			}
		}
		if v := h.Get("X-RateLimit-Reset"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				s.ResetAt = time.Unix(int64(f), 0)
			}
		}
	}
	snap := c.Recorder.Record(s)
	if snap.ShouldBackoff && s.Remaining >= 0 {
		slog.Warn("rate limit warning: low remaining quota", slog.Int("remaining", s.Remaining), slog.String("endpoint", endpoint))
	}
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}
