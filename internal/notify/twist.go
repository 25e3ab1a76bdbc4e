package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"twistbridge/internal/config"
	"twistbridge/internal/domain"

	"golang.org/x/time/rate"
)

// TwistClient talks to Twist through the REST API or an integration post_data_url.
// Params: API settings, HTTP client, and shared rate limiter.
// Returns: rate-limited sink client.
type TwistClient struct {
	apiBase string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewTwistClient creates Twist sink client.
// Params: twist config section.
// Returns: initialized client.
func NewTwistClient(cfg config.TwistConfig) *TwistClient {
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &TwistClient{
		apiBase: strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"),
		token:   strings.TrimSpace(cfg.APIToken),
		client:  &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
	}
}

// usesAPI reports whether threads for target are created through the REST API.
// Params: integration target.
// Returns: true with API token and channel id.
func (c *TwistClient) usesAPI(target domain.Integration) bool {
	return c.token != "" && c.apiBase != "" && strings.TrimSpace(target.ChannelID) != ""
}

// CreateThread opens one thread titled for an incident.
// Params: integration target and thread title.
// Returns: thread handle or *SinkError.
func (c *TwistClient) CreateThread(ctx context.Context, target domain.Integration, title string) (domain.ThreadHandle, error) {
	if c.usesAPI(target) {
		payload := map[string]any{
			"channel_id": numericOrString(target.ChannelID),
			"title":      title,
			"content":    title,
		}
		var created struct {
			ID json.Number `json:"id"`
		}
		if err := c.postJSON(ctx, "create thread", c.apiBase+"/threads/add", payload, true, &created); err != nil {
			return domain.ThreadHandle{}, err
		}
		if created.ID.String() == "" {
			return domain.ThreadHandle{}, &SinkError{Kind: SinkServerError, Op: "create thread", Err: errors.New("response missing thread id")}
		}
		return domain.ThreadHandle{
			Mode:      domain.ThreadModeAPI,
			InstallID: target.InstallID,
			ThreadID:  created.ID.String(),
			Title:     title,
		}, nil
	}

	postURL := strings.TrimSpace(target.PostDataURL)
	if postURL == "" {
		return domain.ThreadHandle{}, &SinkError{Kind: SinkClientError, Op: "create thread", Err: errors.New("integration has no post_data_url")}
	}
	payload := map[string]string{"title": title, "content": title}
	if err := c.postJSON(ctx, "create thread", postURL, payload, false, nil); err != nil {
		return domain.ThreadHandle{}, err
	}
	return domain.ThreadHandle{
		Mode:      domain.ThreadModeIntegration,
		InstallID: target.InstallID,
		PostURL:   postURL,
		Title:     title,
	}, nil
}

// PostMessage appends one message to thread.
// Params: thread handle and markdown body.
// Returns: *SinkError on failure.
func (c *TwistClient) PostMessage(ctx context.Context, thread domain.ThreadHandle, body string) error {
	switch thread.Mode {
	case domain.ThreadModeAPI:
		if c.token == "" {
			return &SinkError{Kind: SinkClientError, Op: "post message", Err: errors.New("api thread requires twist.api_token")}
		}
		payload := map[string]any{
			"thread_id": numericOrString(thread.ThreadID),
			"content":   body,
		}
		return c.postJSON(ctx, "post message", c.apiBase+"/comments/add", payload, true, nil)
	case domain.ThreadModeIntegration:
		if strings.TrimSpace(thread.PostURL) == "" {
			return &SinkError{Kind: SinkClientError, Op: "post message", Err: errors.New("thread has no post url")}
		}
		return c.postJSON(ctx, "post message", thread.PostURL, map[string]string{"content": body}, false, nil)
	default:
		return &SinkError{Kind: SinkClientError, Op: "post message", Err: fmt.Errorf("unsupported thread mode %q", thread.Mode)}
	}
}

// postJSON sends one rate-limited JSON POST and decodes an optional response body.
// Params: operation label, URL, payload, auth toggle, and decode target.
// Returns: *SinkError on any failure.
func (c *TwistClient) postJSON(ctx context.Context, op, endpoint string, payload any, withAuth bool, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &SinkError{Kind: SinkClientError, Op: op, Err: fmt.Errorf("encode payload: %w", err)}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return networkError(op, fmt.Errorf("rate limiter: %w", err))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &SinkError{Kind: SinkClientError, Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	request.Header.Set("Content-Type", "application/json")
	if withAuth {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return networkError(op, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return statusError(op, response, c.now())
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return &SinkError{Kind: SinkServerError, Op: op, Status: response.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// numericOrString sends numeric ids as JSON numbers, anything else as strings.
// Params: id text.
// Returns: int64 or trimmed string.
func numericOrString(value string) any {
	value = strings.TrimSpace(value)
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
		return parsed
	}
	return value
}
