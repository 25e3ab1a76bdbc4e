package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"twistbridge/internal/config"
	"twistbridge/internal/domain"
	"twistbridge/internal/permanent"
)

type capturedRequest struct {
	path          string
	authorization string
	body          map[string]any
}

type twistStub struct {
	mu       sync.Mutex
	requests []capturedRequest
	respond  func(w http.ResponseWriter, r *http.Request, call int)
}

func (s *twistStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.requests = append(s.requests, capturedRequest{
		path:          r.URL.Path,
		authorization: r.Header.Get("Authorization"),
		body:          body,
	})
	call := len(s.requests)
	s.mu.Unlock()

	if s.respond != nil {
		s.respond(w, r, call)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *twistStub) snapshot() []capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedRequest(nil), s.requests...)
}

func newTestClient(apiBase, token string) *TwistClient {
	return NewTwistClient(config.TwistConfig{APIBase: apiBase, APIToken: token, TimeoutSec: 2})
}

func TestTwistClientCreatesAPIThreadAndComments(t *testing.T) {
	t.Parallel()

	stub := &twistStub{respond: func(w http.ResponseWriter, r *http.Request, _ int) {
		if r.URL.Path == "/api/v3/threads/add" {
			_, _ = w.Write([]byte(`{"id": 4242, "title": "t"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}}
	server := httptest.NewServer(stub)
	defer server.Close()

	client := newTestClient(server.URL+"/api/v3", "secret-token")
	target := domain.Integration{InstallID: "install-1", ChannelID: "77"}

	handle, err := client.CreateThread(context.Background(), target, "CPU high on web-1")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if handle.Mode != domain.ThreadModeAPI || handle.ThreadID != "4242" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if err := client.PostMessage(context.Background(), handle, "hello"); err != nil {
		t.Fatalf("post message: %v", err)
	}

	requests := stub.snapshot()
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	if requests[0].authorization != "Bearer secret-token" {
		t.Fatalf("expected bearer auth, got %q", requests[0].authorization)
	}
	if requests[0].body["channel_id"] != float64(77) || requests[0].body["title"] != "CPU high on web-1" {
		t.Fatalf("unexpected thread payload: %#v", requests[0].body)
	}
	if requests[1].path != "/api/v3/comments/add" {
		t.Fatalf("expected comments/add, got %q", requests[1].path)
	}
	if requests[1].body["thread_id"] != float64(4242) || requests[1].body["content"] != "hello" {
		t.Fatalf("unexpected comment payload: %#v", requests[1].body)
	}
}

func TestTwistClientIntegrationModePostsToDataURL(t *testing.T) {
	t.Parallel()

	stub := &twistStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	client := newTestClient("", "")
	target := domain.Integration{InstallID: "install-2", PostDataURL: server.URL + "/integrations/incoming/post_data?install_id=2"}

	handle, err := client.CreateThread(context.Background(), target, "Disk full on db")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if handle.Mode != domain.ThreadModeIntegration || handle.PostURL != target.PostDataURL {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if err := client.PostMessage(context.Background(), handle, "body"); err != nil {
		t.Fatalf("post message: %v", err)
	}

	requests := stub.snapshot()
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	if requests[0].authorization != "" {
		t.Fatalf("integration posts must not carry auth, got %q", requests[0].authorization)
	}
	if requests[0].body["title"] != "Disk full on db" {
		t.Fatalf("unexpected create payload: %#v", requests[0].body)
	}
	if _, ok := requests[1].body["title"]; ok || requests[1].body["content"] != "body" {
		t.Fatalf("unexpected message payload: %#v", requests[1].body)
	}
}

func TestTwistClientClassifiesStatuses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		status     int
		retryAfter string
		kind       SinkErrorKind
		permanent  bool
		wait       time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "7", kind: SinkRateLimited, wait: 7 * time.Second},
		{name: "server error", status: http.StatusBadGateway, kind: SinkServerError},
		{name: "request timeout", status: http.StatusRequestTimeout, kind: SinkClientError, permanent: true},
		{name: "bad request", status: http.StatusBadRequest, kind: SinkClientError, permanent: true},
		{name: "forbidden", status: http.StatusForbidden, kind: SinkClientError, permanent: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			client := newTestClient("", "")
			handle := domain.ThreadHandle{Mode: domain.ThreadModeIntegration, PostURL: server.URL}
			err := client.PostMessage(context.Background(), handle, "x")
			sinkErr, ok := AsSinkError(err)
			if !ok {
				t.Fatalf("expected sink error, got %v", err)
			}
			if sinkErr.Kind != tc.kind || sinkErr.Status != tc.status {
				t.Fatalf("expected %s/%d, got %s/%d", tc.kind, tc.status, sinkErr.Kind, sinkErr.Status)
			}
			if permanent.Is(err) != tc.permanent {
				t.Fatalf("expected permanent=%v for %s", tc.permanent, tc.name)
			}
			if sinkErr.RetryAfter != tc.wait {
				t.Fatalf("expected retry-after %s, got %s", tc.wait, sinkErr.RetryAfter)
			}
			if sinkErr.Body != "nope" {
				t.Fatalf("expected body excerpt, got %q", sinkErr.Body)
			}
		})
	}
}

func TestTwistClientNetworkErrorIsRetryable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	url := server.URL
	server.Close()

	client := newTestClient("", "")
	err := client.PostMessage(context.Background(), domain.ThreadHandle{Mode: domain.ThreadModeIntegration, PostURL: url}, "x")
	sinkErr, ok := AsSinkError(err)
	if !ok || sinkErr.Kind != SinkNetworkError {
		t.Fatalf("expected network error, got %v", err)
	}
	if !Retryable(err) {
		t.Fatalf("expected network error to be retryable")
	}
}

func TestTwistClientRejectsIntegrationWithoutURL(t *testing.T) {
	t.Parallel()

	client := newTestClient("", "")
	_, err := client.CreateThread(context.Background(), domain.Integration{InstallID: "x"}, "title")
	if err == nil || !permanent.Is(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	header := now.Add(30 * time.Second).Format(http.TimeFormat)
	if got := parseRetryAfter(header, now); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	if got := parseRetryAfter("garbage", now); got != 0 {
		t.Fatalf("expected zero for invalid header, got %s", got)
	}
	if got := parseRetryAfter("-4", now); got != 0 {
		t.Fatalf("expected zero for negative header, got %s", got)
	}
}

func TestSinkErrorMessageCarriesStatusAndBody(t *testing.T) {
	t.Parallel()

	err := &SinkError{Kind: SinkServerError, Op: "post message", Status: 503, Body: "down", Err: errors.New("x")}
	text := err.Error()
	for _, part := range []string{"post message", "server_error", "status=503", "body=down"} {
		if !strings.Contains(text, part) {
			t.Fatalf("expected %q in %q", part, text)
		}
	}
}
