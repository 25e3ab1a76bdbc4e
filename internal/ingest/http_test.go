package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"twistbridge/internal/domain"
	"twistbridge/internal/gcp"
	"twistbridge/internal/logging"
	"twistbridge/internal/metrics"
	"twistbridge/internal/notifyqueue"
)

type fakeVerifier struct {
	err error
}

func (v fakeVerifier) VerifyAndParse(raw []byte, _ http.Header, _ url.Values) (domain.AlertEvent, error) {
	if v.err != nil {
		return domain.AlertEvent{}, v.err
	}
	return domain.AlertEvent{ID: "evt-" + string(raw), IncidentKey: "inc-1", State: domain.AlertStateOpened}, nil
}

type fakeSink struct {
	mu       sync.Mutex
	events   []domain.AlertEvent
	installs []string
	accepted bool
	err      error
}

func (s *fakeSink) HandleWebhook(_ context.Context, installID string, event domain.AlertEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installs = append(s.installs, installID)
	if s.err != nil {
		return false, s.err
	}
	s.events = append(s.events, event)
	return s.accepted, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeInstaller struct {
	installed   []domain.Integration
	uninstalled []string
	err         error
}

func (i *fakeInstaller) Install(_ context.Context, record domain.Integration) error {
	if i.err != nil {
		return i.err
	}
	i.installed = append(i.installed, record)
	return nil
}

func (i *fakeInstaller) Uninstall(_ context.Context, installID string) error {
	if i.err != nil {
		return i.err
	}
	i.uninstalled = append(i.uninstalled, installID)
	return nil
}

type fixedLetters []notifyqueue.DeadLetter

func (f fixedLetters) List() []notifyqueue.DeadLetter { return f }

func newTestRouter(opts RouterOptions) http.Handler {
	if opts.Verifier == nil {
		opts.Verifier = fakeVerifier{}
	}
	if opts.Sink == nil {
		opts.Sink = &fakeSink{accepted: true}
	}
	if opts.Installer == nil {
		opts.Installer = &fakeInstaller{}
	}
	opts.Logger = logging.Discard()
	opts.ServerName = "bridge.example.com"
	opts.HealthPath = "/healthz"
	opts.ReadyPath = "/ready"
	opts.MetricsPath = "/metrics"
	return NewRouter(opts)
}

func serve(handler http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	return response
}

func TestGCPWebhookAcceptsEvent(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{accepted: true}
	reg := metrics.New()
	router := newTestRouter(RouterOptions{Sink: sink, Metrics: reg})

	response := serve(router, http.MethodPost, "/gcp/webhooks/42", "application/json", "a")
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.count() != 1 || sink.installs[0] != "42" || sink.events[0].InstallID != "42" {
		t.Fatalf("expected one event for install 42, got %+v", sink.events)
	}
	if !strings.Contains(response.Body.String(), `"accepted"`) {
		t.Fatalf("unexpected body %q", response.Body.String())
	}

	metricsResponse := serve(router, http.MethodGet, "/metrics", "", "")
	if !strings.Contains(metricsResponse.Body.String(), `twist_bridge_webhooks_total{result="accepted"} 1`) {
		t.Fatalf("expected accepted webhook counter, got:\n%s", metricsResponse.Body.String())
	}
}

func TestGCPWebhookStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		verifier fakeVerifier
		sink     *fakeSink
		want     int
	}{
		{name: "duplicate", sink: &fakeSink{accepted: false}, want: http.StatusAccepted},
		{name: "unknown install", sink: &fakeSink{err: ErrUnknownInstall}, want: http.StatusNotFound},
		{name: "unavailable", sink: &fakeSink{err: ErrUnavailable}, want: http.StatusServiceUnavailable},
		{name: "store failure", sink: &fakeSink{err: errors.New("boom")}, want: http.StatusServiceUnavailable},
		{name: "unauthenticated", verifier: fakeVerifier{err: &gcp.VerifyError{Kind: gcp.VerifyUnauthenticated, Err: errors.New("bad token")}}, sink: &fakeSink{}, want: http.StatusUnauthorized},
		{name: "malformed", verifier: fakeVerifier{err: &gcp.VerifyError{Kind: gcp.VerifyMalformed, Err: errors.New("bad json")}}, sink: &fakeSink{}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := RouterOptions{Sink: tt.sink}
			if tt.verifier.err != nil {
				opts.Verifier = tt.verifier
			}
			response := serve(newTestRouter(opts), http.MethodPost, "/gcp/webhooks/1", "application/json", "{}")
			if response.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, response.Code)
			}
		})
	}
}

func TestGCPWebhookRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{accepted: true}
	router := newTestRouter(RouterOptions{Sink: sink, MaxBodyBytes: 8})
	response := serve(router, http.MethodPost, "/gcp/webhooks/1", "application/json", strings.Repeat("x", 64))
	if response.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, response.Code)
	}
	if sink.count() != 0 {
		t.Fatalf("expected no events, got %d", sink.count())
	}
}

func TestTwistConfigureRegistersInstall(t *testing.T) {
	t.Parallel()

	installer := &fakeInstaller{}
	router := newTestRouter(RouterOptions{Installer: installer})
	query := url.Values{
		"install_id":    {"77"},
		"post_data_url": {"https://twist.com/integrations/incoming/post_data?install_id=77"},
		"user_id":       {"5"},
		"user_name":     {"Ops"},
	}
	response := serve(router, http.MethodGet, "/twist/on_configure?"+query.Encode(), "", "")
	if response.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, response.Code)
	}
	if !strings.Contains(response.Body.String(), "Webhook URL: https://bridge.example.com/gcp/webhooks/77") {
		t.Fatalf("expected webhook URL in reply, got %q", response.Body.String())
	}
	if len(installer.installed) != 1 || installer.installed[0].UserName != "Ops" {
		t.Fatalf("expected one install, got %+v", installer.installed)
	}
}

func TestTwistConfigureValidatesQuery(t *testing.T) {
	t.Parallel()

	installer := &fakeInstaller{}
	router := newTestRouter(RouterOptions{Installer: installer})
	response := serve(router, http.MethodGet, "/twist/on_configure?install_id=1", "", "")
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if len(installer.installed) != 0 {
		t.Fatalf("expected no install, got %+v", installer.installed)
	}
}

func TestTwistOutgoingEvents(t *testing.T) {
	t.Parallel()

	installer := &fakeInstaller{}
	router := newTestRouter(RouterOptions{Installer: installer})

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
		wantContent string
	}{
		{name: "ping json", contentType: "application/json", body: `{"event_type":"ping","user_id":"1","user_name":"a"}`, wantStatus: http.StatusOK, wantContent: "pong"},
		{name: "message form", contentType: "application/x-www-form-urlencoded", body: "event_type=message&content=hi", wantStatus: http.StatusOK, wantContent: ""},
		{name: "uninstall", contentType: "application/json", body: `{"event_type":"uninstall","install_id":"9"}`, wantStatus: http.StatusOK, wantContent: "uninstalled!"},
		{name: "unknown", contentType: "application/json", body: `{"event_type":"dance"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", contentType: "application/json", body: `{`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		response := serve(router, http.MethodPost, "/twist/outgoing", tt.contentType, tt.body)
		if response.Code != tt.wantStatus {
			t.Fatalf("%s: expected status %d, got %d", tt.name, tt.wantStatus, response.Code)
		}
		if tt.wantStatus != http.StatusOK {
			continue
		}
		var reply map[string]string
		if err := json.Unmarshal(response.Body.Bytes(), &reply); err != nil {
			t.Fatalf("%s: decode reply: %v", tt.name, err)
		}
		if reply["content"] != tt.wantContent {
			t.Fatalf("%s: expected content %q, got %q", tt.name, tt.wantContent, reply["content"])
		}
	}
	if len(installer.uninstalled) != 1 || installer.uninstalled[0] != "9" {
		t.Fatalf("expected install 9 removed, got %v", installer.uninstalled)
	}
}

func TestTwistOutgoingUninstallUnknownIsIdempotent(t *testing.T) {
	t.Parallel()

	router := newTestRouter(RouterOptions{Installer: &fakeInstaller{err: ErrUnknownInstall}})
	response := serve(router, http.MethodPost, "/twist/outgoing", "application/json", `{"event_type":"uninstall","install_id":"9"}`)
	if response.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, response.Code)
	}
}

func TestDeadLettersRequiresToken(t *testing.T) {
	t.Parallel()

	letters := fixedLetters{{TaskID: "t1", Reason: notifyqueue.ReasonClientError}}

	disabled := newTestRouter(RouterOptions{DeadLetters: letters})
	if response := serve(disabled, http.MethodGet, "/admin/dead-letters", "", ""); response.Code != http.StatusNotFound {
		t.Fatalf("expected status %d without admin token, got %d", http.StatusNotFound, response.Code)
	}

	router := newTestRouter(RouterOptions{DeadLetters: letters, AdminToken: "s3cret"})
	request := httptest.NewRequest(http.MethodGet, "/admin/dead-letters", nil)
	request.Header.Set("Authorization", "Bearer wrong")
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, response.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "/admin/dead-letters", nil)
	request.Header.Set("X-Admin-Token", "s3cret")
	response = httptest.NewRecorder()
	router.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, response.Code)
	}
	var body struct {
		DeadLetters []notifyqueue.DeadLetter `json:"dead_letters"`
		Count       int                      `json:"count"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.DeadLetters[0].TaskID != "t1" {
		t.Fatalf("unexpected dead letters %+v", body)
	}
}

func TestReadyFollowsFlag(t *testing.T) {
	t.Parallel()

	ready := false
	router := newTestRouter(RouterOptions{Ready: func() bool { return ready }})
	if response := serve(router, http.MethodGet, "/ready", "", ""); response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
	ready = true
	if response := serve(router, http.MethodGet, "/ready", "", ""); response.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, response.Code)
	}
	if response := serve(router, http.MethodGet, "/healthz", "", ""); response.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, response.Code)
	}
}
