package ingest

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"twistbridge/internal/domain"
	"twistbridge/internal/metrics"
	"twistbridge/internal/notifyqueue"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var (
	// ErrUnknownInstall is returned by sinks for an unregistered install id.
	ErrUnknownInstall = errors.New("unknown install id")
	// ErrUnavailable is returned by sinks when state or queue cannot take the event now.
	ErrUnavailable = errors.New("temporarily unavailable")
)

// Verifier authenticates and parses one inbound GCP call.
// Params: raw body, request headers, and query string.
// Returns: normalized event or an error exposing HTTPStatus().
type Verifier interface {
	VerifyAndParse(raw []byte, headers http.Header, query url.Values) (domain.AlertEvent, error)
}

// EventSink receives verified events for an install.
// Params: install id and event.
// Returns: true when accepted as new, false for duplicates; ErrUnknownInstall or ErrUnavailable.
type EventSink interface {
	HandleWebhook(ctx context.Context, installID string, event domain.AlertEvent) (bool, error)
}

// Installer registers and removes Twist integration installs.
// Params: integration record or install id.
// Returns: persistence error; Uninstall returns ErrUnknownInstall when absent.
type Installer interface {
	Install(ctx context.Context, record domain.Integration) error
	Uninstall(ctx context.Context, installID string) error
}

// DeadLetterLister exposes recent dead letters.
type DeadLetterLister interface {
	List() []notifyqueue.DeadLetter
}

// RouterOptions wires handlers to bridge components.
type RouterOptions struct {
	Verifier     Verifier
	Sink         EventSink
	Installer    Installer
	DeadLetters  DeadLetterLister
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	ServerName   string
	AdminToken   string
	MaxBodyBytes int64
	HealthPath   string
	ReadyPath    string
	MetricsPath  string
	Ready        func() bool
}

type handlers struct {
	opts   RouterOptions
	logger *slog.Logger
}

// NewRouter builds the HTTP surface of the bridge.
// Params: router options.
// Returns: chi router.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/healthz"
	}
	if opts.ReadyPath == "" {
		opts.ReadyPath = "/ready"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	h := &handlers{opts: opts, logger: logger.With("component", "http")}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get(opts.HealthPath, h.health)
	router.Get(opts.ReadyPath, h.ready)
	if opts.Metrics != nil {
		router.Method(http.MethodGet, opts.MetricsPath, opts.Metrics.Handler())
	}
	router.Post("/gcp/webhooks/{installID}", h.gcpWebhook)
	router.Get("/twist/on_configure", h.twistConfigure)
	router.Post("/twist/outgoing", h.twistOutgoing)
	router.Get("/admin/dead-letters", h.deadLetters)
	return router
}

func (h *handlers) health(writer http.ResponseWriter, _ *http.Request) {
	writer.WriteHeader(http.StatusOK)
	_, _ = writer.Write([]byte("ok"))
}

func (h *handlers) ready(writer http.ResponseWriter, _ *http.Request) {
	if h.opts.Ready != nil && !h.opts.Ready() {
		writer.WriteHeader(http.StatusServiceUnavailable)
		_, _ = writer.Write([]byte("not ready"))
		return
	}
	writer.WriteHeader(http.StatusOK)
	_, _ = writer.Write([]byte("ready"))
}

// gcpWebhook verifies one GCP notification and hands it to the bridge.
// Params: HTTP request/response writer pair.
// Returns: 401/400 on verify failure, 404 unknown install, 503 unavailable, 202 otherwise.
func (h *handlers) gcpWebhook(writer http.ResponseWriter, request *http.Request) {
	installID := chi.URLParam(request, "installID")

	request.Body = http.MaxBytesReader(writer, request.Body, h.opts.MaxBodyBytes)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.opts.Metrics.WebhookHandled("malformed")
		writeJSON(writer, status, map[string]string{"error": "read body"})
		return
	}

	event, err := h.opts.Verifier.VerifyAndParse(body, request.Header, request.URL.Query())
	if err != nil {
		status := http.StatusBadRequest
		var coded interface{ HTTPStatus() int }
		if errors.As(err, &coded) {
			status = coded.HTTPStatus()
		}
		result := "malformed"
		if status == http.StatusUnauthorized {
			result = "unauthenticated"
		}
		h.opts.Metrics.WebhookHandled(result)
		h.logger.Warn("gcp webhook rejected", "install_id", installID, "result", result, "error", err.Error())
		writeJSON(writer, status, map[string]string{"error": result})
		return
	}
	event.InstallID = installID

	accepted, err := h.opts.Sink.HandleWebhook(request.Context(), installID, event)
	switch {
	case errors.Is(err, ErrUnknownInstall):
		h.opts.Metrics.WebhookHandled("unknown_install")
		h.logger.Warn("no twist integration found", "install_id", installID)
		writeJSON(writer, http.StatusNotFound, map[string]string{"error": "unknown install"})
	case err != nil:
		h.opts.Metrics.WebhookHandled("unavailable")
		h.logger.Error("gcp webhook not accepted", "install_id", installID, "event_id", event.ID, "error", err.Error())
		writeJSON(writer, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
	case !accepted:
		h.opts.Metrics.WebhookHandled("duplicate")
		writeJSON(writer, http.StatusAccepted, map[string]string{"status": "duplicate", "event_id": event.ID})
	default:
		h.opts.Metrics.WebhookHandled("accepted")
		writeJSON(writer, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": event.ID})
	}
}

// twistConfigure registers an integration install and replies with the GCP webhook URL.
// Params: HTTP request with install_id, post_data_url, user_id, user_name, optional channel_id.
// Returns: plain-text setup instructions.
func (h *handlers) twistConfigure(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	record := domain.Integration{
		InstallID:   strings.TrimSpace(query.Get("install_id")),
		PostDataURL: strings.TrimSpace(query.Get("post_data_url")),
		ChannelID:   strings.TrimSpace(query.Get("channel_id")),
		UserID:      query.Get("user_id"),
		UserName:    query.Get("user_name"),
	}
	if record.InstallID == "" || record.PostDataURL == "" {
		http.Error(writer, "install_id and post_data_url are required", http.StatusBadRequest)
		return
	}
	if err := h.opts.Installer.Install(request.Context(), record); err != nil {
		h.logger.Error("twist configure failed", "install_id", record.InstallID, "error", err.Error())
		http.Error(writer, "configuration failed", http.StatusServiceUnavailable)
		return
	}
	h.logger.Info("twist configured", "install_id", record.InstallID, "user_name", record.UserName)

	webhookURL := fmt.Sprintf("https://%s/gcp/webhooks/%s", h.opts.ServerName, url.PathEscape(record.InstallID))
	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writer.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(writer, `
Twist configuration successful.

# GCP Notification Channel
Webhook URL: %s

A hello message has been sent to your thread and should appear per integration settings.

GCP Notifications will show up in threads as per integration settings.
`, webhookURL)
}

type outgoingEvent struct {
	EventType string `json:"event_type"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Content   string `json:"content"`
	InstallID string `json:"install_id"`
}

// twistOutgoing answers Twist outgoing webhook events.
// Params: JSON or form body with event_type.
// Returns: {"content": ...} reply, 400 for unknown event types.
func (h *handlers) twistOutgoing(writer http.ResponseWriter, request *http.Request) {
	request.Body = http.MaxBytesReader(writer, request.Body, h.opts.MaxBodyBytes)
	defer request.Body.Close()

	event, err := decodeOutgoing(request)
	if err != nil {
		http.Error(writer, "malformed outgoing event", http.StatusBadRequest)
		return
	}

	switch event.EventType {
	case "ping":
		writeJSON(writer, http.StatusOK, map[string]string{"content": "pong"})
	case "message":
		writeJSON(writer, http.StatusOK, map[string]string{"content": ""})
	case "uninstall":
		if strings.TrimSpace(event.InstallID) == "" {
			http.Error(writer, "install_id is required", http.StatusBadRequest)
			return
		}
		err := h.opts.Installer.Uninstall(request.Context(), event.InstallID)
		if err != nil && !errors.Is(err, ErrUnknownInstall) {
			h.logger.Error("twist uninstall failed", "install_id", event.InstallID, "error", err.Error())
			http.Error(writer, "uninstall failed", http.StatusServiceUnavailable)
			return
		}
		h.logger.Info("twist uninstalled", "install_id", event.InstallID)
		writeJSON(writer, http.StatusOK, map[string]string{"content": "uninstalled!"})
	default:
		writer.WriteHeader(http.StatusBadRequest)
	}
}

// decodeOutgoing reads JSON bodies or url-encoded forms.
// Params: request.
// Returns: decoded event.
func decodeOutgoing(request *http.Request) (outgoingEvent, error) {
	mediaType, _, _ := mime.ParseMediaType(request.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var event outgoingEvent
		if err := json.NewDecoder(request.Body).Decode(&event); err != nil {
			return outgoingEvent{}, err
		}
		return event, nil
	}
	if err := request.ParseForm(); err != nil {
		return outgoingEvent{}, err
	}
	return outgoingEvent{
		EventType: request.PostForm.Get("event_type"),
		UserID:    request.PostForm.Get("user_id"),
		UserName:  request.PostForm.Get("user_name"),
		Content:   request.PostForm.Get("content"),
		InstallID: request.PostForm.Get("install_id"),
	}, nil
}

// deadLetters lists recent dead letters for operators holding the admin token.
// Params: request with Authorization: Bearer or X-Admin-Token.
// Returns: 404 when admin is disabled, 401 on bad token, JSON list otherwise.
func (h *handlers) deadLetters(writer http.ResponseWriter, request *http.Request) {
	if h.opts.AdminToken == "" || h.opts.DeadLetters == nil {
		http.NotFound(writer, request)
		return
	}
	presented := request.Header.Get("X-Admin-Token")
	if presented == "" {
		presented = strings.TrimPrefix(request.Header.Get("Authorization"), "Bearer ")
	}
	if !tokenEqual(presented, h.opts.AdminToken) {
		writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
		return
	}
	entries := h.opts.DeadLetters.List()
	if entries == nil {
		entries = []notifyqueue.DeadLetter{}
	}
	writeJSON(writer, http.StatusOK, map[string]any{"dead_letters": entries, "count": len(entries)})
}

func tokenEqual(presented, expected string) bool {
	left := sha256.Sum256([]byte(presented))
	right := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(left[:], right[:]) == 1
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
