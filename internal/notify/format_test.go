package notify

import (
	"strings"
	"testing"

	"twistbridge/internal/config"
	"twistbridge/internal/domain"
)

func sampleEvent(state domain.AlertState) domain.AlertEvent {
	return domain.AlertEvent{
		IncidentKey: "0.abc",
		State:       state,
		Summary:     "CPU above 90%",
		PolicyName:  "High CPU",
		URL:         "https://console.cloud.google.com/monitoring/alerting/incidents/0.abc",
		Resource:    map[string]string{"instance_id": "web-1", "project_id": "demo"},
	}
}

func TestFormatterRendersPerState(t *testing.T) {
	t.Parallel()

	formatter := DefaultFormatter()
	cases := map[domain.AlertState]string{
		domain.AlertStateOpened:    "🚨 High CPU on web-1",
		domain.AlertStateEscalated: "⚠️ High CPU on web-1 escalated",
		domain.AlertStateResolved:  "✅ High CPU on web-1",
	}
	for state, prefix := range cases {
		body, err := formatter.Body(sampleEvent(state))
		if err != nil {
			t.Fatalf("render %s: %v", state, err)
		}
		if !strings.HasPrefix(body, prefix) {
			t.Fatalf("expected %q prefix, got %q", prefix, body)
		}
		if !strings.Contains(body, "CPU above 90%") || !strings.Contains(body, "(https://console.cloud.google.com/") {
			t.Fatalf("expected summary and link in %q", body)
		}
	}
}

func TestFormatterPrefersDocumentation(t *testing.T) {
	t.Parallel()

	formatter := DefaultFormatter()
	for _, state := range []domain.AlertState{domain.AlertStateOpened, domain.AlertStateResolved} {
		event := sampleEvent(state)
		event.Documentation = "Restart the worker pool."
		body, err := formatter.Body(event)
		if err != nil {
			t.Fatalf("render %s: %v", state, err)
		}
		if !strings.HasSuffix(body, "\n\nRestart the worker pool.") || strings.Contains(body, "CPU above 90%") {
			t.Fatalf("expected documentation in place of summary for %s, got %q", state, body)
		}
	}
}

func TestFormatterTitleIsSingleLineAndBounded(t *testing.T) {
	t.Parallel()

	formatter, err := NewFormatter(config.TemplatesConfig{
		Opened:         "x",
		Escalated:      "x",
		Resolved:       "x",
		Title:          "{{ .PolicyName }}\n{{ .Summary }}",
		MissingContext: "x",
	})
	if err != nil {
		t.Fatalf("new formatter: %v", err)
	}
	event := sampleEvent(domain.AlertStateOpened)
	event.Summary = strings.Repeat("a", 400)
	title, err := formatter.Title(event)
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	if strings.Contains(title, "\n") {
		t.Fatalf("expected single-line title, got %q", title)
	}
	if runes := len([]rune(title)); runes > maxTitleRunes {
		t.Fatalf("expected at most %d runes, got %d", maxTitleRunes, runes)
	}

	event.PolicyName, event.Summary = "", ""
	title, err = formatter.Title(event)
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	if title != "Incident 0.abc" {
		t.Fatalf("expected fallback title, got %q", title)
	}
}

func TestFormatterMissingContextMentionsState(t *testing.T) {
	t.Parallel()

	note, err := DefaultFormatter().MissingContext(sampleEvent(domain.AlertStateResolved))
	if err != nil {
		t.Fatalf("missing context: %v", err)
	}
	if !strings.Contains(note, "state: resolved") {
		t.Fatalf("expected state in note, got %q", note)
	}
}

func TestNewFormatterRejectsBrokenTemplate(t *testing.T) {
	t.Parallel()

	_, err := NewFormatter(config.TemplatesConfig{Opened: "{{ .Broken", Escalated: "x", Resolved: "x", Title: "x", MissingContext: "x"})
	if err == nil || !strings.Contains(err.Error(), "opened") {
		t.Fatalf("expected opened parse error, got %v", err)
	}
}
