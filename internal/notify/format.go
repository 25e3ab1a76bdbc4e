package notify

import (
	"fmt"
	"strings"
	"text/template"

	"twistbridge/internal/config"
	"twistbridge/internal/domain"
	"twistbridge/internal/templatefmt"
)

const maxTitleRunes = 200

// Formatter renders alert events into thread titles and message bodies.
// Params: compiled templates per message kind.
// Returns: renderer safe for concurrent use.
type Formatter struct {
	opened         *template.Template
	escalated      *template.Template
	resolved       *template.Template
	title          *template.Template
	missingContext *template.Template
}

// NewFormatter compiles templates from config.
// Params: templates section.
// Returns: formatter or parse error.
func NewFormatter(cfg config.TemplatesConfig) (*Formatter, error) {
	var (
		formatter Formatter
		err       error
	)
	for _, entry := range []struct {
		name string
		body string
		dst  **template.Template
	}{
		{name: "opened", body: cfg.Opened, dst: &formatter.opened},
		{name: "escalated", body: cfg.Escalated, dst: &formatter.escalated},
		{name: "resolved", body: cfg.Resolved, dst: &formatter.resolved},
		{name: "title", body: cfg.Title, dst: &formatter.title},
		{name: "missing_context", body: cfg.MissingContext, dst: &formatter.missingContext},
	} {
		*entry.dst, err = templatefmt.ParseMessageTemplate(entry.name, entry.body)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", entry.name, err)
		}
	}
	return &formatter, nil
}

// DefaultFormatter compiles built-in templates.
// Params: none.
// Returns: formatter with default templates.
func DefaultFormatter() *Formatter {
	formatter, err := NewFormatter(config.TemplatesConfig{
		Opened:         config.DefaultOpenedTemplate,
		Escalated:      config.DefaultEscalatedTemplate,
		Resolved:       config.DefaultResolvedTemplate,
		Title:          config.DefaultTitleTemplate,
		MissingContext: config.DefaultMissingContextTemplate,
	})
	if err != nil {
		panic(err)
	}
	return formatter
}

// Body renders message body for event state.
// Params: alert event.
// Returns: rendered markdown or execute error.
func (f *Formatter) Body(event domain.AlertEvent) (string, error) {
	switch event.State {
	case domain.AlertStateEscalated:
		return execute(f.escalated, event)
	case domain.AlertStateResolved:
		return execute(f.resolved, event)
	default:
		return execute(f.opened, event)
	}
}

// Title renders a single-line thread title.
// Params: alert event.
// Returns: rendered title or execute error.
func (f *Formatter) Title(event domain.AlertEvent) (string, error) {
	title, err := execute(f.title, event)
	if err != nil {
		return "", err
	}
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		title = "Incident " + event.IncidentKey
	}
	return templatefmt.Truncate(maxTitleRunes, title), nil
}

// MissingContext renders the note seeded into a thread created for a non-opening event.
// Params: alert event.
// Returns: rendered note or execute error.
func (f *Formatter) MissingContext(event domain.AlertEvent) (string, error) {
	return execute(f.missingContext, event)
}

func execute(tmpl *template.Template, event domain.AlertEvent) (string, error) {
	var builder strings.Builder
	if err := tmpl.Execute(&builder, event); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(builder.String()), nil
}
