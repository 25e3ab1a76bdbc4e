package templatefmt

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// FuncMap returns helpers shared by config validation and message rendering.
// Params: none.
// Returns: deterministic helper map.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"fmtTime":     FormatTime,
		"json":        MarshalJSON,
		"label":       Label,
		"truncate":    Truncate,
		"upper":       strings.ToUpper,
	}
}

// ParseMessageTemplate parses one chat message template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseMessageTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=zero").Parse(body)
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	duration, ok := value.(time.Duration)
	if !ok {
		return "0.0s"
	}
	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// FormatTime renders timestamps as RFC3339 in UTC; zero time renders empty.
// Params: template value expected as time.Time.
// Returns: formatted timestamp.
func FormatTime(value any) string {
	ts, ok := value.(time.Time)
	if !ok || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

// Label looks up one resource label with a fallback.
// Params: label map, key, and fallback value.
// Returns: label value or fallback when absent or blank.
func Label(labels map[string]string, key, fallback string) string {
	if value := strings.TrimSpace(labels[key]); value != "" {
		return value
	}
	return fallback
}

// Truncate shortens text to at most limit runes, appending an ellipsis when cut.
// Params: rune limit and text.
// Returns: possibly shortened text.
func Truncate(limit int, text string) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	if limit == 1 {
		return "…"
	}
	return string(runes[:limit-1]) + "…"
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
