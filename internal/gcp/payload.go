package gcp

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"twistbridge/internal/domain"
)

// notificationEnvelope is the body Cloud Monitoring posts to webhook channels.
type notificationEnvelope struct {
	Version  string           `json:"version"`
	Incident *incidentPayload `json:"incident"`
}

type incidentPayload struct {
	IncidentID              string            `json:"incident_id"`
	ScopingProjectID        string            `json:"scoping_project_id"`
	URL                     string            `json:"url"`
	State                   string            `json:"state"`
	StartedAt               epochSeconds      `json:"started_at"`
	EndedAt                 epochSeconds      `json:"ended_at"`
	Summary                 string            `json:"summary"`
	PolicyName              string            `json:"policy_name"`
	ConditionName           string            `json:"condition_name"`
	Severity                string            `json:"severity"`
	ResourceName            string            `json:"resource_name"`
	ResourceTypeDisplayName string            `json:"resource_type_display_name"`
	Resource                resourcePayload   `json:"resource"`
	Documentation           documentationBody `json:"documentation"`
}

type resourcePayload struct {
	Type   string         `json:"type"`
	Labels map[string]any `json:"labels"`
}

// documentationBody accepts both {"content": "..."} and a bare string.
type documentationBody struct {
	Content string
}

// UnmarshalJSON decodes object or string documentation forms.
// Params: raw JSON value.
// Returns: decode error for unsupported shapes.
func (d *documentationBody) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		return json.Unmarshal(raw, &d.Content)
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("documentation: %w", err)
	}
	d.Content = body.Content
	return nil
}

// maxEpochSeconds is 9999-12-31T23:59:59Z.
const maxEpochSeconds = 253402300799

// epochSeconds accepts integer, numeric string, or null timestamps.
type epochSeconds int64

// UnmarshalJSON decodes epoch seconds from number or string.
// Params: raw JSON value.
// Returns: decode error for non-numeric values.
func (e *epochSeconds) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*e = 0
		return nil
	}
	text := strings.Trim(string(raw), `"`)
	if text == "" {
		*e = 0
		return nil
	}
	if seconds, err := strconv.ParseInt(text, 10, 64); err == nil {
		if seconds < 0 || seconds > maxEpochSeconds {
			return fmt.Errorf("timestamp %q is out of range", text)
		}
		*e = epochSeconds(seconds)
		return nil
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("timestamp %q is not epoch seconds", text)
	}
	if value < 0 || value > maxEpochSeconds {
		return fmt.Errorf("timestamp %q is out of range", text)
	}
	*e = epochSeconds(value)
	return nil
}

// Time converts epoch seconds into UTC time; zero stays zero.
// Params: none.
// Returns: timestamp.
func (e epochSeconds) Time() time.Time {
	if e == 0 {
		return time.Time{}
	}
	return time.Unix(int64(e), 0).UTC()
}

// ParsePayload decodes one notification body into a normalized alert event.
// Params: raw JSON body and receive time.
// Returns: event or decode/validation error.
func ParsePayload(raw []byte, receivedAt time.Time) (domain.AlertEvent, error) {
	var envelope notificationEnvelope
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(&envelope); err != nil {
		return domain.AlertEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	if envelope.Incident == nil {
		return domain.AlertEvent{}, errors.New("notification has no incident object")
	}
	incident := envelope.Incident

	state, err := domain.ParseAlertState(incident.State)
	if err != nil {
		return domain.AlertEvent{}, err
	}

	labels := make(map[string]string, len(incident.Resource.Labels))
	for key, value := range incident.Resource.Labels {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		labels[key] = labelString(value)
	}

	incidentKey := strings.TrimSpace(incident.IncidentID)
	if incidentKey == "" {
		incidentKey = derivedIncidentKey(incident.PolicyName, incident.Resource.Type, labels)
	}
	if incidentKey == "" {
		return domain.AlertEvent{}, errors.New("notification has neither incident_id nor policy_name")
	}

	summary := strings.TrimSpace(incident.Summary)
	documentation := strings.TrimSpace(incident.Documentation.Content)
	if summary == "" {
		summary = documentation
	}
	if summary == "" {
		summary = strings.TrimSpace(incident.PolicyName)
	}

	policyName := strings.TrimSpace(incident.PolicyName)
	if policyName == "" {
		policyName = strings.TrimSpace(incident.ConditionName)
	}

	event := domain.AlertEvent{
		IncidentKey:   incidentKey,
		State:         state,
		Summary:       summary,
		Resource:      labels,
		ReceivedAt:    receivedAt.UTC(),
		PolicyName:    policyName,
		ConditionName: strings.TrimSpace(incident.ConditionName),
		URL:           strings.TrimSpace(incident.URL),
		Documentation: documentation,
		ResourceType:  strings.TrimSpace(incident.Resource.Type),
		Severity:      strings.TrimSpace(incident.Severity),
	}
	event.ID = BuildEventID(incidentKey, state, incident.StartedAt.Time(), incident.EndedAt.Time(), summary)
	return event, nil
}

// BuildEventID derives a delivery id that is identical across provider retries of one notification.
// Params: incident key, state, incident timestamps, and summary.
// Returns: stable SHA1-based id string.
func BuildEventID(incidentKey string, state domain.AlertState, startedAt, endedAt time.Time, summary string) string {
	raw := fmt.Sprintf("%s|%s|%d|%d|%s", incidentKey, state, unixOrZero(startedAt), unixOrZero(endedAt), summary)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// derivedIncidentKey builds an incident key from policy and resource when incident_id is absent.
// Params: policy name, resource type, and labels.
// Returns: "policy/<sha1>" key or empty when policy is unknown.
func derivedIncidentKey(policyName, resourceType string, labels map[string]string) string {
	policyName = strings.TrimSpace(policyName)
	if policyName == "" {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(policyName)
	builder.WriteString("|")
	builder.WriteString(resourceType)
	for _, key := range keys {
		builder.WriteString("|")
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(labels[key])
	}
	sum := sha1.Sum([]byte(builder.String()))
	return "policy/" + hex.EncodeToString(sum[:])
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// labelString renders one label value as text.
// Params: decoded JSON value.
// Returns: string form.
func labelString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(encoded)
	}
}

// DescribeParseFailure renders a chat-friendly diagnostic for an unparseable payload.
// Params: parse error and raw body.
// Returns: markdown message with the payload in a code block.
func DescribeParseFailure(err error, raw []byte) string {
	return fmt.Sprintf("Failed to parse due to %v:\n\n```\n%s\n```", err, strings.TrimSpace(string(raw)))
}
