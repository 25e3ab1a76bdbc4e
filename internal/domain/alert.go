package domain

import (
	"fmt"
	"strings"
	"time"
)

// AlertState is one incident lifecycle stage reported by the monitoring provider.
// Params: normalized lower-case state token.
// Returns: typed alert state.
type AlertState string

const (
	// AlertStateOpened marks a newly raised incident.
	AlertStateOpened AlertState = "opened"
	// AlertStateEscalated marks an incident raised again at higher severity.
	AlertStateEscalated AlertState = "escalated"
	// AlertStateResolved marks a closed incident.
	AlertStateResolved AlertState = "resolved"
)

// ParseAlertState maps provider state tokens onto AlertState.
// Params: raw state value; empty means a one-shot (log based) alert.
// Returns: normalized state or error for unknown values.
func ParseAlertState(raw string) (AlertState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "open", "opened", "firing":
		return AlertStateOpened, nil
	case "escalated", "escalate":
		return AlertStateEscalated, nil
	case "closed", "resolved":
		return AlertStateResolved, nil
	default:
		return "", fmt.Errorf("unsupported incident state %q", raw)
	}
}

// AlertEvent is one verified and normalized inbound notification.
type AlertEvent struct {
	ID            string            `json:"id"`
	IncidentKey   string            `json:"incident_key"`
	State         AlertState        `json:"state"`
	Summary       string            `json:"summary"`
	Resource      map[string]string `json:"resource,omitempty"`
	ReceivedAt    time.Time         `json:"received_at"`
	PolicyName    string            `json:"policy_name,omitempty"`
	ConditionName string            `json:"condition_name,omitempty"`
	URL           string            `json:"url,omitempty"`
	Documentation string            `json:"documentation,omitempty"`
	ResourceType  string            `json:"resource_type,omitempty"`
	Severity      string            `json:"severity,omitempty"`
	InstallID     string            `json:"install_id,omitempty"`
}

var resourceNameLabels = []string{
	"container_name",
	"service_name",
	"instance_id",
	"host",
	"bucket_name",
	"database_id",
	"cluster_name",
	"project_id",
}

// ResourceName picks the most specific human label for the affected resource.
// Params: none.
// Returns: label value or "unknown".
func (e AlertEvent) ResourceName() string {
	for _, key := range resourceNameLabels {
		if value := strings.TrimSpace(e.Resource[key]); value != "" {
			return value
		}
	}
	return "unknown"
}

// ThreadHandle addresses one chat thread at the sink.
// Mode "api" uses ThreadID; mode "integration" posts to PostURL.
type ThreadHandle struct {
	Mode      string `json:"mode"`
	InstallID string `json:"install_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	PostURL   string `json:"post_url,omitempty"`
	Title     string `json:"title,omitempty"`
}

const (
	// ThreadModeAPI addresses a thread created through the REST API.
	ThreadModeAPI = "api"
	// ThreadModeIntegration addresses the integration post_data_url.
	ThreadModeIntegration = "integration"
)

// ThreadBinding links one incident key to its chat thread.
// ClosedAt is zero while the incident is open.
type ThreadBinding struct {
	IncidentKey string       `json:"incident_key"`
	Thread      ThreadHandle `json:"thread"`
	CreatedAt   time.Time    `json:"created_at"`
	ClosedAt    time.Time    `json:"closed_at,omitempty"`
}

// Closed reports whether a Resolved message was delivered to the thread.
// Params: none.
// Returns: true when ClosedAt is set.
func (b ThreadBinding) Closed() bool {
	return !b.ClosedAt.IsZero()
}

// Integration is one installed Twist integration that receives GCP alerts.
type Integration struct {
	InstallID   string    `json:"install_id"`
	PostDataURL string    `json:"post_data_url"`
	ChannelID   string    `json:"channel_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	UserName    string    `json:"user_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
