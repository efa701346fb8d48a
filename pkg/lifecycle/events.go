package lifecycle

import "time"

// Webhook event types consumed by reconciliation.
const (
	EventPullRequest = "pull_request"
	EventPush        = "push"
)

// PullRequestPayload is the pull_request fragment of a hosting-service
// webhook event. Signature verification happens upstream of this package.
type PullRequestPayload struct {
	ID       int64      `json:"id"`
	Number   int        `json:"number"`
	Merged   bool       `json:"merged"`
	State    string     `json:"state"`
	MergedAt *time.Time `json:"merged_at"`
	ClosedAt *time.Time `json:"closed_at"`
}

// WebhookEvent is an inbound hosting-service notification.
type WebhookEvent struct {
	EventType   string              `json:"eventType"`
	Action      string              `json:"action"`
	PullRequest *PullRequestPayload `json:"pull_request"`
}

// Observation converts the payload into the state-machine input. A merge
// timestamp counts as merged even when the flag is absent from the payload.
func (p *PullRequestPayload) Observation() Observation {
	return Observation{
		State:  p.State,
		Merged: p.Merged || p.MergedAt != nil,
	}
}
