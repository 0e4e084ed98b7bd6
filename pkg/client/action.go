// Package client implements the device-side offline action queue:
// durable user intents retried with exponential backoff until they
// reach the gateway or exhaust their retries.
package client

import "time"

// ActionKind identifies the handler for a queued action.
type ActionKind string

const (
	ActionReplyToSession ActionKind = "reply_to_session"
	ActionUnblockTask    ActionKind = "unblock_task"
	ActionCommentOnPR    ActionKind = "comment_on_pr"
	ActionCompleteTask   ActionKind = "complete_task"
)

// Valid reports whether the kind is one of the known action kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionReplyToSession, ActionUnblockTask, ActionCommentOnPR, ActionCompleteTask:
		return true
	}
	return false
}

// ActionStatus is the queue-side lifecycle of an action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionFailed     ActionStatus = "failed"
)

// Action is one durable user intent. Successful actions are removed
// from the queue; only pending, in-flight, and failed ones persist.
type Action struct {
	ID          string         `json:"id"`
	Kind        ActionKind     `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      ActionStatus   `json:"status"`
	RetryCount  int            `json:"retryCount"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	LastRetryAt *time.Time     `json:"lastRetryAt,omitempty"`
	NextRetryAt *time.Time     `json:"nextRetryAt,omitempty"`
}
