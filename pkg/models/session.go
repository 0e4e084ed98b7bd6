package models

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusProvisioning SessionStatus = "provisioning"
	StatusStarting     SessionStatus = "starting"
	StatusRunning      SessionStatus = "running"
	StatusIdle         SessionStatus = "idle"
	StatusStopping     SessionStatus = "stopping"
	StatusStopped      SessionStatus = "stopped"
	StatusError        SessionStatus = "error"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusProvisioning, StatusStarting, StatusRunning, StatusIdle,
		StatusStopping, StatusStopped, StatusError:
		return true
	}
	return false
}

// Terminal reports whether the status is terminal for an actor instance.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// SessionRecord is the durable session row.
type SessionRecord struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	AgentType        string        `json:"agent_type"`
	WorkingDirectory string        `json:"working_directory"`
	WorktreeID       string        `json:"worktree_id,omitempty"`
	RepositoryID     string        `json:"repository_id,omitempty"`
	Title            string        `json:"title,omitempty"`
	Status           SessionStatus `json:"status"`
	NextSeq          int64         `json:"next_seq"`
	LeaseOwner       string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt   *time.Time    `json:"lease_expires_at,omitempty"`
	LastActivityAt   time.Time     `json:"last_activity_at"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// CreateSessionConfig contains fields for creating a new session.
type CreateSessionConfig struct {
	UserID           string `json:"user_id"`
	AgentType        string `json:"agent_type"`
	WorkingDirectory string `json:"working_directory"`
	WorktreeID       string `json:"worktree_id,omitempty"`
	RepositoryID     string `json:"repository_id,omitempty"`
	Title            string `json:"title,omitempty"`
}

// Lease is the durable ownership token for a session. A session whose
// lease has expired is unowned and may be claimed by any gateway.
type Lease struct {
	SessionID string    `json:"session_id"`
	GatewayID string    `json:"gateway_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has expired as of now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
