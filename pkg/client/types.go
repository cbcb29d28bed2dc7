package client

import "time"

// ProcessRecord mirrors a supervised process entry of the runtime state.
type ProcessRecord struct {
	PID       int       `json:"process_id"`
	Role      string    `json:"role"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// Identity is the node's resolved DID, when the agent knows it.
type Identity struct {
	ID string `json:"id"`
}

// Status is the response of GET {base}/status.
type Status struct {
	Self      ProcessRecord   `json:"self"`
	State     string          `json:"state"`
	Processes []ProcessRecord `json:"processes"`
	Identity  *Identity       `json:"identity,omitempty"`
}

// UpdateRequest triggers the self-update protocol on the agent.
type UpdateRequest struct {
	BinaryURL string `json:"binary_url"`
}

// UpdateResult describes a completed update session.
type UpdateResult struct {
	SessionID  string `json:"session_id"`
	InstallDir string `json:"install_dir"`
	BackupDir  string `json:"backup_dir"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
