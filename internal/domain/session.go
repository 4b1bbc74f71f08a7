package domain

import "time"

// SessionRecord is the persisted metadata of a session. Live state stays in
// memory.
type SessionRecord struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	ProjectID    string    `json:"project_id,omitempty"`
	Enterprise   bool      `json:"enterprise"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// IdleFor returns how long the session has been idle at now.
func (s *SessionRecord) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(s.LastActivity)
	if idle < 0 {
		return 0
	}
	return idle
}
