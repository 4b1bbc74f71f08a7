// Package domain contains the persisted types of the RAGOps web server.
package domain

import "time"

// Owner is an anonymous browser identity. Sessions are listed per owner.
type Owner struct {
	OwnerID    string    `json:"owner_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
