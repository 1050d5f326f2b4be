package models

import "time"

// StatusRecord is the single mutable status entry for a pull request.
// It is keyed by a stable signature and updated with upsert semantics.
type StatusRecord struct {
	Key       string    `json:"key"`
	CommentID int64     `json:"comment_id"`
	Body      string    `json:"body"`
	Stages    []string  `json:"stages,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
