package domain

import (
	"encoding/json"
	"time"
)

// Segment is a named, rule-defined audience. Rules holds the wire form of a
// tree that passed validation at write time; it is replaced wholesale on edit.
// EstimatedCount is a cache and is never used for dispatch.
type Segment struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Description    string          `json:"description,omitempty" db:"description"`
	Rules          json.RawMessage `json:"rules" db:"rules"`
	EstimatedCount int             `json:"estimated_count" db:"estimated_count"`
	EstimatedAt    *time.Time      `json:"estimated_at,omitempty" db:"estimated_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}
