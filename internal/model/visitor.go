// Package model defines domain entities for the application.
package model

import "time"

// VisitorRecord is the persisted ledger entry for one visitor id.
type VisitorRecord struct {
	ID        string `json:"id"`         // ULID or ObjectID hex, store-assigned
	VisitorID string `json:"visitor_id"` // SHA256(IP + " - " + UA) or client token

	// Last observed request metadata
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Region    string `json:"region"`
	Browser   string `json:"browser"`
	LastPath  string `json:"last_path"`

	FirstVisit time.Time `json:"first_visit"`
	LastVisit  time.Time `json:"last_visit"`

	// Incremented only on non-duplicate visits
	VisitCount int64 `json:"visit_count"`
}

// ActiveVisitor is an in-memory registry entry. It is never persisted.
type ActiveVisitor struct {
	VisitorID string    `json:"id"`
	Time      time.Time `json:"time"`
	Path      string    `json:"path"`
	Browser   string    `json:"browser"`
	Region    string    `json:"region"`
}
