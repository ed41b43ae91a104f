// Package artifact defines generated artifacts and the validation pipeline
// that admits them into a session's artifact set.
package artifact

import (
	"fmt"
	"time"
)

// Artifact is one named, versioned output produced by a role.
type Artifact struct {
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	Path        string    `json:"path"`
	Score       float64   `json:"score"`
	Version     int       `json:"version"`
	Superseded  bool      `json:"superseded,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Size returns the content size in bytes.
func (a *Artifact) Size() int {
	return len(a.Content)
}

// RejectReason classifies why an artifact was refused by the processor.
type RejectReason string

const (
	RejectOversize      RejectReason = "oversize"
	RejectInvalidPath   RejectReason = "invalid_path"
	RejectUnsafeContent RejectReason = "unsafe_content"
)

// RejectedError indicates an artifact failed validation. The artifact is
// dropped; sibling artifacts are unaffected.
type RejectedError struct {
	Name   string
	Reason RejectReason
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("artifact %q rejected: %s (%s)", e.Name, e.Reason, e.Detail)
}
