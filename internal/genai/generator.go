package genai

import (
	"context"
	"fmt"
)

// Request asks a generator to produce the deliverables for one agent role
// within a generation session.
type Request struct {
	Role        string
	Requirement string
	// Context carries upstream deliverables (name -> content) so a role
	// can build on what its dependencies produced.
	Context map[string]string
	Model   string
}

// File is one produced deliverable. Name is a bare file name; the artifact
// pipeline derives and validates the project path.
type File struct {
	Name        string
	Content     string
	ContentType string
}

// Usage reports token consumption for a single generation call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the outcome of one role's generation.
type Result struct {
	Files []File
	Usage Usage
}

// Generator produces role deliverables. Implementations must be safe for
// concurrent use; the scheduler dispatches independent roles in parallel.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// GenerationError wraps a provider failure with the role that was running,
// so retry accounting and progress events can attribute it.
type GenerationError struct {
	Role string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed for role %q: %v", e.Role, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
