package domain

import (
	"fmt"
	"strings"
)

// DefaultLink is substituted for the link placeholder when the caller
// supplies none.
const DefaultLink = "#"

// Target is an opaque recipient identifier supplied by the caller.
type Target string

// MessageTemplate is the message a job renders for every target. Subject and
// Body may reference the placeholders listed in TemplateVariables.
type MessageTemplate struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Link    string `json:"link,omitempty"`
}

// Template variable names recognized by the renderer.
const (
	VarTarget = "target"
	VarID     = "id"
	VarSender = "sender"
	VarLink   = "link"
)

// TemplateVariables is the closed set of placeholders a template may use.
var TemplateVariables = []string{VarTarget, VarID, VarSender, VarLink}

// IsTemplateVariable reports whether name is a recognized placeholder.
func IsTemplateVariable(name string) bool {
	for _, v := range TemplateVariables {
		if v == name {
			return true
		}
	}
	return false
}

// LinkOrDefault returns the caller-supplied link or DefaultLink.
func (t MessageTemplate) LinkOrDefault() string {
	if strings.TrimSpace(t.Link) == "" {
		return DefaultLink
	}
	return t.Link
}

// Job is one submitted dispatch run. It is created at submission and dropped
// when the pipeline reaches a terminal state.
type Job struct {
	ID        string          `json:"id"`
	Targets   []Target        `json:"targets"`
	Template  MessageTemplate `json:"template"`
	BatchSize int             `json:"batch_size"`
}

// Validate checks the structural job invariants. Template placeholder
// checks live with the renderer.
func (j Job) Validate() error {
	if j.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidJob, j.BatchSize)
	}
	if len(j.Targets) == 0 {
		return fmt.Errorf("%w: no targets", ErrInvalidJob)
	}
	for i, t := range j.Targets {
		if strings.TrimSpace(string(t)) == "" {
			return fmt.Errorf("%w: target %d is empty", ErrInvalidJob, i)
		}
	}
	if strings.TrimSpace(j.Template.Subject) == "" && strings.TrimSpace(j.Template.Body) == "" {
		return fmt.Errorf("%w: template has no subject or body", ErrInvalidJob)
	}
	return nil
}

// Batches partitions the targets into contiguous slices of BatchSize in input
// order. The last batch may be shorter. The returned slices alias Targets.
func (j Job) Batches() [][]Target {
	if j.BatchSize <= 0 {
		return nil
	}
	out := make([][]Target, 0, (len(j.Targets)+j.BatchSize-1)/j.BatchSize)
	for i := 0; i < len(j.Targets); i += j.BatchSize {
		end := i + j.BatchSize
		if end > len(j.Targets) {
			end = len(j.Targets)
		}
		out = append(out, j.Targets[i:end])
	}
	return out
}

// JobState enumerates the pipeline lifecycle.
type JobState string

const (
	JobIdle      JobState = "idle"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal returns true if the state is final.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}
