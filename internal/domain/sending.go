package domain

import "fmt"

// TransportType identifies the delivery transport a credential set is used with.
type TransportType string

const (
	TransportSMTP TransportType = "smtp"
	TransportSES  TransportType = "ses"
)

// Credentials is one set of transport credentials handed out by a credential
// source. A set lives from one rotation to the next and is never persisted.
type Credentials struct {
	Label    string `json:"label"`
	Identity string `json:"identity"`
	Secret   string `json:"-"`
	Endpoint string `json:"endpoint"`
	Port     int    `json:"port"`
}

// Validate reports whether the credential set carries the fields every
// transport needs.
func (c Credentials) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("credentials: identity is empty")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("credentials: endpoint is empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("credentials: port %d out of range", c.Port)
	}
	return nil
}

// TruncatedIdentity returns the identity cut to max characters with an
// ellipsis, for progress events and logs.
func (c Credentials) TruncatedIdentity(max int) string {
	r := []rune(c.Identity)
	if len(r) <= max {
		return c.Identity + "..."
	}
	return string(r[:max]) + "..."
}

// Outcome is the per-recipient delivery result.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// BatchResult is produced by the batch sender for one target.
type BatchResult struct {
	Target  Target  `json:"target"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Delivered reports whether the target was accepted by the transport.
func (r BatchResult) Delivered() bool { return r.Outcome == OutcomeDelivered }
