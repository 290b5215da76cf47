package types

import (
	"context"
	"encoding/json"
	"time"
)

// Payload is the unit of work or context that is routed and agreed upon.
// The coordination layer never interprets Body.
type Payload struct {
	ID          string          `json:"id"`
	Domain      string          `json:"domain,omitempty"`
	Keywords    []string        `json:"keywords,omitempty"`
	ContextTags []string        `json:"context_tags,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`

	// Exclusive marks payloads whose side effects must not be duplicated.
	Exclusive bool `json:"exclusive,omitempty"`

	// DependsOn lists payload ids that must be observed first. Cross-sender
	// ordering is only expressed here.
	DependsOn []string `json:"depends_on,omitempty"`
}

// =============================================================================
// 🔌 External collaborators
// =============================================================================

// Issue is a single validation finding.
type Issue struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationResult is returned by a Validator.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

// Validator rejects malformed or unsafe payloads before they are proposed or routed.
type Validator interface {
	Validate(ctx context.Context, p Payload) (*ValidationResult, error)
}

// Fingerprinter hashes payloads for dedup and integrity checks.
type Fingerprinter interface {
	Fingerprint(p Payload) (string, error)
}

// AuthorityDecision is the verdict of the external authority.
type AuthorityDecision struct {
	Approved  bool            `json:"approved"`
	Value     json.RawMessage `json:"value,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	DecidedAt time.Time       `json:"decided_at"`
}

// Authority is consulted only when normal and emergency quorum both fail.
type Authority interface {
	Escalate(ctx context.Context, roundID, reason string) (AuthorityDecision, error)
}

// AuthorityFunc adapts a function to Authority.
type AuthorityFunc func(ctx context.Context, roundID, reason string) (AuthorityDecision, error)

// Escalate implements Authority.
func (f AuthorityFunc) Escalate(ctx context.Context, roundID, reason string) (AuthorityDecision, error) {
	return f(ctx, roundID, reason)
}
