package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrQuorumUnreachable, "healthy count below quorum").
		WithCause(root).
		WithHTTPStatus(503).
		WithRetryable(true).
		WithPrincipal("p1").
		WithRound("r-1")

	if GetErrorCode(err) != ErrQuorumUnreachable {
		t.Fatalf("expected code %s, got %s", ErrQuorumUnreachable, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if err.PrincipalID != "p1" || err.RoundID != "r-1" {
		t.Fatalf("metadata not recorded: %+v", err)
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewCascadeLimitError(9, 8)
	wrapped := fmt.Errorf("deliver: %w", inner)

	if !IsCode(wrapped, ErrCascadeLimitExceeded) {
		t.Fatalf("expected wrapped code lookup to succeed")
	}
	if IsRetryable(wrapped) {
		t.Fatalf("cascade limit must not be retryable")
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}

func TestParseCriticality(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Criticality
		wantErr bool
	}{
		{"low", CriticalityLow, false},
		{"CRITICAL", CriticalityCritical, false},
		{" high ", CriticalityHigh, false},
		{"", CriticalityMedium, false},
		{"urgent", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCriticality(tt.in)
		if tt.wantErr {
			if !IsCode(err, ErrValidation) {
				t.Fatalf("%q: expected validation error, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("%q: got %v, %v", tt.in, got, err)
		}
	}
}

func TestPriority_TextRoundTrip(t *testing.T) {
	t.Parallel()

	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		b, _ := p.MarshalText()
		var got Priority
		if err := got.UnmarshalText(b); err != nil || got != p {
			t.Fatalf("priority %v: got %v, %v", p, got, err)
		}
	}
	var p Priority
	if err := p.UnmarshalText([]byte("asap")); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
}

func TestHealthState_IsLive(t *testing.T) {
	t.Parallel()

	if !HealthActive.IsLive() || !HealthDegraded.IsLive() {
		t.Fatalf("active and degraded are live")
	}
	if HealthOffline.IsLive() || HealthQuarantined.IsLive() {
		t.Fatalf("offline and quarantined are not live")
	}
}
