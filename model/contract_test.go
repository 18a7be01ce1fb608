package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCandidateIdentity(t *testing.T) {
	obj := ObjectInfo{
		Key:          "contratos-gerados/joao_joao-gmail-com.pdf",
		Size:         1024,
		LastModified: time.Now(),
	}

	c := NewCandidate(obj)
	if c.Identity().Complete() {
		t.Error("Expected incomplete identity for fresh candidate")
	}

	c = c.WithIdentity(Identity{Name: "Joao", Email: "joao@gmail.com"})
	if !c.Identity().Complete() {
		t.Error("Expected complete identity")
	}
	if c.Key != obj.Key {
		t.Errorf("Expected key '%s', got '%s'", obj.Key, c.Key)
	}
}

func TestIdentityComplete(t *testing.T) {
	tests := []struct {
		name     string
		id       Identity
		expected bool
	}{
		{"both", Identity{Name: "A B", Email: "a@b.com"}, true},
		{"name only", Identity{Name: "A B"}, false},
		{"email only", Identity{Email: "a@b.com"}, false},
		{"empty", Identity{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Complete(); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	consent := &EnvelopeError{Kind: ErrConsentRequired, Message: "consent", ConsentURL: "https://consent"}
	wrapped := fmt.Errorf("create envelope: %w", consent)

	if KindOf(nil) != "" {
		t.Error("Expected empty kind for nil error")
	}
	if KindOf(errors.New("boom")) != ErrTransient {
		t.Error("Expected unknown errors to be transient")
	}
	if KindOf(fmt.Errorf("get contract: %w", ErrObjectNotFound)) != ErrNotFound {
		t.Error("Expected missing objects to be not_found")
	}
	if KindOf(wrapped) != ErrConsentRequired {
		t.Errorf("Expected consent_required, got %s", KindOf(wrapped))
	}

	res := Failure(wrapped)
	if res.Success {
		t.Error("Expected failure result")
	}
	if res.ConsentURL != "https://consent" {
		t.Errorf("Expected consent URL to be carried, got '%s'", res.ConsentURL)
	}
}

func TestErrorKindRetryable(t *testing.T) {
	if !ErrTransient.Retryable() {
		t.Error("Expected transient to be retryable")
	}
	for _, k := range []ErrorKind{ErrConsentRequired, ErrValidation, ErrDataQuality, ErrNotFound, ErrMissingParameters} {
		if k.Retryable() {
			t.Errorf("Expected %s to be terminal", k)
		}
	}
}
