package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"agenthive/internal/api"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Generic},
		{"code insufficient", &api.Error{Status: 402, Code: api.CodeInsufficientCredits, Message: "nope"}, OutOfCredits},
		{"code no license", &api.Error{Status: 403, Code: api.CodeNoLicense}, Entitlement},
		{"code not configured", &api.Error{Status: 503, Code: api.CodeNotConfigured}, Unavailable},
		{"code trial exhausted", &api.Error{Status: 403, Code: api.CodeTrialExhausted}, Exhausted},
		{"unknown code falls back to text", &api.Error{Code: "weird", Message: "Insufficient balance"}, OutOfCredits},
		{"text insufficient", errors.New("Insufficient credits to send message"), OutOfCredits},
		{"text forbidden", errors.New("Forbidden"), Entitlement},
		{"text not found", errors.New("Session not found"), Entitlement},
		{"text no license", errors.New("No active license for this agent"), Entitlement},
		{"text not configured", errors.New("Agent backend not configured"), Unavailable},
		{"text not ready", errors.New("agent is not ready yet"), Unavailable},
		{"text trial limit", errors.New("Trial limit reached"), Exhausted},
		{"wrapped", fmt.Errorf("send: %w", &api.Error{Code: api.CodeInsufficientCredits}), OutOfCredits},
		{"canceled", fmt.Errorf("request failed: %w", context.Canceled), Canceled},
		{"other", errors.New("boom"), Generic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Generic.Retryable())
	assert.True(t, OutOfCredits.Retryable())
	assert.True(t, Unavailable.Retryable())
	assert.False(t, Entitlement.Retryable())
	assert.False(t, Exhausted.Retryable())
	assert.False(t, Canceled.Retryable())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "boom", Describe(errors.New("boom")))
	assert.Contains(t, Describe(errors.New("insufficient credits")), "Top up")
	assert.Empty(t, Describe(context.Canceled))
}
