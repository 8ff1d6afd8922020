// Package errclass maps marketplace API failures onto the handful of
// user-facing behaviours the client knows. All matching against backend
// message text lives here and nowhere else.
package errclass

import (
	"context"
	"errors"
	"strings"

	"agenthive/internal/api"
)

// Class is a user-facing failure category.
type Class int

const (
	// Generic failures show the raw message and keep the input for retry.
	Generic Class = iota
	// OutOfCredits keeps the caller in place with a top-up affordance.
	OutOfCredits
	// Entitlement sends the caller to the agent's hire/purchase page.
	Entitlement
	// Unavailable means the agent backend is not configured or not ready.
	Unavailable
	// Exhausted means the free trial is used up.
	Exhausted
	// Canceled is a local context cancellation; never shown.
	Canceled
)

func (c Class) String() string {
	switch c {
	case OutOfCredits:
		return "out_of_credits"
	case Entitlement:
		return "entitlement"
	case Unavailable:
		return "unavailable"
	case Exhausted:
		return "exhausted"
	case Canceled:
		return "canceled"
	default:
		return "generic"
	}
}

// Retryable reports whether the failed input should be restored for retry.
func (c Class) Retryable() bool {
	switch c {
	case Generic, OutOfCredits, Unavailable:
		return true
	default:
		return false
	}
}

var codeClasses = map[string]Class{
	api.CodeInsufficientCredits: OutOfCredits,
	api.CodeForbidden:           Entitlement,
	api.CodeNoLicense:           Entitlement,
	api.CodeNotFound:            Entitlement,
	api.CodeUnauthorized:        Entitlement,
	api.CodeNotConfigured:       Unavailable,
	api.CodeBackendNotReady:     Unavailable,
	api.CodeTrialExhausted:      Exhausted,
}

// Substring markers, checked in order. Exhaustion comes before entitlement
// because "trial limit reached" bodies are often sent as 403s.
var markers = []struct {
	class   Class
	phrases []string
}{
	{OutOfCredits, []string{"insufficient credit", "insufficient balance", "not enough credits"}},
	{Exhausted, []string{"trial limit", "trial exhausted", "no trial messages remaining"}},
	{Unavailable, []string{"not configured", "not ready", "temporarily unavailable"}},
	{Entitlement, []string{"not found", "unauthorized", "forbidden", "no active license", "access denied"}},
}

// Classify picks the Class for err. A structured api.Error code wins;
// otherwise the message text is inspected.
func Classify(err error) Class {
	if err == nil {
		return Generic
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if apiErr, ok := api.AsError(err); ok && apiErr.Code != "" {
		if c, known := codeClasses[apiErr.Code]; known {
			return c
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		for _, p := range m.phrases {
			if strings.Contains(msg, p) {
				return m.class
			}
		}
	}
	return Generic
}

// Describe returns the inline message to show for err.
func Describe(err error) string {
	switch Classify(err) {
	case OutOfCredits:
		return "You're out of credits. Top up to keep chatting."
	case Entitlement:
		return "You need to hire this agent before chatting."
	case Unavailable:
		return "This agent is temporarily unavailable. Try again in a moment."
	case Exhausted:
		return "Your free trial is used up. Hire this agent to continue."
	case Canceled:
		return ""
	default:
		return err.Error()
	}
}
