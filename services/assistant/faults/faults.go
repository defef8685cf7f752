// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package faults defines the error taxonomy shared by the assistant core.
//
// Every failure that can reach a user or a fallback decision is classified
// into a Kind. Components construct Faults at the point of failure; the
// fallback handler maps Kinds to recovery actions without inspecting call
// sites. New failure causes are added by extending the Kind enumeration and
// the fallback table, not by teaching callers about new error shapes.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for routing and recovery decisions.
type Kind int

const (
	// KindUnknown is the zero value; treated as non-retryable.
	KindUnknown Kind = iota

	// KindValidation covers malformed, oversized, or unsafe input.
	// Terminal for the message; the connection stays open.
	KindValidation

	// KindRateLimit marks a message-rate ceiling violation.
	// Terminal, carries a retry-after hint.
	KindRateLimit

	// KindProviderTimeout marks a completion call that exceeded its
	// hard timeout. Eligible for one retry.
	KindProviderTimeout

	// KindProviderUnavailable marks a transient completion-service
	// failure (connection refused, 5xx). Eligible for one retry.
	KindProviderUnavailable

	// KindPersistence marks a durable-storage failure. Logged only;
	// never surfaced to the user.
	KindPersistence

	// KindConnectionLimit marks a per-user connection-cap violation.
	KindConnectionLimit
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindProviderTimeout:
		return "provider_timeout"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindPersistence:
		return "persistence"
	case KindConnectionLimit:
		return "connection_limit"
	default:
		return "unknown"
	}
}

// Retryable reports whether a single retry is worth attempting before
// falling back.
func (k Kind) Retryable() bool {
	return k == KindProviderTimeout || k == KindProviderUnavailable
}

// Fault is a classified error. It wraps the underlying cause (if any) and
// carries the message shown to the user for terminal kinds.
type Fault struct {
	Kind Kind

	// UserMessage is safe to send to the client. Empty for kinds that
	// resolve internally (persistence, provider failures that fall back).
	UserMessage string

	// RetryAfter is the wait hint for rate-limit faults; zero otherwise.
	RetryAfter time.Duration

	// Err is the underlying cause. May be nil for pure policy faults.
	Err error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return f.Kind.String()
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (f *Fault) Unwrap() error { return f.Err }

// New creates a Fault of the given kind wrapping err.
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Validation creates a terminal validation fault with a user-facing message.
func Validation(userMsg string, err error) *Fault {
	return &Fault{Kind: KindValidation, UserMessage: userMsg, Err: err}
}

// RateLimited creates a rate-limit fault with a retry-after hint.
func RateLimited(retryAfter time.Duration) *Fault {
	return &Fault{
		Kind:        KindRateLimit,
		UserMessage: "You are sending messages too quickly. Please wait a moment.",
		RetryAfter:  retryAfter,
	}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Returns KindUnknown for non-Fault errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// AsFault unwraps err to a *Fault, or nil if err is not one.
func AsFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}
